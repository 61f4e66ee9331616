// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package core

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrOffsetOutOfWindow is returned by Insert when offset is negative or
// falls outside the receive window.
var ErrOffsetOutOfWindow = errors.New("recvbuffer: offset out of window")

type recvSlot struct {
	occupied bool
	payload  []byte
	msgNo    uint32
	boundary Boundary
	frame    FrameMeta
	hasFrame bool
	skip     bool // placeholder for a dropped range; carries no payload
}

// RecvBuffer is the fixed-size ring described in spec §4.3: slots are
// addressed by offset from the last-ACKed sequence, and Read drains
// contiguous occupied slots from the head, advancing the ACK cursor.
//
// Grounded on the teacher's sizableCircularBuffer (utp.go) generalized
// from a plain byte-slice ring to one that also carries per-slot message
// metadata, and on buffers.SyncCircularBuffer for the blocking-read shape.
type RecvBuffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	slots   []recvSlot
	baseSeq uint32 // sequence number of slots[0]; advances on Read
	closed  bool
}

// NewRecvBuffer constructs a receive buffer with the given window size (in
// packets) and initial ACK cursor.
func NewRecvBuffer(windowPackets int, initialSeq uint32) *RecvBuffer {
	rb := &RecvBuffer{
		slots:   make([]recvSlot, windowPackets),
		baseSeq: initialSeq,
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// Insert places payload at the slot addressed by seq. It returns false
// (without error) for a duplicate insert into an already-occupied slot,
// per spec §4.3's "duplicate inserts are ignored" invariant.
func (rb *RecvBuffer) Insert(seq uint32, payload []byte, msgNo uint32, boundary Boundary, frameMeta *FrameMeta) (inserted bool, err error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	offset := seqLen(rb.baseSeq, seq)
	if offset < 0 || offset >= len(rb.slots) {
		return false, ErrOffsetOutOfWindow
	}
	if rb.slots[offset].occupied {
		return false, nil
	}
	slot := recvSlot{
		occupied: true,
		payload:  append([]byte(nil), payload...),
		msgNo:    msgNo,
		boundary: boundary,
	}
	if frameMeta != nil {
		slot.hasFrame = true
		slot.frame = *frameMeta
	}
	rb.slots[offset] = slot
	if offset == 0 {
		rb.cond.Broadcast()
	}
	return true, nil
}

// Available reports the number of free slots in the window.
func (rb *RecvBuffer) Available() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	n := 0
	for _, s := range rb.slots {
		if !s.occupied {
			n++
		}
	}
	return n
}

// ReadableBytes reports how many contiguous bytes (from the head) are
// ready to be copied out without blocking.
func (rb *RecvBuffer) ReadableBytes() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.readableBytesLocked()
}

func (rb *RecvBuffer) readableBytesLocked() int {
	total := 0
	for i := 0; i < len(rb.slots); i++ {
		if !rb.slots[i].occupied {
			break
		}
		total += len(rb.slots[i].payload)
	}
	return total
}

// Read copies up to len(out) contiguous bytes from the head into out and
// advances the ACK cursor by however many whole slots were fully
// consumed. It returns the number of bytes copied; it never blocks (spec
// §4.3 read contract) - blocking/backpressure is layered on top by the
// engine per spec §5.
func (rb *RecvBuffer) Read(out []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := 0
	for n < len(out) {
		if !rb.slots[0].occupied {
			break
		}
		slot := &rb.slots[0]
		avail := len(slot.payload)
		want := len(out) - n
		if want >= avail {
			copy(out[n:n+avail], slot.payload)
			n += avail
			rb.advanceLocked()
		} else {
			copy(out[n:n+want], slot.payload[:want])
			slot.payload = slot.payload[want:]
			n += want
		}
	}
	return n
}

// ReadChunk behaves like Read but stops at the end of a message (a slot
// boundary of BoundaryLast or BoundarySolo) rather than continuing into
// whatever is queued next, and reports the frame metadata attached to the
// message it read from, if any. This is what lets the application observe
// each block's metadata "exactly as set" regardless of how deep the send
// side's queue was (spec §8 property 6), since a byte-oriented Read has no
// way to signal where one message's metadata stops applying and the next
// one's begins.
func (rb *RecvBuffer) ReadChunk(out []byte) (n int, meta FrameMeta, hasFrame bool, ok bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.slots[0].occupied && rb.slots[0].skip {
		rb.advanceLocked()
	}
	if !rb.slots[0].occupied {
		return 0, FrameMeta{}, false, false
	}
	meta = rb.slots[0].frame
	hasFrame = rb.slots[0].hasFrame
	for n < len(out) {
		if !rb.slots[0].occupied {
			break
		}
		slot := &rb.slots[0]
		avail := len(slot.payload)
		want := len(out) - n
		lastOfMessage := slot.boundary == BoundaryLast || slot.boundary == BoundarySolo
		if want >= avail {
			copy(out[n:n+avail], slot.payload)
			n += avail
			rb.advanceLocked()
			if lastOfMessage {
				break
			}
		} else {
			copy(out[n:n+want], slot.payload[:want])
			slot.payload = slot.payload[want:]
			n += want
		}
	}
	return n, meta, hasFrame, true
}

func (rb *RecvBuffer) advanceLocked() {
	copy(rb.slots, rb.slots[1:])
	rb.slots[len(rb.slots)-1] = recvSlot{}
	rb.baseSeq = incSeq(rb.baseSeq)
}

// Reset reseats the buffer to a new ACK cursor, clearing all slots. Used
// once at handshake completion to align the ring with the peer's actual
// initial sequence number (spec §4.8), since the buffer is constructed
// before that number is known.
func (rb *RecvBuffer) Reset(initialSeq uint32) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	for i := range rb.slots {
		rb.slots[i] = recvSlot{}
	}
	rb.baseSeq = initialSeq
}

// AckCursor returns the sequence number one past the highest contiguously
// delivered byte, i.e. the value the engine should report as last_acked.
func (rb *RecvBuffer) AckCursor() uint32 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.baseSeq
}

// DropMessage removes every payload belonging to msgNo, used when a Drop
// control packet arrives (spec §4.8, §4.3 drop_message). Any freed leading
// slots advance the cursor just as a Read would.
func (rb *RecvBuffer) DropMessage(msgNo uint32) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for i := range rb.slots {
		if rb.slots[i].occupied && !rb.slots[i].skip && rb.slots[i].msgNo == msgNo {
			rb.slots[i] = recvSlot{occupied: true, skip: true}
		}
	}
	for rb.slots[0].occupied && rb.slots[0].skip {
		rb.advanceLocked()
	}
}

// DropRange marks every sequence in [lo,hi] as permanently skipped: slots
// that were never received become occupied placeholders carrying no
// payload, so Read/ReadChunk pass transparently through them instead of
// treating them as a standing gap (spec §4.8 drop_message: "treat the
// covered sequence range as delivered for ACK purposes"). This is what a
// TTL-expired send needs, since the receiver never got any bytes for it
// at all, so DropMessage above - which only clears slots already holding
// msgNo - has nothing to match. Placeholders at the head advance the
// cursor immediately; ones further back wait for Read to reach them, same
// as real data would.
func (rb *RecvBuffer) DropRange(lo, hi uint32) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	seq := lo
	for n := seqLen(lo, incSeq(hi)); n > 0; n-- {
		offset := seqLen(rb.baseSeq, seq)
		if offset >= 0 && offset < len(rb.slots) && !rb.slots[offset].occupied {
			rb.slots[offset] = recvSlot{occupied: true, skip: true}
		}
		seq = incSeq(seq)
	}
	for rb.slots[0].occupied && rb.slots[0].skip {
		rb.advanceLocked()
	}
	rb.cond.Broadcast()
}

// Close marks the buffer closed; outstanding or future blocking waits
// should observe end-of-stream once combined with an empty buffer (spec
// §5 cancellation).
func (rb *RecvBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
	rb.cond.Broadcast()
}
