// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package core

import (
	"container/list"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrSendBufferFull is returned by Append when the buffer's byte budget is
// exhausted; the caller (spec §6 send()) should apply backpressure.
var ErrSendBufferFull = errors.New("sendbuffer: full")

// FrameMeta carries the frame-aware extension's per-chunk metadata (spec
// §4.2, §9). It must travel with the queued block, never with a shared
// register: packetization happens asynchronously relative to Append, so a
// register would only ever reflect the most recent Append call by the time
// a retransmit reads it back out.
type FrameMeta struct {
	FrameID     uint16
	ChunkID     uint8
	TotalChunks uint8
	DeadlineUS  uint64
}

// block is one application Append call's worth of queued data.
type block struct {
	data      []byte
	msgNo     uint32
	ordered   bool
	boundary  Boundary
	createdAt time.Time
	ttl       time.Duration // 0 = no TTL
	hasTTL    bool
	frame     FrameMeta
	hasFrame  bool

	// seqStart/seqLen are assigned lazily as the block is chunked by
	// ReadNext; a block may be split across several packets, each getting
	// its own sequence number but sharing msgNo and frame metadata (the
	// chunk/frame fields describe the block as a whole, not a sub-chunk).
	seqAssigned bool
	seqStart    uint32
	bytesSent   int // bytes already consumed by ReadNext
	sent        bool
}

func (b *block) expired(now time.Time) bool {
	return b.hasTTL && now.Sub(b.createdAt) > b.ttl
}

// SendBuffer is the ordered list of application-submitted blocks described
// in spec §4.2. It tracks, for every queued and in-flight byte, which
// block and message it belongs to so that new-packet and retransmit reads
// both emit the same per-block metadata.
type SendBuffer struct {
	mu  sync.Mutex
	mss int

	blocks    *list.List // of *block, oldest (lowest seq) first
	nextMsgNo uint32

	lastAckedSeq uint32 // sequence the send buffer has released up to
	haveBase     bool   // true once the first block has been assigned a sequence

	maxBytes  int // hard byte budget (spec §5 "Resource budgets"); 0 = unbounded
	usedBytes int // bytes currently queued or in flight, not yet released
}

// NewSendBuffer constructs a send buffer that will chunk blocks into
// packets of at most mss bytes, rejecting Append calls once more than
// maxBytes bytes are queued. maxBytes of 0 means unbounded.
func NewSendBuffer(mss, maxBytes int) *SendBuffer {
	return &SendBuffer{
		mss:      mss,
		maxBytes: maxBytes,
		blocks:   list.New(),
	}
}

// Append enqueues one block. ttl of zero means no expiration. frameMeta may
// be nil for non-frame-aware sends. It returns ErrSendBufferFull, without
// queuing anything, once the byte budget set at construction would be
// exceeded (spec §5 "send applies backpressure ... by failing non-blocking
// calls when the send buffer is full").
func (sb *SendBuffer) Append(data []byte, ttl time.Duration, ordered bool, frameMeta *FrameMeta) (uint32, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if sb.maxBytes > 0 && sb.usedBytes+len(data) > sb.maxBytes {
		return 0, ErrSendBufferFull
	}

	msgNo := sb.nextMsgNo
	sb.nextMsgNo = incMsgNo(sb.nextMsgNo)

	blk := &block{
		data:      append([]byte(nil), data...),
		msgNo:     msgNo,
		ordered:   ordered,
		createdAt: time.Now(),
		hasTTL:    ttl > 0,
		ttl:       ttl,
	}
	if frameMeta != nil {
		blk.hasFrame = true
		blk.frame = *frameMeta
	}
	sb.blocks.PushBack(blk)
	sb.usedBytes += len(blk.data)
	return msgNo, nil
}

// ReadNext yields the next unsent chunk of at most mss bytes, assigning it
// seq as its sequence number and advancing the internal cursor. It returns
// ok=false if there is nothing new to send.
func (sb *SendBuffer) ReadNext(seq uint32) (payload []byte, msgNo uint32, boundary Boundary, ordered bool, frameMeta *FrameMeta, ok bool) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	for e := sb.blocks.Front(); e != nil; e = e.Next() {
		blk := e.Value.(*block)
		if blk.bytesSent >= len(blk.data) {
			continue
		}
		if !blk.seqAssigned {
			blk.seqAssigned = true
			blk.seqStart = seq
			sb.haveBase = true
		}
		start := blk.bytesSent
		end := start + sb.mss
		first := start == 0
		if end >= len(blk.data) {
			end = len(blk.data)
		}
		blk.bytesSent = end
		last := blk.bytesSent >= len(blk.data)

		switch {
		case first && last:
			boundary = BoundarySolo
		case first:
			boundary = BoundaryFirst
		case last:
			boundary = BoundaryLast
		default:
			boundary = BoundaryMiddle
		}
		blk.sent = true

		var fm *FrameMeta
		if blk.hasFrame {
			f := blk.frame
			fm = &f
		}
		return blk.data[start:end], blk.msgNo, boundary, blk.ordered, fm, true
	}
	return nil, 0, 0, false, nil, false
}

// ReadRetrans re-reads previously-sent data by its original sequence
// number, looked up by scanning blocks for the one whose assigned range
// covers offset. It returns the same per-block metadata ReadNext would
// have returned for that sequence.
func (sb *SendBuffer) ReadRetrans(seq uint32) (payload []byte, msgNo uint32, boundary Boundary, ordered bool, frameMeta *FrameMeta, expired bool, ok bool) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	for e := sb.blocks.Front(); e != nil; e = e.Next() {
		blk := e.Value.(*block)
		if !blk.seqAssigned {
			continue
		}
		chunks := chunkCount(len(blk.data), sb.mss)
		lo := blk.seqStart
		hi := (blk.seqStart + uint32(chunks) - 1) & seqMax
		if !inSeqRange(seq, lo, hi) {
			continue
		}
		if blk.expired(time.Now()) {
			return nil, blk.msgNo, 0, false, nil, true, true
		}
		idx := seqLen(lo, seq)
		start := idx * sb.mss
		end := start + sb.mss
		if end > len(blk.data) {
			end = len(blk.data)
		}
		first := idx == 0
		last := end >= len(blk.data)
		switch {
		case first && last:
			boundary = BoundarySolo
		case first:
			boundary = BoundaryFirst
		case last:
			boundary = BoundaryLast
		default:
			boundary = BoundaryMiddle
		}
		var fm *FrameMeta
		if blk.hasFrame {
			f := blk.frame
			fm = &f
		}
		return blk.data[start:end], blk.msgNo, boundary, blk.ordered, fm, false, true
	}
	return nil, 0, 0, false, nil, false, false
}

// AckThrough releases every block whose last byte's sequence is < seq
// (spec §4.2 ack_through).
func (sb *SendBuffer) AckThrough(seq uint32) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	for e := sb.blocks.Front(); e != nil; {
		blk := e.Value.(*block)
		next := e.Next()
		if !blk.seqAssigned {
			break // later blocks haven't been chunked yet either
		}
		chunks := chunkCount(len(blk.data), sb.mss)
		lastSeq := (blk.seqStart + uint32(chunks) - 1) & seqMax
		if seqLess(lastSeq, seq) {
			sb.blocks.Remove(e)
			sb.usedBytes -= len(blk.data)
		} else {
			break
		}
		e = next
	}
	sb.lastAckedSeq = seq
}

// DropExpired scans for a block whose TTL has expired before its first
// transmission and, if found, removes it and returns its sequence range
// for a drop-message control (spec §4.2 drop_expired, §7 "Expired send").
// hasRange is false when the block was never chunked, so it has no
// sequence range for the receiver to skip - only its msgNo is meaningful.
func (sb *SendBuffer) DropExpired(now time.Time) (msgNo uint32, lo, hi uint32, hasRange, ok bool) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	for e := sb.blocks.Front(); e != nil; e = e.Next() {
		blk := e.Value.(*block)
		if blk.sent || !blk.expired(now) {
			continue
		}
		if !blk.seqAssigned {
			// never chunked, so it has no sequence range yet; the caller
			// will still want to know the message was dropped.
			sb.blocks.Remove(e)
			sb.usedBytes -= len(blk.data)
			return blk.msgNo, 0, 0, false, true
		}
		chunks := chunkCount(len(blk.data), sb.mss)
		lo = blk.seqStart
		hi = (blk.seqStart + uint32(chunks) - 1) & seqMax
		sb.blocks.Remove(e)
		sb.usedBytes -= len(blk.data)
		return blk.msgNo, lo, hi, true, true
	}
	return 0, 0, 0, false, false
}

// Empty reports whether there is no unsent data left.
func (sb *SendBuffer) Empty() bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	for e := sb.blocks.Front(); e != nil; e = e.Next() {
		blk := e.Value.(*block)
		if blk.bytesSent < len(blk.data) {
			return false
		}
	}
	return true
}

func chunkCount(dataLen, mss int) int {
	if dataLen == 0 {
		return 1
	}
	return (dataLen + mss - 1) / mss
}

func inSeqRange(seq, lo, hi uint32) bool {
	return seqLessEq(lo, seq) && seqLessEq(seq, hi)
}
