// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package core

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Wire layout constants, spec §3/§4.1. All fields are network-endian.
const (
	baseHeaderSize   = 16
	frameHeaderSize  = 24
	minDatagramSize  = baseHeaderSize
	maxHandshakeSize = 48
)

// ErrShortHeader is returned by Decode when the input is too small to
// contain even the base header.
var ErrShortHeader = errors.New("packet: buffer too short for header")

// Boundary encodes the message-boundary flags carried in bits 30-31 of
// header word 1 (spec §3): 11 = solo, 10 = first, 00 = middle, 01 = last.
type Boundary uint8

const (
	BoundaryMiddle Boundary = 0b00
	BoundaryLast   Boundary = 0b01
	BoundaryFirst  Boundary = 0b10
	BoundarySolo   Boundary = 0b11
)

// ControlType enumerates the control-plane packet kinds from spec §4.8.
type ControlType uint16

const (
	CtrlHandshake ControlType = 0
	CtrlKeepalive ControlType = 1
	CtrlAck       ControlType = 2
	CtrlNak       ControlType = 3
	CtrlCongestionWarning ControlType = 4
	CtrlShutdown  ControlType = 5
	CtrlAck2      ControlType = 6
	CtrlDropReq   ControlType = 7
	CtrlError     ControlType = 8
)

// Header is a decoded packet header. It is always a plain value type -
// copying a Header never aliases mutable storage, per spec §9's "Aliased
// header fields" design note.
type Header struct {
	IsControl bool

	// Data-packet fields (word 0: sequence number; word 1: boundary/order/msgno).
	Seq      uint32
	Boundary Boundary
	InOrder  bool
	MsgNo    uint32

	// Control-packet fields (word 0: type+subtype; word 1: additional info).
	Type           ControlType
	Subtype        uint16
	AdditionalInfo uint32

	// Shared fields (words 2-3). Timestamp is never repurposed as a frame
	// deadline (spec §9's "Timestamp repurposing" note): this module keeps
	// the 24-byte extended header instead, so Timestamp always carries the
	// send time in microseconds since connection start and FrameDeadlineUS
	// (word 5) carries the deadline separately.
	Timestamp uint32
	DestID    uint32

	// Optional words 4-5, frame-aware extension only.
	HasFrameMeta   bool
	FrameID        uint16
	ChunkID        uint8
	TotalChunks    uint8
	FrameDeadlineUS uint32 // absolute microseconds since connection start, wraps at ~71.5 minutes
}

// EncodedSize returns the number of header bytes this header will occupy.
func (h *Header) EncodedSize() int {
	if h.HasFrameMeta {
		return frameHeaderSize
	}
	return baseHeaderSize
}

// Encode writes the header into b, which must be at least h.EncodedSize()
// bytes, and returns the number of bytes written.
func (h *Header) Encode(b []byte) (int, error) {
	size := h.EncodedSize()
	if len(b) < size {
		return 0, errors.New("packet: buffer too short to encode header")
	}

	var word0, word1 uint32
	if h.IsControl {
		word0 = 1<<31 | (uint32(h.Type)&0x7FFF)<<16 | uint32(h.Subtype)
		word1 = h.AdditionalInfo
	} else {
		word0 = h.Seq & seqMax
		word1 = uint32(h.Boundary)<<30 | uint32(h.MsgNo)&0x1FFFFFFF
		if h.InOrder {
			word1 |= 1 << 29
		}
	}

	binary.BigEndian.PutUint32(b[0:4], word0)
	binary.BigEndian.PutUint32(b[4:8], word1)
	binary.BigEndian.PutUint32(b[8:12], h.Timestamp)
	binary.BigEndian.PutUint32(b[12:16], h.DestID)

	if h.HasFrameMeta {
		word4 := uint32(h.FrameID) | uint32(h.ChunkID)<<16 | uint32(h.TotalChunks)<<24
		binary.BigEndian.PutUint32(b[16:20], word4)
		binary.BigEndian.PutUint32(b[20:24], h.FrameDeadlineUS)
	}
	return size, nil
}

// Decode parses a header from the front of b and returns the header plus
// the number of header bytes consumed. The caller is responsible for
// deciding (from context, e.g. a registered extended mode) whether to
// request frame-metadata parsing via DecodeWithFrameMeta.
func Decode(b []byte) (Header, int, error) {
	return decode(b, false)
}

// DecodeWithFrameMeta parses a header that is known to carry the optional
// words 4-5 frame metadata.
func DecodeWithFrameMeta(b []byte) (Header, int, error) {
	return decode(b, true)
}

func decode(b []byte, frameMeta bool) (Header, int, error) {
	size := baseHeaderSize
	if frameMeta {
		size = frameHeaderSize
	}
	if len(b) < size {
		return Header{}, 0, ErrShortHeader
	}

	word0 := binary.BigEndian.Uint32(b[0:4])
	word1 := binary.BigEndian.Uint32(b[4:8])

	var h Header
	h.IsControl = word0&(1<<31) != 0
	if h.IsControl {
		h.Type = ControlType((word0 >> 16) & 0x7FFF)
		h.Subtype = uint16(word0 & 0xFFFF)
		h.AdditionalInfo = word1
	} else {
		h.Seq = word0 & seqMax
		h.Boundary = Boundary(word1 >> 30)
		h.InOrder = word1&(1<<29) != 0
		h.MsgNo = word1 & 0x1FFFFFFF
	}
	h.Timestamp = binary.BigEndian.Uint32(b[8:12])
	h.DestID = binary.BigEndian.Uint32(b[12:16])

	if frameMeta {
		word4 := binary.BigEndian.Uint32(b[16:20])
		h.HasFrameMeta = true
		h.FrameID = uint16(word4 & 0xFFFF)
		h.ChunkID = uint8((word4 >> 16) & 0xFF)
		h.TotalChunks = uint8((word4 >> 24) & 0xFF)
		h.FrameDeadlineUS = binary.BigEndian.Uint32(b[20:24])
	}
	return h, size, nil
}

// Packet pairs a decoded (or to-be-encoded) header with its payload. The
// payload slice borrows into caller-owned storage; Packet itself never
// takes ownership beyond the lifetime of a single send or a single
// dispatch (spec §3 "packets are by-value inside the engine").
type Packet struct {
	Header  Header
	Payload []byte
}

// Encode serializes the packet (header + payload) into b, which must have
// capacity for Header.EncodedSize()+len(Payload). This is the scatter-
// gather boundary named in spec §2: the channel receives one contiguous
// buffer built by the caller, rather than separate header/payload iovecs,
// since Go's net.PacketConn has no portable writev.
func (p *Packet) Encode(b []byte) (int, error) {
	hn, err := p.Header.Encode(b)
	if err != nil {
		return 0, err
	}
	total := hn + len(p.Payload)
	if len(b) < total {
		return 0, errors.New("packet: buffer too short to encode payload")
	}
	copy(b[hn:total], p.Payload)
	return total, nil
}

// ParsePacket decodes a datagram into a Packet. frameMeta selects the
// 24-byte extended header; the payload aliases b and must be copied by
// the caller before b is reused.
func ParsePacket(b []byte, frameMeta bool) (Packet, error) {
	var h Header
	var n int
	var err error
	if frameMeta {
		h, n, err = DecodeWithFrameMeta(b)
	} else {
		h, n, err = Decode(b)
	}
	if err != nil {
		return Packet{}, err
	}
	return Packet{Header: h, Payload: b[n:]}, nil
}

// PackControl builds a control packet with the given type, additional-info
// word, and (for handshake/NAK/etc.) payload.
func PackControl(t ControlType, additionalInfo uint32, destID uint32, timestamp uint32, payload []byte) Packet {
	return Packet{
		Header: Header{
			IsControl:      true,
			Type:           t,
			AdditionalInfo: additionalInfo,
			Timestamp:      timestamp,
			DestID:         destID,
		},
		Payload: payload,
	}
}

// --- NAK range encoding (spec §4.1, §4.4) ---
//
// NAK payloads are arrays of big-endian 32-bit words. A word with its
// high bit clear names a single lost sequence number. A word with its
// high bit set begins a range: it is followed immediately by one more
// word (high bit clear) giving the inclusive range end. EncodeNAK always
// compresses adjacent runs of two or more sequence numbers into a range,
// per spec §8 property 2.

// EncodeNAK encodes a sorted, deduplicated list of missing sequence
// numbers (as would be produced by a loss-list snapshot) into NAK wire
// format.
func EncodeNAK(seqs []uint32) []byte {
	out := make([]byte, 0, len(seqs)*4)
	i := 0
	for i < len(seqs) {
		start := seqs[i]
		end := start
		j := i + 1
		for j < len(seqs) && seqs[j] == incSeq(end) {
			end = seqs[j]
			j++
		}
		if end == start {
			out = appendU32(out, start&seqMax)
		} else {
			out = appendU32(out, (start&seqMax)|(1<<31))
			out = appendU32(out, end&seqMax)
		}
		i = j
	}
	return out
}

// EncodeNAKRanges encodes a set of inclusive [lo,hi] ranges directly,
// without needing the caller to flatten them into individual sequence
// numbers. Adjacent and overlapping ranges are not merged here; callers
// that want compression should go through a loss list snapshot first.
func EncodeNAKRanges(ranges [][2]uint32) []byte {
	out := make([]byte, 0, len(ranges)*8)
	for _, r := range ranges {
		lo, hi := r[0]&seqMax, r[1]&seqMax
		if lo == hi {
			out = appendU32(out, lo)
		} else {
			out = appendU32(out, lo|(1<<31))
			out = appendU32(out, hi)
		}
	}
	return out
}

// DecodeNAK parses a NAK payload back into inclusive ranges.
func DecodeNAK(payload []byte) ([][2]uint32, error) {
	if len(payload)%4 != 0 {
		return nil, errors.New("packet: NAK payload not a multiple of 4 bytes")
	}
	var ranges [][2]uint32
	for i := 0; i < len(payload); i += 4 {
		word := binary.BigEndian.Uint32(payload[i : i+4])
		if word&(1<<31) == 0 {
			seq := word & seqMax
			ranges = append(ranges, [2]uint32{seq, seq})
			continue
		}
		lo := word & seqMax
		i += 4
		if i >= len(payload) {
			return nil, errors.New("packet: NAK range missing end word")
		}
		endWord := binary.BigEndian.Uint32(payload[i : i+4])
		if endWord&(1<<31) != 0 {
			return nil, errors.New("packet: NAK range end word has range bit set")
		}
		hi := endWord & seqMax
		ranges = append(ranges, [2]uint32{lo, hi})
	}
	return ranges, nil
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}
