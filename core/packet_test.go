// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTripData(t *testing.T) {
	h := Header{
		Seq:      0x12345,
		Boundary: BoundaryFirst,
		InOrder:  true,
		MsgNo:    0x2222,
		Timestamp: 0xABCDEF,
		DestID:    0x99887766,
	}
	buf := make([]byte, h.EncodedSize())
	n, err := h.Encode(buf)
	require.NoError(t, err)
	require.Equal(t, baseHeaderSize, n)

	got, consumed, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, baseHeaderSize, consumed)
	assert.Equal(t, h, got)
}

func TestHeaderRoundTripFrameAware(t *testing.T) {
	h := Header{
		Seq:            7,
		Boundary:       BoundarySolo,
		MsgNo:          3,
		Timestamp:      42,
		DestID:         1,
		HasFrameMeta:   true,
		FrameID:        99,
		ChunkID:        5,
		TotalChunks:    100,
		FrameDeadlineUS: 16000,
	}
	buf := make([]byte, h.EncodedSize())
	n, err := h.Encode(buf)
	require.NoError(t, err)
	require.Equal(t, frameHeaderSize, n)

	got, consumed, err := DecodeWithFrameMeta(buf)
	require.NoError(t, err)
	assert.Equal(t, frameHeaderSize, consumed)
	assert.Equal(t, h, got)
}

func TestHeaderRoundTripControl(t *testing.T) {
	h := Header{
		IsControl:      true,
		Type:           CtrlAck,
		Subtype:        3,
		AdditionalInfo: 0xDEAD,
		Timestamp:      1,
		DestID:         2,
	}
	buf := make([]byte, h.EncodedSize())
	_, err := h.Encode(buf)
	require.NoError(t, err)
	got, _, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestPacketRoundTrip(t *testing.T) {
	p := Packet{
		Header: Header{
			Seq:      5,
			Boundary: BoundaryMiddle,
			MsgNo:    1,
			DestID:   42,
		},
		Payload: []byte("hello world"),
	}
	buf := make([]byte, p.Header.EncodedSize()+len(p.Payload))
	n, err := p.Encode(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)

	got, err := ParsePacket(buf, false)
	require.NoError(t, err)
	assert.Equal(t, p.Header, got.Header)
	assert.Equal(t, p.Payload, got.Payload)
}

func TestDecodeShortHeader(t *testing.T) {
	_, _, err := Decode([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrShortHeader)
}

func TestEncodeNAKCompressesAdjacentRuns(t *testing.T) {
	seqs := []uint32{5, 6, 7, 10, 20, 21}
	payload := EncodeNAK(seqs)
	ranges, err := DecodeNAK(payload)
	require.NoError(t, err)
	assert.Equal(t, [][2]uint32{{5, 7}, {10, 10}, {20, 21}}, ranges)
}

func TestNAKRoundTripSingleSeq(t *testing.T) {
	payload := EncodeNAK([]uint32{seqMax - 1})
	ranges, err := DecodeNAK(payload)
	require.NoError(t, err)
	assert.Equal(t, [][2]uint32{{seqMax - 1, seqMax - 1}}, ranges)
}

func TestEncodeNAKRangesRoundTrip(t *testing.T) {
	ranges := [][2]uint32{{1, 1}, {100, 105}, {200, 200}}
	payload := EncodeNAKRanges(ranges)
	got, err := DecodeNAK(payload)
	require.NoError(t, err)
	assert.Equal(t, ranges, got)
}

func TestDecodeNAKRejectsTruncatedRange(t *testing.T) {
	payload := EncodeNAKRanges([][2]uint32{{1, 5}})
	_, err := DecodeNAK(payload[:4]) // drop the range-end word
	assert.Error(t, err)
}
