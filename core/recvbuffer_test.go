// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecvBufferInsertAndReadInOrder(t *testing.T) {
	rb := NewRecvBuffer(16, 0)
	inserted, err := rb.Insert(0, []byte("hello"), 0, BoundarySolo, nil)
	require.NoError(t, err)
	assert.True(t, inserted)

	out := make([]byte, 5)
	n := rb.Read(out)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(out))
	assert.Equal(t, uint32(1), rb.AckCursor())
}

func TestRecvBufferOutOfOrderDeliveryReordersOnRead(t *testing.T) {
	// Spec §8 property 4/5: out-of-order arrival still yields an in-order
	// byte stream once the gap fills.
	rb := NewRecvBuffer(16, 0)
	_, err := rb.Insert(1, []byte("second"), 0, BoundaryMiddle, nil)
	require.NoError(t, err)

	out := make([]byte, 6)
	n := rb.Read(out)
	assert.Equal(t, 0, n, "slot 0 not yet filled, nothing should be readable")

	_, err = rb.Insert(0, []byte("first!"), 0, BoundaryMiddle, nil)
	require.NoError(t, err)

	n = rb.Read(out)
	assert.Equal(t, 6, n)
	assert.Equal(t, "first!", string(out))
	n = rb.Read(out)
	assert.Equal(t, 6, n)
	assert.Equal(t, "second", string(out))
}

func TestRecvBufferDuplicateInsertIgnored(t *testing.T) {
	rb := NewRecvBuffer(16, 0)
	inserted, err := rb.Insert(0, []byte("a"), 0, BoundarySolo, nil)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = rb.Insert(0, []byte("b"), 0, BoundarySolo, nil)
	require.NoError(t, err)
	assert.False(t, inserted)

	out := make([]byte, 1)
	rb.Read(out)
	assert.Equal(t, "a", string(out))
}

func TestRecvBufferInsertOutOfWindow(t *testing.T) {
	rb := NewRecvBuffer(4, 0)
	_, err := rb.Insert(100, []byte("x"), 0, BoundarySolo, nil)
	assert.ErrorIs(t, err, ErrOffsetOutOfWindow)
}

func TestRecvBufferReadChunkStopsAtMessageBoundaryAndReportsMetadata(t *testing.T) {
	// Spec §8 property 6, scenario S3: the receiver must observe each
	// block's frame metadata exactly as set, distinct per chunk.
	rb := NewRecvBuffer(16, 0)
	fm0 := FrameMeta{FrameID: 5, ChunkID: 0, TotalChunks: 2, DeadlineUS: 16000}
	fm1 := FrameMeta{FrameID: 5, ChunkID: 1, TotalChunks: 2, DeadlineUS: 16000}
	_, err := rb.Insert(0, []byte("chunk0"), 0, BoundarySolo, &fm0)
	require.NoError(t, err)
	_, err = rb.Insert(1, []byte("chunk1"), 1, BoundarySolo, &fm1)
	require.NoError(t, err)

	out := make([]byte, 64)
	n, meta, hasFrame, ok := rb.ReadChunk(out)
	require.True(t, ok)
	require.True(t, hasFrame)
	assert.Equal(t, 6, n)
	assert.Equal(t, "chunk0", string(out[:n]))
	assert.Equal(t, uint8(0), meta.ChunkID)

	n, meta, hasFrame, ok = rb.ReadChunk(out)
	require.True(t, ok)
	require.True(t, hasFrame)
	assert.Equal(t, 6, n)
	assert.Equal(t, "chunk1", string(out[:n]))
	assert.Equal(t, uint8(1), meta.ChunkID)
}

func TestRecvBufferReadChunkSpansMultiplePacketsWithinOneMessage(t *testing.T) {
	rb := NewRecvBuffer(16, 0)
	fm := FrameMeta{FrameID: 1, ChunkID: 0, TotalChunks: 1, DeadlineUS: 42}
	_, err := rb.Insert(0, []byte("AB"), 7, BoundaryFirst, &fm)
	require.NoError(t, err)
	_, err = rb.Insert(1, []byte("CD"), 7, BoundaryLast, nil)
	require.NoError(t, err)

	out := make([]byte, 64)
	n, meta, hasFrame, ok := rb.ReadChunk(out)
	require.True(t, ok)
	assert.Equal(t, 4, n)
	assert.Equal(t, "ABCD", string(out[:n]))
	// metadata reported is the first slot's - the one the message-boundary
	// contract associates with the whole reassembled message.
	assert.True(t, hasFrame)
	assert.Equal(t, uint16(1), meta.FrameID)
}

func TestRecvBufferDropMessageFreesLeadingSlots(t *testing.T) {
	rb := NewRecvBuffer(16, 0)
	_, err := rb.Insert(0, []byte("x"), 5, BoundarySolo, nil)
	require.NoError(t, err)
	rb.DropMessage(5)
	assert.Equal(t, 0, rb.ReadableBytes())
}
