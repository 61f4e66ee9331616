// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package udt

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loopbackAddr(t *testing.T) *net.UDPAddr {
	t.Helper()
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}
}

// readFull reads exactly len(want) bytes from c, failing the test after
// the given deadline rather than hanging forever if the flow stalls.
func readFull(t *testing.T, c *Conn, n int, timeout time.Duration) []byte {
	t.Helper()
	out := make([]byte, n)
	done := make(chan error, 1)
	go func() {
		got := 0
		for got < n {
			m, err := c.Read(out[got:])
			if err != nil {
				done <- err
				return
			}
			got += m
		}
		done <- nil
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(timeout):
		t.Fatal("timed out waiting for data")
	}
	return out
}

// TestDialListenSendRecvRoundTrip covers spec §8 scenario S1: a basic
// connect, send, and receive with no loss.
func TestDialListenSendRecvRoundTrip(t *testing.T) {
	ln, err := ListenUDT("udt", loopbackAddr(t))
	require.NoError(t, err)
	defer ln.Close()

	serverCh := make(chan *Conn, 1)
	go func() {
		c, err := ln.AcceptUDT()
		require.NoError(t, err)
		serverCh <- c
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := DialUDT(ctx, "udt", nil, ln.Addr().(*net.UDPAddr))
	require.NoError(t, err)
	defer client.Close()

	var server *Conn
	select {
	case server = <-serverCh:
	case <-time.After(5 * time.Second):
		t.Fatal("listener never accepted the connection")
	}
	defer server.Close()

	msg := []byte("hello, vr transport")
	n, err := client.Write(msg)
	require.NoError(t, err)
	assert.Equal(t, len(msg), n)

	got := readFull(t, server, len(msg), 5*time.Second)
	assert.Equal(t, msg, got)
}

// TestFrameAwareChunkMetadataRoundTrip covers spec §8 scenario S3 and
// property 6: the receiver observes each chunk's frame metadata exactly
// as the sender set it.
func TestFrameAwareChunkMetadataRoundTrip(t *testing.T) {
	ln, err := ListenUDT("udt", loopbackAddr(t), WithFrameAware(true))
	require.NoError(t, err)
	defer ln.Close()

	serverCh := make(chan *Conn, 1)
	go func() {
		c, err := ln.AcceptUDT()
		require.NoError(t, err)
		serverCh <- c
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := DialUDT(ctx, "udt", nil, ln.Addr().(*net.UDPAddr), WithFrameAware(true))
	require.NoError(t, err)
	defer client.Close()

	var server *Conn
	select {
	case server = <-serverCh:
	case <-time.After(5 * time.Second):
		t.Fatal("listener never accepted the connection")
	}
	defer server.Close()

	_, err = client.WriteChunk([]byte("chunk-payload"), 42, 3, 8, 16000)
	require.NoError(t, err)

	type chunkResult struct {
		n                          int
		frameID                    uint16
		chunkID, totalChunks       uint8
		deadlineUS                 uint64
		ok                         bool
		err                        error
	}
	done := make(chan chunkResult, 1)
	go func() {
		buf := make([]byte, 64)
		n, frameID, chunkID, totalChunks, deadlineUS, ok, err := server.ReadChunk(buf)
		done <- chunkResult{n, frameID, chunkID, totalChunks, deadlineUS, ok, err}
	}()

	var res chunkResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for chunk")
	}
	require.NoError(t, res.err)
	require.True(t, res.ok)
	assert.Equal(t, len("chunk-payload"), res.n)
	assert.Equal(t, uint16(42), res.frameID)
	assert.Equal(t, uint8(3), res.chunkID)
	assert.Equal(t, uint8(8), res.totalChunks)
	assert.Equal(t, uint64(16000), res.deadlineUS)
}

// TestDialFailsAgainstUnreachablePeer covers spec §8 scenario S6's
// eventual-failure branch: with nothing listening on the target address,
// the initiator retries with backoff and eventually gives up rather than
// blocking forever.
func TestDialFailsAgainstUnreachablePeer(t *testing.T) {
	// Reserve a UDP address, then close it immediately so nothing answers.
	probe, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	addr := probe.LocalAddr().(*net.UDPAddr)
	require.NoError(t, probe.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = DialUDT(ctx, "udt", nil, addr)
	assert.Error(t, err)
}

// TestCloseThenReadReturnsEOF covers spec §5's cancellation contract: once
// closed, a peer that has drained its buffer sees end-of-stream rather
// than hanging.
func TestCloseThenReadReturnsEOF(t *testing.T) {
	ln, err := ListenUDT("udt", loopbackAddr(t))
	require.NoError(t, err)
	defer ln.Close()

	serverCh := make(chan *Conn, 1)
	go func() {
		c, err := ln.AcceptUDT()
		require.NoError(t, err)
		serverCh <- c
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := DialUDT(ctx, "udt", nil, ln.Addr().(*net.UDPAddr))
	require.NoError(t, err)

	var server *Conn
	select {
	case server = <-serverCh:
	case <-time.After(5 * time.Second):
		t.Fatal("listener never accepted the connection")
	}
	defer server.Close()

	require.NoError(t, client.Close())

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 16)
		_, err := server.Read(buf)
		done <- err
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ioEOF)
	case <-time.After(5 * time.Second):
		t.Fatal("server Read never observed end-of-stream after client Close")
	}
}
