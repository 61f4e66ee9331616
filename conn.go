// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package udt

import (
	"context"
	"net"
	"time"

	"github.com/vrtransport/udt/core"
)

// Conn is the application-facing boundary named in spec §6: connect,
// send, recv, close, set_option, get_stats. It is a thin net.Conn-shaped
// wrapper around one core.Engine, grounded on the teacher's Conn
// (utpgo.go) but with the read/write buffering and µTP callback plumbing
// replaced entirely by Engine.Send/Engine.Recv, since this module's core
// owns its own send/receive buffers directly (spec §3 "Ownership").
type Conn struct {
	engine *core.Engine
	mux    *multiplexer
	laddr  net.Addr
	raddr  *net.UDPAddr

	localSockID uint32
}

var _ net.Conn = (*Conn)(nil)

func newConn(mux *multiplexer, cfg core.Config, raddr *net.UDPAddr) *Conn {
	c := &Conn{mux: mux, laddr: mux.LocalAddr(), raddr: raddr}
	c.engine = core.NewEngine(cfg, c.sendFn, raddr)
	return c
}

func (c *Conn) sendFn(pkt core.Packet) error {
	b := make([]byte, pkt.Header.EncodedSize()+len(pkt.Payload))
	n, err := pkt.Encode(b)
	if err != nil {
		return err
	}
	return c.mux.channel.Send(b[:n], c.raddr)
}

// Read implements net.Conn; it blocks until at least one byte is
// available, the flow breaks, or end-of-stream is reached (spec §5
// cancellation).
func (c *Conn) Read(buf []byte) (int, error) {
	n, err := c.engine.Recv(buf)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, ioEOF
	}
	return n, nil
}

// ReadContext is Read with cancellation, matching the teacher's
// context-aware read method named in utpgo_test.go.
func (c *Conn) ReadContext(ctx context.Context, buf []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := c.Read(buf)
		done <- result{n, err}
	}()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case r := <-done:
		return r.n, r.err
	}
}

// Write implements net.Conn. It enqueues data on the send buffer and
// returns once accepted, or returns core.ErrSendBufferFull once the
// send-buffer byte budget (WithSendBufferBytes) is exhausted (spec §5
// "send applies backpressure ... by failing non-blocking calls when the
// send buffer is full"). This module chooses the non-blocking half of
// that option, matching net.Conn's non-blocking-write semantics for a
// reliable stream.
func (c *Conn) Write(buf []byte) (int, error) {
	return c.WriteTTL(buf, 0)
}

// WriteTTL is Write with an explicit time-to-live: if the block has not
// begun transmission by the time ttl elapses, the engine drops it and
// tells the peer to skip its sequence range rather than hold the flow up
// waiting for data that will never be sent (spec §4.2 drop_expired, §7
// "Expired send"). ttl of zero means no expiration, matching Write.
func (c *Conn) WriteTTL(buf []byte, ttl time.Duration) (int, error) {
	if err := c.engine.Send(buf, ttl, true); err != nil {
		return 0, err
	}
	return len(buf), nil
}

// WriteContext is Write with cancellation, matching the teacher's
// context-aware write method.
func (c *Conn) WriteContext(ctx context.Context, buf []byte) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	return c.Write(buf)
}

// SetNextFrameMetadata associates frame metadata with the next Write call
// only (spec §6, frame-aware extension; per-block, never global).
func (c *Conn) SetNextFrameMetadata(frameID uint16, chunkID, totalChunks uint8, deadlineUS uint64) {
	c.engine.SetNextFrameMetadata(frameID, chunkID, totalChunks, deadlineUS)
}

// ReadChunk is Read plus the frame metadata the returned bytes were tagged
// with by the sender's SetNextFrameMetadata call, if any (spec §8 property
// 6). ok is false when the block carried no frame metadata (e.g. the flow
// is not frame-aware); frameID/chunkID/totalChunks/deadlineUS are zero in
// that case.
func (c *Conn) ReadChunk(buf []byte) (n int, frameID uint16, chunkID, totalChunks uint8, deadlineUS uint64, ok bool, err error) {
	n, meta, err := c.engine.RecvChunk(buf)
	if err != nil {
		return n, 0, 0, 0, 0, false, err
	}
	if meta == nil {
		return n, 0, 0, 0, 0, false, nil
	}
	return n, meta.FrameID, meta.ChunkID, meta.TotalChunks, meta.DeadlineUS, true, nil
}

// WriteChunk sends one frame-aware chunk with the given metadata attached,
// combining SetNextFrameMetadata and Write into a single call (spec §8
// scenario S3).
func (c *Conn) WriteChunk(data []byte, frameID uint16, chunkID, totalChunks uint8, deadlineUS uint64) (int, error) {
	c.SetNextFrameMetadata(frameID, chunkID, totalChunks, deadlineUS)
	return c.Write(data)
}

// WriteChunkTTL is WriteChunk plus an explicit time-to-live, for a sender
// that wants an unsent chunk dropped once it's no longer worth delivering
// (independent of, but typically aligned with, the chunk's own
// deadlineUS).
func (c *Conn) WriteChunkTTL(data []byte, frameID uint16, chunkID, totalChunks uint8, deadlineUS uint64, ttl time.Duration) (int, error) {
	c.SetNextFrameMetadata(frameID, chunkID, totalChunks, deadlineUS)
	return c.WriteTTL(data, ttl)
}

// Close initiates a clean shutdown (spec §5 "Cancellation") and releases
// this flow's slot in the shared multiplexer.
func (c *Conn) Close() error {
	err := c.engine.Close()
	c.mux.removeFlow(c.localSockID)
	if hints := c.snapshotHints(); hints != nil {
		c.mux.cache.Update(c.raddr.String(), *hints)
	}
	return err
}

func (c *Conn) snapshotHints() *core.DestHints {
	s := c.engine.GetStats()
	if s.RTTUS == 0 {
		return nil
	}
	return &core.DestHints{
		RTTUS:        s.RTTUS,
		BandwidthPPS: s.BandwidthPPS,
		FinalCwnd:    s.CwndPackets,
	}
}

func (c *Conn) LocalAddr() net.Addr  { return c.laddr }
func (c *Conn) RemoteAddr() net.Addr { return c.raddr }

// SetReadDeadline, SetWriteDeadline, and SetDeadline are not yet
// implemented; the engine's blocking Recv/Send calls have no deadline
// parameter to thread one through to (spec §6 does not name deadlines
// among the recognized options).
func (c *Conn) SetReadDeadline(t time.Time) error  { return errNotSupported }
func (c *Conn) SetWriteDeadline(t time.Time) error { return errNotSupported }
func (c *Conn) SetDeadline(t time.Time) error      { return errNotSupported }

// Stats returns a snapshot of this flow's statistics (spec §6
// get_stats(flow)).
func (c *Conn) Stats() Stats { return c.engine.GetStats() }

// State reports the flow's current exit/connection state (spec §6).
func (c *Conn) State() core.State_ { return c.engine.State() }

// SetMaxBandwidth updates the bandwidth cap at runtime (spec §6
// set_option).
func (c *Conn) SetMaxBandwidth(bytesPerSec int) {
	c.engine.SetMaxBandwidth(bytesPerSec)
}
