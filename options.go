// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package udt

import (
	"github.com/go-logr/logr"

	"github.com/vrtransport/udt/core"
)

// Option configures a Dial or Listen call, matching the teacher's
// functional-option pattern (utpgo_test.go's utp.WithLogger) generalized
// to the full set of recognized options from spec §6: MSS, flow-control
// window, send/receive buffer size, bandwidth cap, linger time, and
// congestion-control factory, plus the frame-aware extension toggle.
type Option func(*core.Config)

// WithLogger injects a logr.Logger used for all diagnostic output. The
// zero value (no option given) is a no-op discard logger, so library use
// without an injected logger never panics.
func WithLogger(logger logr.Logger) Option {
	return func(c *core.Config) { c.Logger = logger }
}

// WithMSS overrides the default maximum segment size (payload bytes per
// data packet, default 1500).
func WithMSS(mss int) Option {
	return func(c *core.Config) { c.MSS = mss }
}

// WithFlowWindow sets the locally-advertised flow-control window (maximum
// outstanding packets the peer may have in flight to us).
func WithFlowWindow(packets uint32) Option {
	return func(c *core.Config) { c.FlowWindow = packets }
}

// WithSendBufferBytes sets the send-buffer byte budget enforced as a hard
// limit (spec §5 "Resource budgets").
func WithSendBufferBytes(n int) Option {
	return func(c *core.Config) { c.SendBufferBytes = n }
}

// WithRecvBufferBytes sets the receive-buffer byte budget, which also
// determines the receive window size in packets.
func WithRecvBufferBytes(n int) Option {
	return func(c *core.Config) { c.RecvBufferBytes = n }
}

// WithMaxBandwidth caps outbound throughput in bytes/sec; 0 means
// unlimited (the default).
func WithMaxBandwidth(bytesPerSec int) Option {
	return func(c *core.Config) { c.MaxBandwidthBytesPerSec = bytesPerSec }
}

// WithLinger stores a linger time (in milliseconds) in Config.LingerMS.
// The engine does not read this value: Close sends the shutdown at once
// and does not wait for outstanding data to drain.
func WithLinger(ms int) Option {
	return func(c *core.Config) { c.LingerMS = ms }
}

// WithControllerFactory selects a congestion-control implementation other
// than the default slow-start+AIMD algorithm (spec §6, §9 "Pluggable
// controller").
func WithControllerFactory(f core.ControllerFactory) Option {
	return func(c *core.Config) { c.ControllerFactory = f }
}

// WithFrameAware enables the frame-metadata extension (24-byte extended
// header, SetNextFrameMetadata on Conn).
func WithFrameAware(enabled bool) Option {
	return func(c *core.Config) { c.FrameAware = enabled }
}

func buildConfig(opts []Option) core.Config {
	cfg := core.DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
