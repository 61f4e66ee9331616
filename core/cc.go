// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package core

// Controller is the pluggable congestion-control capability set described
// in spec §4.5 and §9's "Pluggable controller" design note. The engine
// calls the On* methods under its flow lock (spec §5: "the controller's
// callbacks run under the flow lock") and reads the Send*/Cwnd outputs
// before each pack_next.
//
// Grounded on the teacher's inline LEDBAT implementation in
// applyLEDBATControl (utp.go); this module extracts the same shape of
// inputs/outputs into an interface so the default algorithm (cc_default.go)
// is one implementation among several, per spec §9.
type Controller interface {
	// Init seeds the controller with the connection's MSS, initial
	// sequence number, and an upper bound on the congestion window.
	Init(mss int, initSeq uint32, maxCwndPackets int)

	// OnACK notifies the controller that ackSeq has been acknowledged.
	OnACK(ackSeq uint32)
	// OnLoss notifies the controller of newly lost ranges, called before
	// the sender loss list is updated (spec §4.8 NAK handling order).
	OnLoss(ranges [][2]uint32)
	// OnTimeout notifies the controller that the EXP timer fired.
	OnTimeout()
	// OnCongestionWarning notifies the controller of a type-4 control
	// packet (supplemented feature, see SPEC_FULL.md).
	OnCongestionWarning()
	// OnPktSent/OnPktReceived notify the controller of each packet the
	// engine transmits or receives, for per-packet bookkeeping (e.g. slow
	// start's "every ACK grows cwnd by newly ACKed packets" needs to know
	// how many packets were ACKed since the last callback).
	OnPktSent(seq uint32)
	OnPktReceived(seq uint32)

	// Tick drives the periodic rate-control re-evaluation described in
	// spec §4.5 ("Rate control runs at most once per 10ms wall time") and
	// §4.9 (driven by both ACK receipt and the SYN timer). Implementations
	// must internally rate-limit their own work to once per 10ms; calling
	// Tick more often than that is harmless.
	Tick(nowUS uint64)

	// SetRTT/SetBandwidth/SetRecvRate feed externally measured values
	// into the controller (RTT from ACK/ACK2, bandwidth and receive rate
	// from the arrival-time window).
	SetRTT(rttUS int64)
	SetBandwidth(pps float64)
	SetRecvRate(pps float64)

	// SendIntervalUS is the microsecond delay pack_next should wait
	// between transmitting new packets.
	SendIntervalUS() float64
	// CwndPackets is the current congestion window, in packets.
	CwndPackets() float64
	// AckIntervalUS overrides the ACK timer's default interval; 0 means
	// "use the default".
	AckIntervalUS() uint64
	// RTOUS overrides the retransmission/EXP timeout base; 0 means "use
	// the default".
	RTOUS() uint64
}

// ControllerFactory constructs a fresh Controller for a new connection,
// matching spec §6's "select congestion-control implementation (factory)"
// option.
type ControllerFactory func() Controller
