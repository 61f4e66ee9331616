// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package core

import (
	"math"
	"math/rand"
)

const (
	rateControlIntervalUS = 10_000 // 10ms, spec §4.5
	initialCwndPackets    = 16
	initialSendIntervalUS = 1
	minIncrement          = 1e-3 // floor for `inc`, spec §4.5
)

// DefaultController implements the slow-start + rate-based AIMD algorithm
// of spec §4.5. It is grounded on the teacher's applyLEDBATControl
// (utp.go), which plays the same role (turn RTT/bandwidth/loss signals
// into a send pacing decision) for µTP/LEDBAT; the arithmetic here
// implements the UDT-style rate law from the spec instead of LEDBAT's,
// but keeps the same "single method call per signal" shape.
type DefaultController struct {
	mss      int
	maxCwnd  float64
	initSeq  uint32

	slowStart bool
	cwnd      float64
	sendIntervalUS float64

	lastAckSeq    uint32
	haveLastAck   bool

	rttUS        int64
	bandwidthPPS float64
	recvRatePPS  float64

	lastTickUS uint64

	haveLastDec   bool
	lastDecSeq    uint32
	lastDecPeriod float64
	avgNAK        float64
	nakCount      int
	decDivisor    int
	decCount      int

	rng *rand.Rand
}

// NewDefaultController constructs the default controller. It satisfies
// ControllerFactory when wrapped: `func() core.Controller { return
// core.NewDefaultController() }`.
func NewDefaultController() *DefaultController {
	return &DefaultController{}
}

func (c *DefaultController) Init(mss int, initSeq uint32, maxCwndPackets int) {
	c.mss = mss
	c.initSeq = initSeq
	c.maxCwnd = float64(maxCwndPackets)
	c.slowStart = true
	c.cwnd = initialCwndPackets
	c.sendIntervalUS = initialSendIntervalUS
	c.lastAckSeq = initSeq
	c.haveLastAck = true
	// Deterministic per-flow seed, resolving spec §9's open question about
	// the additional-decrease randomization source.
	c.rng = rand.New(rand.NewSource(int64(initSeq) + 1))
}

func (c *DefaultController) OnACK(ackSeq uint32) {
	if !c.haveLastAck {
		c.lastAckSeq = ackSeq
		c.haveLastAck = true
		return
	}
	if c.slowStart {
		newlyAcked := seqLen(c.lastAckSeq, ackSeq)
		c.cwnd += float64(newlyAcked)
		if c.cwnd >= c.maxCwnd {
			c.exitSlowStart()
		}
	}
	c.lastAckSeq = ackSeq
}

func (c *DefaultController) exitSlowStart() {
	c.slowStart = false
	if c.recvRatePPS > 0 {
		c.sendIntervalUS = 1e6 / c.recvRatePPS
	} else {
		c.sendIntervalUS = float64(c.rttUS+10_000) / math.Max(c.cwnd, 1)
	}
}

func (c *DefaultController) OnLoss(ranges [][2]uint32) {
	if len(ranges) == 0 {
		return
	}
	if c.slowStart {
		c.exitSlowStart()
		return
	}

	maxLossSeq := ranges[0][1]
	for _, r := range ranges[1:] {
		if seqLess(maxLossSeq, r[1]) {
			maxLossSeq = r[1]
		}
	}

	if !c.haveLastDec || seqLess(c.lastDecSeq, maxLossSeq) {
		c.lastDecSeq = maxLossSeq
		c.haveLastDec = true
		c.lastDecPeriod = c.sendIntervalUS
		c.sendIntervalUS *= 1.125
		c.avgNAK = 0.875*c.avgNAK + 0.125*float64(c.nakCount+1)
		c.nakCount = 0
		c.decCount = 0
		divisor := int(c.avgNAK)
		if divisor < 1 {
			divisor = 1
		}
		c.decDivisor = 1 + c.rng.Intn(divisor)
		return
	}

	c.nakCount++
	if c.decCount < 4 && c.nakCount >= c.decDivisor {
		c.decCount++
		c.nakCount = 0
		c.sendIntervalUS *= 1.125
	}
}

func (c *DefaultController) OnTimeout() {
	// EXP firing does not itself change the rate law beyond what OnLoss
	// already applied for the retransmitted range; the engine re-inserts
	// the un-ACKed window into the sender loss list itself and does not
	// report it through OnLoss (spec §4.9).
}

func (c *DefaultController) OnCongestionWarning() {
	if !c.slowStart {
		c.sendIntervalUS *= 1.125
	}
}

func (c *DefaultController) OnPktSent(seq uint32)     {}
func (c *DefaultController) OnPktReceived(seq uint32) {}

func (c *DefaultController) SetRTT(rttUS int64)          { c.rttUS = rttUS }
func (c *DefaultController) SetBandwidth(pps float64)    { c.bandwidthPPS = pps }
func (c *DefaultController) SetRecvRate(pps float64)     { c.recvRatePPS = pps }

func (c *DefaultController) Tick(nowUS uint64) {
	if c.slowStart {
		return
	}
	if c.lastTickUS != 0 && nowUS-c.lastTickUS < rateControlIntervalUS {
		return
	}
	c.lastTickUS = nowUS

	if c.recvRatePPS > 0 {
		c.cwnd = c.recvRatePPS*float64(c.rttUS+10_000)/1e6 + initialCwndPackets
	}

	if c.bandwidthPPS <= 0 || c.sendIntervalUS <= 0 {
		return
	}
	currentRatePPS := 1e6 / c.sendIntervalUS
	b := c.bandwidthPPS - currentRatePPS
	inc := minIncrement
	if b > 0 {
		bitsPerSec := b * float64(c.mss) * 8
		if bitsPerSec > 0 {
			exp := math.Ceil(math.Log10(bitsPerSec))
			inc = math.Pow(10, exp) * 1.5e-6 / float64(c.mss)
			if inc < minIncrement {
				inc = minIncrement
			}
		}
	}
	c.sendIntervalUS = c.sendIntervalUS * rateControlIntervalUS / (c.sendIntervalUS*inc + rateControlIntervalUS)
}

func (c *DefaultController) SendIntervalUS() float64 { return c.sendIntervalUS }
func (c *DefaultController) CwndPackets() float64    { return c.cwnd }
func (c *DefaultController) AckIntervalUS() uint64   { return 0 }
func (c *DefaultController) RTOUS() uint64           { return 0 }
