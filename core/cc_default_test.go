// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultControllerSlowStartGrowsCwndOnAck(t *testing.T) {
	c := NewDefaultController()
	c.Init(1500, 0, 1000)
	require.Equal(t, float64(initialCwndPackets), c.CwndPackets())

	c.OnACK(10)
	assert.Equal(t, float64(initialCwndPackets)+10, c.CwndPackets())
}

func TestDefaultControllerExitsSlowStartAtCap(t *testing.T) {
	c := NewDefaultController()
	c.Init(1500, 0, 20)
	c.OnACK(30) // grows past maxCwnd(20), should exit slow start
	assert.False(t, c.slowStart)
}

func TestDefaultControllerLossIncreasesSendInterval(t *testing.T) {
	c := NewDefaultController()
	c.Init(1500, 100, 1000)
	c.slowStart = false
	before := c.SendIntervalUS()
	c.OnLoss([][2]uint32{{200, 205}})
	assert.Greater(t, c.SendIntervalUS(), before)
}

func TestDefaultControllerRateMonotonicUnderSteadyLoss(t *testing.T) {
	// Spec §8 property 8: under a constant loss rate above the reacting
	// threshold, send_interval is non-decreasing between successive NAKs
	// within the same congestion period.
	c := NewDefaultController()
	c.Init(1500, 0, 1000)
	c.slowStart = false

	lastSeq := uint32(0)
	prev := c.SendIntervalUS()
	for i := 0; i < 20; i++ {
		lastSeq += 10
		c.OnLoss([][2]uint32{{lastSeq, lastSeq}})
		cur := c.SendIntervalUS()
		assert.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
}

func TestDefaultControllerDeterministicAcrossRuns(t *testing.T) {
	// Spec §9 open question 3: the additional-decrease divisor must be
	// deterministic per flow (seeded from the initial sequence number) so
	// repeated runs against the same handshake reproduce the same schedule.
	run := func() []float64 {
		c := NewDefaultController()
		c.Init(1500, 4242, 1000)
		c.slowStart = false
		var got []float64
		seq := uint32(0)
		for i := 0; i < 10; i++ {
			seq += 5
			c.OnLoss([][2]uint32{{seq, seq}})
			got = append(got, c.SendIntervalUS())
		}
		return got
	}
	a := run()
	b := run()
	assert.Equal(t, a, b)
}

func TestDefaultControllerCongestionWarningIncreasesInterval(t *testing.T) {
	c := NewDefaultController()
	c.Init(1500, 0, 1000)
	c.slowStart = false
	before := c.SendIntervalUS()
	c.OnCongestionWarning()
	assert.Greater(t, c.SendIntervalUS(), before)
}
