// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAckWindowRecordAndLookup(t *testing.T) {
	w := NewAckWindow()
	w.Record(1, 1000)
	w.Record(2, 2000)

	got, ok := w.Lookup(1)
	assert.True(t, ok)
	assert.Equal(t, uint64(1000), got)

	_, ok = w.Lookup(99)
	assert.False(t, ok)
}

func TestAckWindowEvictsOldestOnOverflow(t *testing.T) {
	w := NewAckWindow()
	for i := 0; i < ackWindowSize+10; i++ {
		w.Record(uint32(i), uint64(i))
	}
	_, ok := w.Lookup(0)
	assert.False(t, ok, "entry 0 should have been evicted by the ring")
	got, ok := w.Lookup(uint32(ackWindowSize + 9))
	assert.True(t, ok)
	assert.Equal(t, uint64(ackWindowSize+9), got)
}

func TestArrivalWindowBandwidthEstimate(t *testing.T) {
	a := NewArrivalWindow()
	// Simulate several probe pairs 100us apart -> 10,000 packets/sec.
	base := uint64(0)
	for i := 0; i < 5; i++ {
		a.OnProbeFirst(base)
		a.OnProbeSecond(base + 100)
		base += 1000
	}
	pps := a.EstimateBandwidthPPS()
	assert.InDelta(t, 1e6/100, pps, 1e-6)
}

func TestArrivalWindowNoSamplesIsZero(t *testing.T) {
	a := NewArrivalWindow()
	assert.Equal(t, float64(0), a.EstimateBandwidthPPS())
	assert.Equal(t, float64(0), a.EstimateRecvRatePPS())
}

func TestArrivalWindowRecvRateEstimate(t *testing.T) {
	a := NewArrivalWindow()
	for i := 0; i < 8; i++ {
		a.OnPacketArrival(500)
	}
	assert.InDelta(t, 1e6/500, a.EstimateRecvRatePPS(), 1e-6)
}
