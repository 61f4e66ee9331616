// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package core

import "sync"

// ackWindowSize bounds the ACK history ring (spec §3 "ACK window").
const ackWindowSize = 1024

// AckWindow is a bounded ring of (ack-seq, ack-send-time) entries used to
// measure RTT when the matching ACK2 arrives (spec §4.8).
//
// Grounded on the teacher's delayHist ring (utp.go), generalized from a
// fixed-size delay sample ring to an (id, timestamp) ring keyed by the
// ACK sub-sequence identifier named in spec §4.1.
type AckWindow struct {
	mu      sync.Mutex
	ids     [ackWindowSize]uint32
	sentAt  [ackWindowSize]uint64 // microseconds
	next    int
	filled  int
}

// NewAckWindow constructs an empty ACK window.
func NewAckWindow() *AckWindow {
	return &AckWindow{}
}

// Record stores the send time of the ACK identified by ackID.
func (w *AckWindow) Record(ackID uint32, sentAtUS uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ids[w.next] = ackID
	w.sentAt[w.next] = sentAtUS
	w.next = (w.next + 1) % ackWindowSize
	if w.filled < ackWindowSize {
		w.filled++
	}
}

// Lookup finds the send time recorded for ackID, scanning back from the
// most recently recorded entry (ACK2s normally arrive shortly after the
// ACK they acknowledge, so the common case is found near the front).
func (w *AckWindow) Lookup(ackID uint32) (sentAtUS uint64, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := 0; i < w.filled; i++ {
		idx := (w.next - 1 - i + ackWindowSize) % ackWindowSize
		if w.ids[idx] == ackID {
			return w.sentAt[idx], true
		}
	}
	return 0, false
}

// arrivalHistorySize bounds the packet-pair arrival-time samples kept for
// bandwidth estimation.
const arrivalHistorySize = 16

// ArrivalWindow tracks inter-arrival times of probe-pair packets (spec
// §4.6 step 3, §4.7 "bandwidth-probe accounting") to estimate link
// bandwidth, and a short history of regular packet inter-arrival times to
// estimate the application's receive rate. Grounded on the teacher's
// delayHist sample-ring pattern (utp.go), repurposed from one-way-delay
// samples to inter-arrival-time samples.
type ArrivalWindow struct {
	mu sync.Mutex

	probeFirstAtUS  uint64
	haveProbeFirst  bool
	probeSamplesUS  [arrivalHistorySize]uint64
	probeSampleIdx  int
	probeSampleN    int

	recvSamplesUS []uint64
	recvSampleIdx int
}

// NewArrivalWindow constructs an empty arrival-time window.
func NewArrivalWindow() *ArrivalWindow {
	return &ArrivalWindow{recvSamplesUS: make([]uint64, arrivalHistorySize)}
}

// OnProbeFirst records the arrival time of the first packet of a probe
// pair (low nibble of its sequence number is 0, spec §4.7).
func (a *ArrivalWindow) OnProbeFirst(atUS uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.probeFirstAtUS = atUS
	a.haveProbeFirst = true
}

// OnProbeSecond records the arrival of the probe pair's second packet and
// derives a one packet-pair bandwidth sample, in packets/second, if the
// first packet of the pair was seen.
func (a *ArrivalWindow) OnProbeSecond(atUS uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.haveProbeFirst {
		return
	}
	delta := atUS - a.probeFirstAtUS
	a.haveProbeFirst = false
	if delta == 0 {
		return
	}
	a.probeSamplesUS[a.probeSampleIdx] = delta
	a.probeSampleIdx = (a.probeSampleIdx + 1) % arrivalHistorySize
	if a.probeSampleN < arrivalHistorySize {
		a.probeSampleN++
	}
}

// EstimateBandwidthPPS returns the median packet-pair interval, converted
// to packets/second, per UDT's standard packet-pair probing technique.
func (a *ArrivalWindow) EstimateBandwidthPPS() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.probeSampleN == 0 {
		return 0
	}
	samples := append([]uint64(nil), a.probeSamplesUS[:a.probeSampleN]...)
	median := medianUint64(samples)
	if median == 0 {
		return 0
	}
	return 1e6 / float64(median)
}

// OnPacketArrival records one inter-arrival sample (microseconds since
// the previous packet) for receive-rate estimation.
func (a *ArrivalWindow) OnPacketArrival(intervalUS uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if intervalUS == 0 {
		return
	}
	a.recvSamplesUS[a.recvSampleIdx] = intervalUS
	a.recvSampleIdx = (a.recvSampleIdx + 1) % len(a.recvSamplesUS)
}

// EstimateRecvRatePPS returns the median inter-arrival interval converted
// to packets/second.
func (a *ArrivalWindow) EstimateRecvRatePPS() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	samples := make([]uint64, 0, len(a.recvSamplesUS))
	for _, s := range a.recvSamplesUS {
		if s != 0 {
			samples = append(samples, s)
		}
	}
	if len(samples) == 0 {
		return 0
	}
	median := medianUint64(samples)
	if median == 0 {
		return 0
	}
	return 1e6 / float64(median)
}

func medianUint64(s []uint64) uint64 {
	if len(s) == 0 {
		return 0
	}
	// insertion sort: these slices are at most arrivalHistorySize long.
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
	return s[len(s)/2]
}
