// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package core

import "sort"

// lossRange is an inclusive, disjoint sequence range. Both loss lists
// (spec §4.4) are backed by a sorted slice of these; ranges are kept
// disjoint by merging on Insert. Lookup, insert and remove are linear
// scans over the slice, so each costs O(n) in the number of ranges (not
// of sequences); no binary search is used.
type lossRange struct {
	lo, hi uint32
}

func (r lossRange) contains(seq uint32) bool {
	return inSeqRange(seq, r.lo, r.hi)
}

// SenderLossList is the sender's pending-retransmit list (spec §3, §4.4).
type SenderLossList struct {
	ranges []lossRange
}

// NewSenderLossList constructs an empty sender loss list.
func NewSenderLossList() *SenderLossList {
	return &SenderLossList{}
}

// Insert merges [lo,hi] into the list, coalescing with overlapping or
// adjacent existing ranges.
func (l *SenderLossList) Insert(lo, hi uint32) {
	l.ranges = insertRange(l.ranges, lo, hi)
}

// PopLowest extracts the smallest sequence number in the list, shrinking
// (or removing) the range it came from.
func (l *SenderLossList) PopLowest() (seq uint32, ok bool) {
	if len(l.ranges) == 0 {
		return 0, false
	}
	r := &l.ranges[0]
	seq = r.lo
	if r.lo == r.hi {
		l.ranges = l.ranges[1:]
	} else {
		r.lo = incSeq(r.lo)
	}
	return seq, true
}

// Remove drops seq from the list (e.g. superseded by a fresh ACK),
// splitting its containing range if necessary.
func (l *SenderLossList) Remove(seq uint32) {
	l.ranges = removeSeq(l.ranges, seq)
}

// RemoveThrough drops every sequence < ackSeq, used when AckThrough
// advances the send buffer's cursor.
func (l *SenderLossList) RemoveThrough(ackSeq uint32) {
	out := l.ranges[:0]
	for _, r := range l.ranges {
		if seqLess(r.hi, ackSeq) {
			continue
		}
		if seqLess(r.lo, ackSeq) {
			r.lo = ackSeq
		}
		out = append(out, r)
	}
	l.ranges = out
}

// Len reports the number of disjoint ranges currently tracked.
func (l *SenderLossList) Len() int { return len(l.ranges) }

// Empty reports whether the list has no pending retransmits.
func (l *SenderLossList) Empty() bool { return len(l.ranges) == 0 }

// ReceiverLossList is the receiver's missing-sequence list (spec §3, §4.4).
type ReceiverLossList struct {
	ranges []lossRange
}

// NewReceiverLossList constructs an empty receiver loss list.
func NewReceiverLossList() *ReceiverLossList {
	return &ReceiverLossList{}
}

// Insert records [lo,hi] as believed lost.
func (l *ReceiverLossList) Insert(lo, hi uint32) {
	l.ranges = insertRange(l.ranges, lo, hi)
}

// Remove clears seq from the list, e.g. when a retransmit fills the gap.
func (l *ReceiverLossList) Remove(seq uint32) {
	l.ranges = removeSeq(l.ranges, seq)
}

// RemoveRange clears every sequence in [lo,hi] in one pass, used when a
// drop control retires an entire gap at once rather than sequence by
// sequence (spec §4.8 drop_message: "remove the range from the receiver
// loss list").
func (l *ReceiverLossList) RemoveRange(lo, hi uint32) {
	l.ranges = subtractRange(l.ranges, lo, hi)
}

// Empty reports whether there are no known gaps.
func (l *ReceiverLossList) Empty() bool { return len(l.ranges) == 0 }

// SnapshotForNAK emits the range-encoded NAK payload for every currently
// tracked gap, oldest first (spec §4.4 "prioritizing older gaps"), capped
// at maxBytes of encoded NAK payload (0 = unlimited).
func (l *ReceiverLossList) SnapshotForNAK(maxBytes int) []byte {
	ranges := make([][2]uint32, 0, len(l.ranges))
	used := 0
	for _, r := range l.ranges {
		wordCost := 4
		if r.lo != r.hi {
			wordCost = 8
		}
		if maxBytes > 0 && used+wordCost > maxBytes {
			break
		}
		ranges = append(ranges, [2]uint32{r.lo, r.hi})
		used += wordCost
	}
	return EncodeNAKRanges(ranges)
}

// Ranges returns a copy of the currently tracked loss ranges, oldest
// first, for callers (e.g. the NAK timer's periodic re-report) that
// need the raw range list rather than NAK wire bytes.
func (l *ReceiverLossList) Ranges() [][2]uint32 {
	out := make([][2]uint32, len(l.ranges))
	for i, r := range l.ranges {
		out[i] = [2]uint32{r.lo, r.hi}
	}
	return out
}

func (l *SenderLossList) Ranges() [][2]uint32 {
	out := make([][2]uint32, len(l.ranges))
	for i, r := range l.ranges {
		out[i] = [2]uint32{r.lo, r.hi}
	}
	return out
}

// insertRange inserts [lo,hi] into a sorted, disjoint list of ranges,
// merging with any overlapping or adjacent neighbors. Shared by both loss
// lists since the invariant (disjoint, sorted, bounded) is identical
// (spec §4.4, §8 property 7).
func insertRange(ranges []lossRange, lo, hi uint32) []lossRange {
	newRange := lossRange{lo, hi}
	merged := make([]lossRange, 0, len(ranges)+1)
	inserted := false
	for _, r := range ranges {
		if !inserted && seqLess(hi, decSeq(r.lo)) {
			merged = append(merged, newRange)
			inserted = true
		}
		if !inserted && rangesAdjacentOrOverlap(newRange, r) {
			newRange = unionRange(newRange, r)
			continue
		}
		merged = append(merged, r)
	}
	if !inserted {
		merged = append(merged, newRange)
	}
	sort.Slice(merged, func(i, j int) bool { return seqLess(merged[i].lo, merged[j].lo) })
	// a single pass over the sorted result resolves any merges created by
	// insertion order (e.g. inserting a range that bridges two existing
	// ones).
	out := merged[:0]
	for _, r := range merged {
		if len(out) > 0 && rangesAdjacentOrOverlap(out[len(out)-1], r) {
			out[len(out)-1] = unionRange(out[len(out)-1], r)
			continue
		}
		out = append(out, r)
	}
	return out
}

func rangesAdjacentOrOverlap(a, b lossRange) bool {
	return seqLessEq(a.lo, incSeq(b.hi)) && seqLessEq(b.lo, incSeq(a.hi))
}

func unionRange(a, b lossRange) lossRange {
	lo := a.lo
	if seqLess(b.lo, lo) {
		lo = b.lo
	}
	hi := a.hi
	if seqLess(hi, b.hi) {
		hi = b.hi
	}
	return lossRange{lo, hi}
}

// subtractRange removes [lo,hi] from a sorted, disjoint list of ranges,
// splitting any range it cuts through the middle of.
func subtractRange(ranges []lossRange, lo, hi uint32) []lossRange {
	cut := lossRange{lo, hi}
	out := ranges[:0]
	for _, r := range ranges {
		if !rangesOverlap(r, cut) {
			out = append(out, r)
			continue
		}
		if seqLess(r.lo, lo) {
			out = append(out, lossRange{r.lo, decSeq(lo)})
		}
		if seqLess(hi, r.hi) {
			out = append(out, lossRange{incSeq(hi), r.hi})
		}
	}
	return out
}

func rangesOverlap(a, b lossRange) bool {
	return seqLessEq(a.lo, b.hi) && seqLessEq(b.lo, a.hi)
}

func removeSeq(ranges []lossRange, seq uint32) []lossRange {
	out := ranges[:0]
	for _, r := range ranges {
		if !r.contains(seq) {
			out = append(out, r)
			continue
		}
		switch {
		case r.lo == r.hi:
			// drop entirely
		case seq == r.lo:
			out = append(out, lossRange{incSeq(r.lo), r.hi})
		case seq == r.hi:
			out = append(out, lossRange{r.lo, decSeq(r.hi)})
		default:
			out = append(out, lossRange{r.lo, decSeq(seq)}, lossRange{incSeq(seq), r.hi})
		}
	}
	return out
}
