// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package core

import (
	"context"

	"golang.org/x/time/rate"
)

// Pacer enforces the "maximum bandwidth cap" socket option from spec §6
// (0 = unlimited) as a hard ceiling layered on top of whatever send
// interval the congestion controller computes. It is new relative to the
// teacher, which has no such option; grounded on quic-go's dependency on
// golang.org/x/time for exactly this kind of token-bucket pacing.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer constructs a pacer. maxBytesPerSec of 0 means unlimited, in
// which case every Wait call returns immediately.
func NewPacer(maxBytesPerSec int) *Pacer {
	if maxBytesPerSec <= 0 {
		return &Pacer{}
	}
	return &Pacer{limiter: rate.NewLimiter(rate.Limit(maxBytesPerSec), maxBytesPerSec)}
}

// WaitN blocks until n bytes may be sent under the configured cap.
func (p *Pacer) WaitN(ctx context.Context, n int) error {
	if p.limiter == nil {
		return nil
	}
	return p.limiter.WaitN(ctx, n)
}

// SetLimit changes the cap at runtime (spec §6 set_option).
func (p *Pacer) SetLimit(maxBytesPerSec int) {
	if maxBytesPerSec <= 0 {
		p.limiter = nil
		return
	}
	if p.limiter == nil {
		p.limiter = rate.NewLimiter(rate.Limit(maxBytesPerSec), maxBytesPerSec)
		return
	}
	p.limiter.SetLimit(rate.Limit(maxBytesPerSec))
	p.limiter.SetBurst(maxBytesPerSec)
}
