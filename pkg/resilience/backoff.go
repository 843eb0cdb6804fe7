// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

// Package resilience provides backoff and circuit breaking for calls that
// cross process or network boundaries.
package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	berrors "github.com/jllopis/bastion/pkg/errors"
)

// Backoff computes exponential delays with an upper bound and jitter.
// The zero value never waits.
type Backoff struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps the delay. Zero means no cap.
	Max time.Duration
	// Multiplier defaults to 2.
	Multiplier float64
	// Jitter is a fraction in [0,1]; 0.1 means ±10%.
	Jitter float64
}

// DefaultBackoff returns 100ms doubling up to 10s with 10% jitter.
func DefaultBackoff() Backoff {
	return Backoff{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Multiplier: 2, Jitter: 0.1}
}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Initial <= 0 || attempt < 1 {
		return 0
	}
	mult := b.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := float64(b.Initial) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * (2*rand.Float64() - 1)
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// Wait sleeps for Delay(attempt) or until ctx is done.
func (b Backoff) Wait(ctx context.Context, attempt int) error {
	d := b.Delay(attempt)
	if d == 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return berrors.New(berrors.CodeTimeout, "context done during backoff", ctx.Err()).
			WithContext("attempt", attempt).
			WithRecoverable(false)
	case <-t.C:
		return nil
	}
}

// Retry calls fn up to attempts times, waiting between calls. It stops at
// the first success or the first error that berrors.IsRecoverable rejects.
func (b Backoff) Retry(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var last error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := b.Wait(ctx, i); err != nil {
				return err
			}
		}
		if last = fn(ctx); last == nil {
			return nil
		}
		if !berrors.IsRecoverable(last) {
			return last
		}
	}
	return last
}
