// Copyright (c) 2025 Braid Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package retry provides exponential backoff with jitter for non-streaming
// calls. Streaming requests never retry; their failure surface is a
// terminal event, not a transient to paper over.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// =============================================================================
// POLICY
// =============================================================================

// Policy is an immutable backoff schedule.
type Policy struct {
	// MaxAttempts bounds the total number of tries. Zero means unlimited;
	// the context is then the only stop condition.
	MaxAttempts int

	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Factor is the per-attempt multiplier. Values below 1 are treated
	// as 2.
	Factor float64

	// JitterRatio spreads each delay by ±ratio. 0.2 means ±20%.
	JitterRatio float64
}

// DefaultPolicy suits short metadata calls like listing models.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    10 * time.Second,
	Factor:      2,
	JitterRatio: 0.2,
}

// DelayFor returns the backoff before attempt n (0-based; attempt 0 has no
// delay).
func (p Policy) DelayFor(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	factor := p.Factor
	if factor < 1 {
		factor = 2
	}
	delay := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= factor
		if p.MaxDelay > 0 && delay >= float64(p.MaxDelay) {
			delay = float64(p.MaxDelay)
			break
		}
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.JitterRatio > 0 {
		spread := delay * p.JitterRatio
		delay += (rand.Float64()*2 - 1) * spread
		if delay < 0 {
			delay = 0
		}
	}
	return time.Duration(delay)
}

// =============================================================================
// EXECUTION
// =============================================================================

// permanentError marks a failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps an error so Do stops immediately and returns the
// underlying error. Use it for failures the server will repeat, like an
// HTTP 404.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn until it succeeds, the policy is exhausted, the error is
// Permanent, or the context is done. The last error is returned on
// exhaustion.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; p.MaxAttempts == 0 || attempt < p.MaxAttempts; attempt++ {
		if delay := p.DelayFor(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}
	}
	return lastErr
}
