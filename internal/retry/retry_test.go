// Copyright (c) 2025 Braid Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayForGrowth(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Factor: 2}

	assert.Equal(t, time.Duration(0), p.DelayFor(0))
	assert.Equal(t, 100*time.Millisecond, p.DelayFor(1))
	assert.Equal(t, 200*time.Millisecond, p.DelayFor(2))
	assert.Equal(t, 400*time.Millisecond, p.DelayFor(3))
	assert.Equal(t, 800*time.Millisecond, p.DelayFor(4))
	assert.Equal(t, time.Second, p.DelayFor(5))
	assert.Equal(t, time.Second, p.DelayFor(20))
}

func TestDelayForJitterBounds(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, Factor: 2, JitterRatio: 0.5}

	for i := 0; i < 100; i++ {
		d := p.DelayFor(1)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestDoSucceedsAfterFailures(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, Factor: 2}

	calls := 0
	err := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Factor: 2}

	boom := errors.New("boom")
	calls := 0
	err := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestDoPermanentStopsImmediately(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, Factor: 2}

	fatal := errors.New("404")
	calls := 0
	err := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		return Permanent(fatal)
	})
	assert.Equal(t, fatal, err)
	assert.Equal(t, 1, calls)
}

func TestDoRespectsContext(t *testing.T) {
	p := Policy{MaxAttempts: 0, BaseDelay: 10 * time.Millisecond, Factor: 2}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, p, func(ctx context.Context) error {
		calls++
		return errors.New("keep trying")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Greater(t, calls, 0)
}

func TestPermanentNil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}
