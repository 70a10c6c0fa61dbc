package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterSpacesReleases(t *testing.T) {
	l := New(30 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	assert.NoError(t, l.Wait(ctx))
	assert.NoError(t, l.Wait(ctx))
	assert.NoError(t, l.Wait(ctx))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
}

func TestLimiterZeroIntervalNeverBlocks(t *testing.T) {
	l := New(0)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		assert.NoError(t, l.Wait(ctx))
	}
	assert.Less(t, time.Since(start), 20*time.Millisecond)
}

func TestLimiterRespectsContextCancellation(t *testing.T) {
	l := New(time.Hour)
	ctx := context.Background()
	assert.NoError(t, l.Wait(ctx))

	cctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := l.Wait(cctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLimiterFIFOUnderConcurrency(t *testing.T) {
	l := New(10 * time.Millisecond)
	ctx := context.Background()

	const n = 8
	done := make(chan time.Time, n)
	for i := 0; i < n; i++ {
		go func() {
			_ = l.Wait(ctx)
			done <- time.Now()
		}()
	}

	times := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		times = append(times, <-done)
	}

	// Regardless of arrival order, releases must be spread across at
	// least (n-1)*minInterval of wall clock time in total.
	var earliest, latest time.Time
	for _, ts := range times {
		if earliest.IsZero() || ts.Before(earliest) {
			earliest = ts
		}
		if ts.After(latest) {
			latest = ts
		}
	}
	assert.GreaterOrEqual(t, latest.Sub(earliest), time.Duration(n-1)*10*time.Millisecond)
}
