// Package ratelimit implements the minimum-interval waiter used to
// space outbound upstream calls that share a limiter instance.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter enforces a minimum spacing between successive Wait releases.
// Waiters are served FIFO: each Wait call blocks until at least
// MinInterval has elapsed since the previous Wait returned, and two
// concurrent callers never both proceed inside the same window.
type Limiter struct {
	minInterval time.Duration

	mu   sync.Mutex
	next time.Time // earliest instant a subsequent Wait may return
	sem  chan struct{}
}

// New creates a Limiter with the given minimum interval between releases.
// A zero or negative interval disables spacing entirely.
func New(minInterval time.Duration) *Limiter {
	return &Limiter{
		minInterval: minInterval,
		sem:         make(chan struct{}, 1),
	}
}

// Default is the shared v1internal limiter: 1000ms spacing.
func Default() *Limiter {
	return New(1000 * time.Millisecond)
}

// Wait blocks until it is this caller's turn, serialized FIFO via a
// single-slot semaphore so concurrent Wait calls queue rather than race.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.minInterval <= 0 {
		return ctx.Err()
	}

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.sem }()

	l.mu.Lock()
	now := time.Now()
	wait := l.next.Sub(now)
	if wait < 0 {
		wait = 0
	}
	l.next = now.Add(wait).Add(l.minInterval)
	l.mu.Unlock()

	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
