package minting

import (
	"context"
	"sync"
	"time"
)

// RateLimiter spaces consecutive chain submissions. It is a separate
// component so the pacing policy can be tuned without touching the minting
// logic.
type RateLimiter struct {
	interval time.Duration

	mu   sync.Mutex
	last time.Time
}

func NewRateLimiter(interval time.Duration) *RateLimiter {
	return &RateLimiter{interval: interval}
}

// Wait blocks until the configured interval has passed since the previous
// call, or the context is cancelled.
func (l *RateLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	wait := l.interval - time.Since(l.last)
	l.last = time.Now().Add(wait)
	l.mu.Unlock()

	if wait <= 0 {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}
