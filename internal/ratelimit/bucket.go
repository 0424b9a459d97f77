// Package ratelimit implements a per-venue token bucket. No third-party
// rate-limiting library appears anywhere in the retrieved reference corpus;
// every exchange-adapter reference implementation hand-rolls its own
// request-timestamp window, so this follows the same shape.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Bucket is a simple token bucket: capacity tokens refill continuously at
// rps tokens/second, capped at capacity. Take blocks until a token is
// available or ctx is done.
type Bucket struct {
	mu         sync.Mutex
	rps        float64
	capacity   float64
	tokens     float64
	lastRefill time.Time
}

// New creates a bucket with the given sustained rate and burst capacity.
// A non-positive rps disables limiting (Take always succeeds immediately).
func New(rps float64, capacity int) *Bucket {
	if capacity <= 0 {
		capacity = 1
	}
	return &Bucket{
		rps:        rps,
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		lastRefill: time.Now(),
	}
}

func (b *Bucket) refillLocked(now time.Time) {
	if b.rps <= 0 {
		return
	}
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.rps
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// Take blocks until one token is available or ctx expires.
func (b *Bucket) Take(ctx context.Context) error {
	if b.rps <= 0 {
		return nil
	}
	for {
		b.mu.Lock()
		now := time.Now()
		b.refillLocked(now)
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - b.tokens) / b.rps * float64(time.Second))
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
