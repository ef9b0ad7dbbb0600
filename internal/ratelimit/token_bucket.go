package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is an in-process rate limiter guarding calls to the AI
// service. Tokens refill continuously up to capacity; Allow consumes one
// token when available.
type TokenBucket struct {
	mu       sync.Mutex
	capacity float64
	refill   float64 // tokens per second
	tokens   float64
	last     time.Time
	now      func() time.Time
}

// NewTokenBucket constructs a full bucket with the provided capacity/refill.
func NewTokenBucket(capacity int, refillPerSecond float64) *TokenBucket {
	return &TokenBucket{
		capacity: float64(capacity),
		refill:   refillPerSecond,
		tokens:   float64(capacity),
		now:      time.Now,
	}
}

// Allow consumes a single token if available. Returns the allowed flag and
// the remaining token count.
func (b *TokenBucket) Allow() (bool, float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.last.IsZero() {
		b.last = now
	}
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refill
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.last = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true, b.tokens
	}
	return false, b.tokens
}
