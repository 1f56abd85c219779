package ratelimit

import (
	"sync"
	"time"
)

// nanosPerToken is the fixed-point scale: one token equals 1e9 nano-tokens,
// so a fill rate of X tokens/sec adds exactly X nano-tokens per elapsed
// nanosecond without float rounding.
const nanosPerToken = int64(time.Second)

// TokenBucket is a deterministic token bucket refilling at an integer rate
// (tokens/sec) from an injected Clock. It is safe for concurrent use.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacity int64 // tokens
	fillRate int64 // tokens/sec

	available int64 // nano-tokens
	last      time.Time
}

func NewTokenBucket(clock Clock, capacity, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if fillRate < 0 {
		fillRate = 0
	}
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		fillRate:  fillRate,
		available: capacity * nanosPerToken,
		last:      clock.Now(),
	}
}

// Allow consumes tokens if available. tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	cost := tokens * nanosPerToken

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; re-anchor without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.fillRate <= 0 || b.capacity <= 0 {
		return
	}

	capacityNanos := b.capacity * nanosPerToken
	if b.available >= capacityNanos {
		b.available = capacityNanos
		return
	}

	need := capacityNanos - b.available
	// fillRate tokens/sec == fillRate nano-tokens per nanosecond. Clamp before
	// multiplying so a long idle period cannot overflow.
	if elapsed.Nanoseconds() >= need/b.fillRate {
		b.available = capacityNanos
		return
	}
	b.available += elapsed.Nanoseconds() * b.fillRate
}
