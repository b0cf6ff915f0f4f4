package ratelimit

import (
	"sync"
	"time"
)

// nanoTokensPerToken is the fixed-point scale: one token is 1e9 nano-tokens,
// so a fill rate of X tokens/sec adds X nano-tokens per elapsed nanosecond.
const nanoTokensPerToken = int64(time.Second)

// TokenBucket is a deterministic token bucket refilled at an integer rate
// (tokens/sec) using the provided Clock.
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
		available: capacity * nanoTokensPerToken,
		last:      clock.Now(),
	}
}

// Allow consumes tokens if available. tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	cost := tokens * nanoTokensPerToken

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
		// Time went backwards. Don't refill, just move the reference point.
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

	capacityNano := b.capacity * nanoTokensPerToken
	need := capacityNano - b.available
	if need <= 0 {
		b.available = capacityNano
		return
	}

	// fillRate tokens/sec equals nano-tokens per nanosecond at this scale.
	// Clamp instead of multiplying when the elapsed time alone would fill the
	// bucket, to avoid overflow on long idle periods.
	if elapsed.Nanoseconds() >= need/b.fillRate {
		b.available = capacityNano
		return
	}
	b.available += elapsed.Nanoseconds() * b.fillRate
}
