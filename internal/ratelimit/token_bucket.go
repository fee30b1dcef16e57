package ratelimit

import (
	"sync"
	"time"
)

// nanoPerToken is the fixed-point scale: one token is 1e9 nano-tokens, so a
// fill rate of N tokens/sec adds exactly N nano-tokens per elapsed nanosecond.
const nanoPerToken = int64(time.Second)

// TokenBucket is a deterministic token bucket refilled at an integer
// tokens/sec rate from a Clock. It bounds inbound signaling event rates per
// connection without float rounding drift.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacity int64 // tokens
	rate     int64 // tokens/sec

	availableNano int64
	last          time.Time
}

// NewTokenBucket returns a bucket that starts full. A nil clock falls back to
// the real clock.
func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &TokenBucket{
		clock:         clock,
		capacity:      capacity,
		rate:          rate,
		availableNano: capacity * nanoPerToken,
		last:          clock.Now(),
	}
}

// Allow consumes tokens if available. tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	cost := tokens * nanoPerToken
	if cost/nanoPerToken != tokens {
		// Overflowed; a request this large can never be satisfied.
		return false
	}
	if b.availableNano < cost {
		return false
	}
	b.availableNano -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; re-anchor without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.rate <= 0 || b.capacity <= 0 {
		return
	}

	capNano := b.capacity * nanoPerToken
	need := capNano - b.availableNano
	if need <= 0 {
		b.availableNano = capNano
		return
	}
	// rate tokens/sec equals rate nano-tokens/ns; clamp instead of overflowing.
	if elapsed >= need/b.rate {
		b.availableNano = capNano
		return
	}
	b.availableNano += elapsed * b.rate
}
