package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket limits how many inbound signaling frames a single connection may
// submit. It holds up to burst tokens and refills at rate tokens/sec.
//
// Refill is computed from elapsed nanoseconds with integer arithmetic: one
// token equals one second worth of nanoseconds, so a rate of N tokens/sec adds
// N units per elapsed nanosecond.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	burst int64
	rate  int64

	units int64 // 1 token == int64(time.Second) units
	last  time.Time
}

const unitsPerToken = int64(time.Second)

// NewTokenBucket returns a full bucket. A nil clock uses RealClock.
func NewTokenBucket(clock Clock, burst, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if burst < 0 {
		burst = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &TokenBucket{
		clock: clock,
		burst: burst,
		rate:  rate,
		units: toUnits(burst),
		last:  clock.Now(),
	}
}

// Allow takes n tokens when available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := toUnits(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.units < cost {
		return false
	}
	b.units -= cost
	return true
}

func (b *TokenBucket) refill() {
	now := b.clock.Now()
	elapsed := now.Sub(b.last)
	b.last = now
	if elapsed <= 0 || b.rate == 0 {
		// A clock that goes backwards only moves the reference point.
		return
	}

	max := toUnits(b.burst)
	missing := max - b.units
	if missing <= 0 {
		b.units = max
		return
	}
	// Clamp before multiplying so elapsed*rate cannot overflow.
	if elapsed.Nanoseconds() >= missing/b.rate+1 {
		b.units = max
		return
	}
	b.units += elapsed.Nanoseconds() * b.rate
	if b.units > max {
		b.units = max
	}
}

func toUnits(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	const maxTokens = int64(^uint64(0)>>1) / unitsPerToken
	if tokens > maxTokens {
		tokens = maxTokens
	}
	return tokens * unitsPerToken
}
