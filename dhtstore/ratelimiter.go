package dhtstore

import (
	"sync"
	"time"
)

// bucket is a single per-IP token bucket.
type bucket struct {
	tokens     float64
	lastRefill time.Time
	lastSeen   time.Time
}

// RateLimiter implements a per-IP token bucket, refilled continuously at
// rate tokens/second up to burst capacity. Buckets untouched for
// evictAfter are dropped on the next cleanup sweep. Grounded on the
// teacher's retrieval_scheduler.go pacing loop (opd-ai/toxcore
// async/retrieval_scheduler.go), which paces retrieval attempts with a
// similar refill-then-check pattern, generalized here to a reusable
// token bucket keyed by IP instead of by recipient.
type RateLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	burst      float64
	rate       float64
	evictAfter time.Duration
	now        func() time.Time
}

// NewRateLimiter returns a limiter allowing burst tokens initially,
// refilling at rate tokens per second, evicting idle IPs after evictAfter.
func NewRateLimiter(burst, rate float64, evictAfter time.Duration, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		buckets:    make(map[string]*bucket),
		burst:      burst,
		rate:       rate,
		evictAfter: evictAfter,
		now:        now,
	}
}

// IsAllowed refills ip's bucket for elapsed time, then deducts one token
// and returns true if at least one token was available.
func (rl *RateLimiter) IsAllowed(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[ip]
	if !ok {
		b = &bucket{tokens: rl.burst, lastRefill: now}
		rl.buckets[ip] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = min(rl.burst, b.tokens+elapsed*rl.rate)
		b.lastRefill = now
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Cleanup evicts any bucket whose IP hasn't been checked in evictAfter.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip, b := range rl.buckets {
		if now.Sub(b.lastSeen) >= rl.evictAfter {
			delete(rl.buckets, ip)
		}
	}
}

// Len reports how many IPs currently have a live bucket, for tests and
// diagnostics.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
