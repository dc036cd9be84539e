package dhtstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterAllowsUpToBurst(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	rl := NewRateLimiter(3, 1, time.Minute, clock.now)

	assert.True(t, rl.IsAllowed("1.2.3.4"))
	assert.True(t, rl.IsAllowed("1.2.3.4"))
	assert.True(t, rl.IsAllowed("1.2.3.4"))
	assert.False(t, rl.IsAllowed("1.2.3.4"))
}

func TestRateLimiterRefillsOverTime(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	rl := NewRateLimiter(1, 1, time.Minute, clock.now)

	assert.True(t, rl.IsAllowed("1.2.3.4"))
	assert.False(t, rl.IsAllowed("1.2.3.4"))

	clock.advance(2 * time.Second)
	assert.True(t, rl.IsAllowed("1.2.3.4"))
}

func TestRateLimiterTracksIndependentIPs(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	rl := NewRateLimiter(1, 1, time.Minute, clock.now)

	assert.True(t, rl.IsAllowed("1.1.1.1"))
	assert.True(t, rl.IsAllowed("2.2.2.2"))
}

func TestRateLimiterCleanupEvictsIdleBuckets(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	rl := NewRateLimiter(5, 1, time.Minute, clock.now)

	rl.IsAllowed("1.2.3.4")
	assert.Equal(t, 1, rl.Len())

	clock.advance(2 * time.Minute)
	rl.Cleanup()
	assert.Equal(t, 0, rl.Len())
}
