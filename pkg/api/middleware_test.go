package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	clock := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	rl := newRateLimiter(60)
	rl.now = func() time.Time { return clock }

	for i := 0; i < 60; i++ {
		assert.True(t, rl.allow("10.0.0.1"), "request %d", i+1)
	}
	assert.False(t, rl.allow("10.0.0.1"))

	// Half a window later the budget is still spent: a sliding window never
	// refills mid-window the way a token bucket would.
	clock = clock.Add(30 * time.Second)
	assert.False(t, rl.allow("10.0.0.1"))

	// Once the original burst ages out, requests flow again.
	clock = clock.Add(31 * time.Second)
	assert.True(t, rl.allow("10.0.0.1"))
}

func TestRateLimiter_PerIPIsolation(t *testing.T) {
	clock := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	rl := newRateLimiter(2)
	rl.now = func() time.Time { return clock }

	assert.True(t, rl.allow("10.0.0.1"))
	assert.True(t, rl.allow("10.0.0.1"))
	assert.False(t, rl.allow("10.0.0.1"))
	assert.True(t, rl.allow("10.0.0.2"))
}

func TestRateLimiter_SweepsIdleVisitors(t *testing.T) {
	clock := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	rl := newRateLimiter(60)
	rl.now = func() time.Time { return clock }

	for i := 0; i < 10; i++ {
		rl.allow("10.0.0.1")
		rl.allow("10.0.0.2")
	}
	assert.Len(t, rl.visitors, 2)

	// Only one IP keeps talking; after the sweep the idle one is gone.
	clock = clock.Add(2 * time.Minute)
	rl.allow("10.0.0.1")
	assert.Len(t, rl.visitors, 1)
	assert.Contains(t, rl.visitors, "10.0.0.1")
	assert.NotContains(t, rl.visitors, "10.0.0.2")
}
