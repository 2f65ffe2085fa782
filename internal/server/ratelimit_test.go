package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// ============================================================================
// Test: Per-client rate limiting of write methods
// ============================================================================

func newTestLimiter(rps float64, burst int) (*RateLimiter, *time.Time) {
	now := time.Unix(1700000000, 0)
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: rps, Burst: burst}, nil)
	rl.clockNow = func() time.Time { return now }
	return rl, &now
}

func TestRateLimiter_BurstThenDeny(t *testing.T) {
	rl, _ := newTestLimiter(1, 2)

	assert.True(t, rl.Allow(provideMethod, "10.0.0.1"))
	assert.True(t, rl.Allow(provideMethod, "10.0.0.1"))
	assert.False(t, rl.Allow(provideMethod, "10.0.0.1"))

	// Buckets are per client.
	assert.True(t, rl.Allow(provideMethod, "10.0.0.2"))
}

func TestRateLimiter_Refills(t *testing.T) {
	rl, now := newTestLimiter(1, 1)

	assert.True(t, rl.Allow(provideMethod, "c"))
	assert.False(t, rl.Allow(provideMethod, "c"))

	*now = now.Add(time.Second)
	assert.True(t, rl.Allow(provideMethod, "c"))
}

func TestRateLimiter_ReadsUnlimited(t *testing.T) {
	rl, _ := newTestLimiter(1, 1)
	for i := 0; i < 10; i++ {
		assert.True(t, rl.Allow(poolMethod, "c"))
	}
}

func TestRateLimiter_ZeroRateDisables(t *testing.T) {
	rl, _ := newTestLimiter(0, 1)
	for i := 0; i < 10; i++ {
		assert.True(t, rl.Allow(provideMethod, "c"))
	}
}

func TestRateLimiter_SweepsIdleVisitors(t *testing.T) {
	rl, now := newTestLimiter(1, 1)
	rl.Allow(provideMethod, "idle")
	assert.Len(t, rl.visitors, 1)

	*now = now.Add(visitorIdleTTL + time.Minute)
	rl.Allow(provideMethod, "fresh")
	assert.Len(t, rl.visitors, 1)
	assert.Contains(t, rl.visitors, "fresh")
}
