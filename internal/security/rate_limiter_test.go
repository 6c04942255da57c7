package security

import (
	"testing"
	"time"

	"github.com/raaihank/input-sentinel/internal/config"
	"github.com/stretchr/testify/assert"
)

func testLimiter(cfg config.RateLimitConfig) (*RateLimiter, *time.Time) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(cfg)
	rl.now = func() time.Time { return now }
	return rl, &now
}

func TestRateLimiterDisabled(t *testing.T) {
	rl, _ := testLimiter(config.RateLimitConfig{Enabled: false, RequestsPerMin: 1, Burst: 1})

	for i := 0; i < 10; i++ {
		assert.True(t, rl.Allow("10.0.0.1"))
	}
}

func TestRateLimiterBurstAndRefill(t *testing.T) {
	rl, now := testLimiter(config.RateLimitConfig{Enabled: true, RequestsPerMin: 60, Burst: 2})

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))

	// other clients have their own bucket
	assert.True(t, rl.Allow("10.0.0.2"))

	*now = now.Add(time.Second)
	assert.True(t, rl.Allow("10.0.0.1"))
}

func TestRateLimiterCleanup(t *testing.T) {
	rl, now := testLimiter(config.RateLimitConfig{Enabled: true, RequestsPerMin: 60, Burst: 5, IdleTimeout: time.Minute})

	rl.Allow("10.0.0.1")
	*now = now.Add(30 * time.Second)
	rl.Allow("10.0.0.2")
	*now = now.Add(45 * time.Second)

	assert.Equal(t, 1, rl.CleanupOldBuckets())
	assert.Equal(t, -1.0, rl.Tokens("10.0.0.1"))
	assert.GreaterOrEqual(t, rl.Tokens("10.0.0.2"), 4.0)
}
