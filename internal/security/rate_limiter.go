package security

import (
	"sync"
	"time"

	"github.com/raaihank/input-sentinel/internal/config"
	"golang.org/x/time/rate"
)

// RateLimiter implements per-client token bucket rate limiting
type RateLimiter struct {
	config  config.RateLimitConfig
	buckets map[string]*clientBucket
	mu      sync.Mutex
	now     func() time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		config:  cfg,
		buckets: make(map[string]*clientBucket),
		now:     time.Now,
	}
}

// Allow checks if a request from the given client IP is allowed
func (r *RateLimiter) Allow(clientIP string) bool {
	if !r.config.Enabled {
		return true
	}

	now := r.now()
	return r.getBucket(clientIP, now).limiter.AllowN(now, 1)
}

// Tokens returns the tokens currently available to a client IP, or -1 if
// the client has no bucket yet.
func (r *RateLimiter) Tokens(clientIP string) float64 {
	r.mu.Lock()
	bucket, exists := r.buckets[clientIP]
	r.mu.Unlock()

	if !exists {
		return -1
	}
	return bucket.limiter.TokensAt(r.now())
}

// getBucket gets or creates the bucket for a client IP
func (r *RateLimiter) getBucket(clientIP string, now time.Time) *clientBucket {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket, exists := r.buckets[clientIP]
	if !exists {
		burst := r.config.Burst
		if burst <= 0 {
			burst = 1
		}
		bucket = &clientBucket{
			limiter: rate.NewLimiter(rate.Limit(float64(r.config.RequestsPerMin)/60.0), burst),
		}
		r.buckets[clientIP] = bucket
	}
	bucket.lastSeen = now

	return bucket
}

// CleanupOldBuckets removes buckets idle for longer than the configured
// idle timeout and returns how many were removed.
func (r *RateLimiter) CleanupOldBuckets() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	idle := r.config.IdleTimeout
	if idle <= 0 {
		idle = time.Hour
	}
	cutoff := r.now().Add(-idle)

	removed := 0
	for ip, bucket := range r.buckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(r.buckets, ip)
			removed++
		}
	}
	return removed
}

// StartCleanupRoutine cleans up idle buckets until stop is closed.
func (r *RateLimiter) StartCleanupRoutine(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.CleanupOldBuckets()
			case <-stop:
				return
			}
		}
	}()
}
