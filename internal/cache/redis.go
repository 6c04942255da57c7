package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// OffenderTracker counts rejected requests per client in Redis. Every
// rejection pushes the counter's expiry out by the configured window, so a
// client stays banned only while it keeps sending bad input.
type OffenderTracker struct {
	client *redis.Client
	config *Config
	logger *zap.Logger

	recorded     int64
	bannedChecks int64
}

var _ Offenders = (*OffenderTracker)(nil)

// NewOffenderTracker creates a new Redis-based offender tracker
func NewOffenderTracker(config *Config, logger *zap.Logger) (*OffenderTracker, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if config.MaxConnections > 0 {
		opts.PoolSize = config.MaxConnections
	}
	opts.MinIdleConns = config.MinIdleConns

	tracker := newOffenderTracker(redis.NewClient(opts), config, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := tracker.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Offender tracker initialized",
		zap.String("redis_url", maskRedisURL(config.RedisURL)),
		zap.Duration("window", config.Window),
		zap.Int64("ban_threshold", config.BanThreshold))

	return tracker, nil
}

func newOffenderTracker(client *redis.Client, config *Config, logger *zap.Logger) *OffenderTracker {
	if config.Window <= 0 {
		config.Window = 10 * time.Minute
	}
	return &OffenderTracker{
		client: client,
		config: config,
		logger: logger,
	}
}

// Record counts one rejected request for clientIP and returns the count
// within the current window.
func (t *OffenderTracker) Record(ctx context.Context, clientIP string) (int64, error) {
	key := t.key(clientIP)

	pipe := t.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, t.config.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		t.logger.Error("Failed to record offender", zap.String("client_ip", clientIP), zap.Error(err))
		return 0, fmt.Errorf("failed to record offender: %w", err)
	}

	atomic.AddInt64(&t.recorded, 1)
	count := incr.Val()

	if t.config.BanThreshold > 0 && count == t.config.BanThreshold {
		t.logger.Warn("Client reached offender ban threshold",
			zap.String("client_ip", clientIP),
			zap.Int64("rejections", count),
			zap.Duration("window", t.config.Window))
	}

	return count, nil
}

// Count returns the rejections recorded for clientIP in the current window.
func (t *OffenderTracker) Count(ctx context.Context, clientIP string) (int64, error) {
	val, err := t.client.Get(ctx, t.key(clientIP)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read offender count: %w", err)
	}

	count, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt offender count %q: %w", val, err)
	}
	return count, nil
}

// IsBanned reports whether clientIP reached the ban threshold.
func (t *OffenderTracker) IsBanned(ctx context.Context, clientIP string) (bool, error) {
	if t.config.BanThreshold <= 0 {
		return false, nil
	}
	atomic.AddInt64(&t.bannedChecks, 1)

	count, err := t.Count(ctx, clientIP)
	if err != nil {
		return false, err
	}
	return count >= t.config.BanThreshold, nil
}

// Forgive clears the counter of a single client.
func (t *OffenderTracker) Forgive(ctx context.Context, clientIP string) error {
	if err := t.client.Del(ctx, t.key(clientIP)).Err(); err != nil {
		return fmt.Errorf("failed to clear offender: %w", err)
	}
	t.logger.Info("Offender cleared", zap.String("client_ip", clientIP))
	return nil
}

// GetStats returns tracker statistics
func (t *OffenderTracker) GetStats(ctx context.Context) (*OffenderStats, error) {
	info, err := t.client.Info(ctx, "memory").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get Redis info: %w", err)
	}

	stats := &OffenderStats{
		Recorded:     atomic.LoadInt64(&t.recorded),
		BannedChecks: atomic.LoadInt64(&t.bannedChecks),
	}

	for _, line := range strings.Split(info, "\r\n") {
		if memStr, ok := strings.CutPrefix(line, "used_memory:"); ok {
			if mem, err := strconv.ParseInt(memStr, 10, 64); err == nil {
				stats.MemoryUsage = mem
			}
		}
	}

	keys, err := t.scanKeys(ctx)
	if err == nil {
		stats.TrackedClients = int64(len(keys))
	}

	return stats, nil
}

// Clear removes all offender counters
func (t *OffenderTracker) Clear(ctx context.Context) error {
	keys, err := t.scanKeys(ctx)
	if err != nil {
		return err
	}

	batchSize := 100
	for i := 0; i < len(keys); i += batchSize {
		end := min(i+batchSize, len(keys))
		if err := t.client.Del(ctx, keys[i:end]...).Err(); err != nil {
			t.logger.Error("Failed to delete offender keys", zap.Error(err))
			return fmt.Errorf("failed to delete offender keys: %w", err)
		}
	}

	t.logger.Info("Offenders cleared", zap.Int("deleted_keys", len(keys)))
	return nil
}

func (t *OffenderTracker) scanKeys(ctx context.Context) ([]string, error) {
	iter := t.client.Scan(ctx, 0, t.keyPattern(), 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan offender keys: %w", err)
	}
	return keys, nil
}

// Close closes the Redis connection
func (t *OffenderTracker) Close() error {
	if t.client != nil {
		return t.client.Close()
	}
	return nil
}

func (t *OffenderTracker) key(clientIP string) string {
	return fmt.Sprintf("%s:offender:%s", t.config.KeyPrefix, clientIP)
}

func (t *OffenderTracker) keyPattern() string {
	return t.config.KeyPrefix + ":offender:*"
}

// maskRedisURL masks the password in a Redis URL for logging
func maskRedisURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}
	userPart := url[:at]
	colon := strings.LastIndex(userPart, ":")
	scheme := strings.Index(userPart, "://")
	if colon < 0 || colon <= scheme+2 {
		return url
	}
	return userPart[:colon+1] + "***" + url[at:]
}
