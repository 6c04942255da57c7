package cache

import (
	"context"
	"time"
)

// Offenders tracks clients whose requests were rejected by the input filter.
type Offenders interface {
	Record(ctx context.Context, clientIP string) (int64, error)
	Count(ctx context.Context, clientIP string) (int64, error)
	IsBanned(ctx context.Context, clientIP string) (bool, error)
	Forgive(ctx context.Context, clientIP string) error
	Close() error
}

// Config contains offender tracker configuration
type Config struct {
	RedisURL       string        `yaml:"redis_url" mapstructure:"redis_url"`
	MaxConnections int           `yaml:"max_connections" mapstructure:"max_connections"`
	MinIdleConns   int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
	KeyPrefix      string        `yaml:"key_prefix" mapstructure:"key_prefix"`
	Window         time.Duration `yaml:"window" mapstructure:"window"`
	BanThreshold   int64         `yaml:"ban_threshold" mapstructure:"ban_threshold"`
}

// OffenderStats represents tracker statistics
type OffenderStats struct {
	TrackedClients int64 `json:"tracked_clients"`
	Recorded       int64 `json:"recorded"`
	BannedChecks   int64 `json:"banned_checks"`
	MemoryUsage    int64 `json:"memory_usage_bytes"`
}
