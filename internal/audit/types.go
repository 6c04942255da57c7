package audit

import "time"

// Kind classifies an audit event.
type Kind string

const (
	KindRejection    Kind = "rejection"
	KindSubstitution Kind = "substitution"
	KindHostError    Kind = "host_error"
	KindBanned       Kind = "banned"
)

// Event is one filter action on a request.
type Event struct {
	ID        int64     `db:"id" json:"id"`
	RequestID string    `db:"request_id" json:"request_id"`
	Kind      Kind      `db:"kind" json:"kind"`
	ClientIP  string    `db:"client_ip" json:"client_ip"`
	Method    string    `db:"method" json:"method"`
	Path      string    `db:"path" json:"path"`
	Source    string    `db:"source" json:"source"`
	Parameter string    `db:"parameter" json:"parameter"`
	Field     string    `db:"field" json:"field"`
	Pattern   string    `db:"pattern" json:"pattern"`
	Original  string    `db:"original_value" json:"original_value"`
	Rewritten string    `db:"rewritten_value" json:"rewritten_value"`
	Mode      string    `db:"mode" json:"mode"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Config contains database configuration
type Config struct {
	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// ListOptions filters List results
type ListOptions struct {
	Since time.Time
	Until time.Time
	Kind  Kind
	Limit int
}

// BatchInsertResult contains the result of a batch insert
type BatchInsertResult struct {
	Inserted int64
	Failed   int64
	Duration time.Duration
}

// KindCount is one row of Stats.
type KindCount struct {
	Kind  Kind  `db:"kind" json:"kind"`
	Count int64 `db:"count" json:"count"`
}

// Stats summarizes the audit table.
type Stats struct {
	Total  int64       `json:"total"`
	ByKind []KindCount `json:"by_kind"`
	Oldest *time.Time  `json:"oldest,omitempty"`
	Newest *time.Time  `json:"newest,omitempty"`
}
