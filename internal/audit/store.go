package audit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id              BIGSERIAL PRIMARY KEY,
	request_id      TEXT NOT NULL,
	kind            TEXT NOT NULL,
	client_ip       TEXT NOT NULL,
	method          TEXT NOT NULL,
	path            TEXT NOT NULL,
	source          TEXT NOT NULL DEFAULT '',
	parameter       TEXT NOT NULL DEFAULT '',
	field           TEXT NOT NULL DEFAULT '',
	pattern         TEXT NOT NULL DEFAULT '',
	original_value  TEXT NOT NULL DEFAULT '',
	rewritten_value TEXT NOT NULL DEFAULT '',
	mode            TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS audit_events_created_at_idx ON audit_events (created_at);
CREATE INDEX IF NOT EXISTS audit_events_kind_idx ON audit_events (kind);
`

const insertColumns = 13

// Store persists audit events in PostgreSQL
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewStore connects to the database and creates the audit table if needed
func NewStore(config *Config, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	store := &Store{
		db:     db,
		logger: logger,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	logger.Info("Audit store initialized",
		zap.String("database_url", maskDatabaseURL(config.DatabaseURL)),
		zap.Int("max_open_conns", config.MaxOpenConns))

	return store, nil
}

func (s *Store) initialize() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create audit schema: %w", err)
	}

	return nil
}

// Insert adds a single event and fills in its ID and timestamp
func (s *Store) Insert(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO audit_events (request_id, kind, client_ip, method, path, source, parameter,
			field, pattern, original_value, rewritten_value, mode, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at`

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	err := s.db.QueryRowContext(ctx, query, insertArgs(event)...).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		s.logger.Error("Failed to insert audit event",
			zap.Error(err),
			zap.String("kind", string(event.Kind)),
			zap.String("request_id", event.RequestID))
		return fmt.Errorf("failed to insert audit event: %w", err)
	}

	return nil
}

// BatchInsert adds multiple events in one statement
func (s *Store) BatchInsert(ctx context.Context, events []*Event) (*BatchInsertResult, error) {
	if len(events) == 0 {
		return &BatchInsertResult{}, nil
	}

	start := time.Now()
	result := &BatchInsertResult{}

	query, args := buildBatchInsert(events)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		result.Failed = int64(len(events))
		s.logger.Error("Audit batch insert failed", zap.Error(err), zap.Int("events", len(events)))
		return result, fmt.Errorf("batch insert failed: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		s.logger.Warn("Could not get rows affected", zap.Error(err))
		inserted = int64(len(events))
	}

	result.Inserted = inserted
	result.Failed = int64(len(events)) - inserted
	result.Duration = time.Since(start)

	s.logger.Debug("Audit batch insert completed",
		zap.Int64("inserted", result.Inserted),
		zap.Duration("duration", result.Duration))

	return result, nil
}

func buildBatchInsert(events []*Event) (string, []interface{}) {
	valueStrings := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*insertColumns)

	for i, event := range events {
		if event.CreatedAt.IsZero() {
			event.CreatedAt = time.Now().UTC()
		}
		placeholders := make([]string, insertColumns)
		for j := range placeholders {
			placeholders[j] = fmt.Sprintf("$%d", i*insertColumns+j+1)
		}
		valueStrings = append(valueStrings, "("+strings.Join(placeholders, ", ")+")")
		args = append(args, insertArgs(event)...)
	}

	query := fmt.Sprintf(`
		INSERT INTO audit_events (request_id, kind, client_ip, method, path, source, parameter,
			field, pattern, original_value, rewritten_value, mode, created_at)
		VALUES %s`, strings.Join(valueStrings, ","))

	return query, args
}

func insertArgs(e *Event) []interface{} {
	return []interface{}{
		e.RequestID,
		string(e.Kind),
		e.ClientIP,
		e.Method,
		e.Path,
		e.Source,
		e.Parameter,
		e.Field,
		e.Pattern,
		e.Original,
		e.Rewritten,
		e.Mode,
		e.CreatedAt,
	}
}

// List returns events matching options, oldest first
func (s *Store) List(ctx context.Context, options ListOptions) ([]*Event, error) {
	query, args := buildListQuery(options)

	var events []*Event
	if err := s.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}

	return events, nil
}

func buildListQuery(options ListOptions) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if !options.Since.IsZero() {
		args = append(args, options.Since)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !options.Until.IsZero() {
		args = append(args, options.Until)
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", len(args)))
	}
	if options.Kind != "" {
		args = append(args, string(options.Kind))
		conditions = append(conditions, fmt.Sprintf("kind = $%d", len(args)))
	}

	query := "SELECT * FROM audit_events"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at, id"

	if options.Limit > 0 {
		args = append(args, options.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	return query, args
}

// Stats returns per-kind counts and the time range covered
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	if err := s.db.SelectContext(ctx, &stats.ByKind,
		"SELECT kind, COUNT(*) AS count FROM audit_events GROUP BY kind ORDER BY kind"); err != nil {
		return nil, fmt.Errorf("failed to count audit events: %w", err)
	}
	for _, kc := range stats.ByKind {
		stats.Total += kc.Count
	}

	var bounds struct {
		Oldest *time.Time `db:"oldest"`
		Newest *time.Time `db:"newest"`
	}
	if err := s.db.GetContext(ctx, &bounds,
		"SELECT MIN(created_at) AS oldest, MAX(created_at) AS newest FROM audit_events"); err != nil {
		return nil, fmt.Errorf("failed to read audit time range: %w", err)
	}
	stats.Oldest = bounds.Oldest
	stats.Newest = bounds.Newest

	return stats, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// maskDatabaseURL hides the password in a database URL for logging
func maskDatabaseURL(databaseURL string) string {
	u, err := url.Parse(databaseURL)
	if err != nil || u.User == nil {
		return databaseURL
	}
	if _, ok := u.User.Password(); !ok {
		return databaseURL
	}
	return u.Redacted()
}
