package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sink accepts audit events from the request path.
type Sink interface {
	Record(event *Event) bool
}

// BatchWriter persists a batch of events. *Store satisfies it.
type BatchWriter interface {
	BatchInsert(ctx context.Context, events []*Event) (*BatchInsertResult, error)
}

var (
	_ BatchWriter = (*Store)(nil)
	_ Sink        = (*Recorder)(nil)
)

// RecorderConfig controls buffering and flushing
type RecorderConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	// OnDrop is called for every event discarded because the buffer was full.
	OnDrop func()
}

// Recorder buffers events and writes them in batches from a background
// goroutine. Record never blocks.
type Recorder struct {
	writer BatchWriter
	config RecorderConfig
	logger *zap.Logger

	events chan *Event
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewRecorder starts a recorder writing to writer
func NewRecorder(writer BatchWriter, config RecorderConfig, logger *zap.Logger) *Recorder {
	if config.BufferSize <= 0 {
		config.BufferSize = 1024
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 2 * time.Second
	}

	r := &Recorder{
		writer: writer,
		config: config,
		logger: logger,
		events: make(chan *Event, config.BufferSize),
		done:   make(chan struct{}),
	}

	go r.run()

	return r
}

// Record queues event for writing. It returns false when the event was
// dropped because the buffer is full or the recorder is closed.
func (r *Recorder) Record(event *Event) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return false
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	select {
	case r.events <- event:
		return true
	default:
		r.logger.Warn("Audit buffer full, dropping event",
			zap.String("kind", string(event.Kind)),
			zap.String("request_id", event.RequestID))
		if r.config.OnDrop != nil {
			r.config.OnDrop()
		}
		return false
	}
}

func (r *Recorder) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]*Event, 0, r.config.BatchSize)

	for {
		select {
		case event, ok := <-r.events:
			if !ok {
				r.flush(batch)
				return
			}
			batch = append(batch, event)
			if len(batch) >= r.config.BatchSize {
				r.flush(batch)
				batch = make([]*Event, 0, r.config.BatchSize)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = make([]*Event, 0, r.config.BatchSize)
			}
		}
	}
}

func (r *Recorder) flush(batch []*Event) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := r.writer.BatchInsert(ctx, batch); err != nil {
		r.logger.Error("Failed to write audit batch",
			zap.Error(err),
			zap.Int("events", len(batch)))
	}
}

// Close stops accepting events and waits until buffered events are written
// or ctx is done.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
