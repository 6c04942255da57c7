package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/raaihank/input-sentinel/internal/audit"
	"github.com/segmentio/parquet-go"
)

// Lister reads audit events. *audit.Store satisfies it.
type Lister interface {
	List(ctx context.Context, options audit.ListOptions) ([]*audit.Event, error)
}

var _ Lister = (*audit.Store)(nil)

// Write encodes events to w in the given format
func Write(ctx context.Context, format Format, w io.Writer, events []*audit.Event) (int64, error) {
	records := make([]Record, 0, len(events))
	for _, e := range events {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
		records = append(records, NewRecord(e))
	}

	switch format {
	case FormatParquet:
		return writeParquet(w, records)
	case FormatCSV:
		return writeCSV(w, records)
	case FormatJSON:
		return writeJSON(w, records)
	default:
		return 0, fmt.Errorf("unsupported export format: %s", format)
	}
}

// Export lists events from the audit store and writes them to w
func Export(ctx context.Context, lister Lister, options audit.ListOptions, format Format, w io.Writer) (*Result, error) {
	start := time.Now()

	events, err := lister.List(ctx, options)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit events: %w", err)
	}

	n, err := Write(ctx, format, w, events)
	if err != nil {
		return nil, err
	}

	return &Result{Format: format, Records: n, Duration: time.Since(start)}, nil
}

func writeParquet(w io.Writer, records []Record) (int64, error) {
	writer := parquet.NewGenericWriter[Record](w)

	n, err := writer.Write(records)
	if err != nil {
		return int64(n), fmt.Errorf("failed to write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return int64(n), fmt.Errorf("failed to close parquet writer: %w", err)
	}

	return int64(n), nil
}

func writeCSV(w io.Writer, records []Record) (int64, error) {
	writer := csv.NewWriter(w)

	if err := writer.Write(csvHeader); err != nil {
		return 0, fmt.Errorf("failed to write CSV header: %w", err)
	}

	var n int64
	for _, r := range records {
		if err := writer.Write(r.csvRow()); err != nil {
			return n, fmt.Errorf("failed to write CSV record: %w", err)
		}
		n++
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return n, fmt.Errorf("failed to flush CSV: %w", err)
	}

	return n, nil
}

// writeJSON writes one JSON object per line
func writeJSON(w io.Writer, records []Record) (int64, error) {
	encoder := json.NewEncoder(w)

	var n int64
	for _, r := range records {
		if err := encoder.Encode(r); err != nil {
			return n, fmt.Errorf("failed to write JSON record: %w", err)
		}
		n++
	}

	return n, nil
}

func strconvInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
