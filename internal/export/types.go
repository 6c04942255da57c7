package export

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/raaihank/input-sentinel/internal/audit"
)

// Format is an export file format
type Format string

const (
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
	FormatJSON    Format = "json"
)

// ParseFormat validates a format name
func ParseFormat(s string) (Format, bool) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatParquet, FormatJSON:
		return f, true
	default:
		return "", false
	}
}

// DetectFormat picks a format from a file extension, defaulting to CSV
func DetectFormat(filename string) Format {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".parquet":
		return FormatParquet
	case ".json", ".ndjson", ".jsonl":
		return FormatJSON
	default:
		return FormatCSV
	}
}

// Record is the flat row written for each audit event
type Record struct {
	ID        int64  `csv:"id" parquet:"id" json:"id"`
	CreatedAt string `csv:"created_at" parquet:"created_at" json:"created_at"`
	RequestID string `csv:"request_id" parquet:"request_id" json:"request_id"`
	Kind      string `csv:"kind" parquet:"kind" json:"kind"`
	ClientIP  string `csv:"client_ip" parquet:"client_ip" json:"client_ip"`
	Method    string `csv:"method" parquet:"method" json:"method"`
	Path      string `csv:"path" parquet:"path" json:"path"`
	Source    string `csv:"source" parquet:"source" json:"source"`
	Parameter string `csv:"parameter" parquet:"parameter" json:"parameter"`
	Field     string `csv:"field" parquet:"field" json:"field"`
	Pattern   string `csv:"pattern" parquet:"pattern" json:"pattern"`
	Original  string `csv:"original_value" parquet:"original_value" json:"original_value"`
	Rewritten string `csv:"rewritten_value" parquet:"rewritten_value" json:"rewritten_value"`
	Mode      string `csv:"mode" parquet:"mode" json:"mode"`
}

var csvHeader = []string{
	"id", "created_at", "request_id", "kind", "client_ip", "method", "path",
	"source", "parameter", "field", "pattern", "original_value", "rewritten_value", "mode",
}

func (r Record) csvRow() []string {
	return []string{
		strconvInt(r.ID), r.CreatedAt, r.RequestID, r.Kind, r.ClientIP, r.Method, r.Path,
		r.Source, r.Parameter, r.Field, r.Pattern, r.Original, r.Rewritten, r.Mode,
	}
}

// NewRecord flattens an audit event
func NewRecord(e *audit.Event) Record {
	return Record{
		ID:        e.ID,
		CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
		RequestID: e.RequestID,
		Kind:      string(e.Kind),
		ClientIP:  e.ClientIP,
		Method:    e.Method,
		Path:      e.Path,
		Source:    e.Source,
		Parameter: e.Parameter,
		Field:     e.Field,
		Pattern:   e.Pattern,
		Original:  e.Original,
		Rewritten: e.Rewritten,
		Mode:      e.Mode,
	}
}

// Result summarizes an export run
type Result struct {
	Format   Format        `json:"format"`
	Records  int64         `json:"records"`
	Duration time.Duration `json:"duration"`
}
