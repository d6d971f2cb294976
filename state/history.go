package state

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/sluiceio/sluice/telemetry"
)

// HistoryRecord is one schema change as the engine records it. The DDL text
// is opaque to the relay; the database name is what the filter acts on.
type HistoryRecord struct {
	Source      map[string]string      `json:"source,omitempty"`
	Position    map[string]interface{} `json:"position,omitempty"`
	Database    string                 `json:"databaseName,omitempty"`
	DDL         string                 `json:"ddl,omitempty"`
	TimestampMS int64                  `json:"ts_ms,omitempty"`
}

// SchemaHistory is an append-only record of schema changes, one JSON document
// per line. Records for databases other than the configured one are dropped
// on append, so history from a shared source server stays scoped to the
// captured database. With compression enabled every append is its own gzip
// member; readers consume the concatenated stream transparently.
type SchemaHistory struct {
	path     string
	database string // empty keeps everything
	compress bool

	mu sync.Mutex
}

// NewSchemaHistory creates a schema history at path, filtered to database.
func NewSchemaHistory(path, database string, compress bool) *SchemaHistory {
	return &SchemaHistory{
		path:     path,
		database: database,
		compress: compress,
	}
}

// Path returns the history file location, as handed to engine properties.
func (h *SchemaHistory) Path() string {
	return h.path
}

// Exists reports whether any history has been recorded yet.
func (h *SchemaHistory) Exists() (bool, error) {
	info, err := os.Stat(h.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Size() > 0, nil
}

// Append records one schema change. Records for other databases are skipped.
func (h *SchemaHistory) Append(rec HistoryRecord) error {
	if h.database != "" && rec.Database != "" && rec.Database != h.database {
		telemetry.HistoryRecordsSkippedTotal.Inc()
		return nil
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode history record: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open history file: %w", err)
	}
	defer f.Close()

	if h.compress {
		gz := gzip.NewWriter(f)
		if _, err := gz.Write(append(line, '\n')); err != nil {
			gz.Close()
			return fmt.Errorf("failed to write history record: %w", err)
		}
		if err := gz.Close(); err != nil {
			return fmt.Errorf("failed to flush history record: %w", err)
		}
	} else {
		if _, err := f.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("failed to write history record: %w", err)
		}
	}

	telemetry.HistoryRecordsTotal.Inc()
	return nil
}

// Records reads the full history in append order, skipping blank lines.
func (h *SchemaHistory) Records() ([]HistoryRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.Open(h.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}
	defer f.Close()

	var reader io.Reader = f
	if h.compress {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read compressed history: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	var records []HistoryRecord
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var rec HistoryRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode history record: %w", err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history file: %w", err)
	}

	return records, nil
}
