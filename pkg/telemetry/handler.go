// Package telemetry persists error-level log records to parquet files so
// failures in background work (extraction, invalidation, view maintenance)
// survive process restarts and can be queried offline.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
)

// ErrorRecord is one persisted log entry.
type ErrorRecord struct {
	ID         string    `parquet:"id"`
	Timestamp  time.Time `parquet:"timestamp"`
	Level      string    `parquet:"level"`
	Message    string    `parquet:"message"`
	SourceFile string    `parquet:"source_file"`
	LineNumber int       `parquet:"line_number"`
	// Attributes holds the record's key/value pairs as a JSON string.
	Attributes string `parquet:"attributes"`
}

// ParquetHandler is a slog.Handler that forwards every record to the next
// handler and additionally buffers error-level records, flushing them to a
// new parquet file each time the buffer fills.
type ParquetHandler struct {
	next      slog.Handler
	outputDir string
	batchSize int

	mu     sync.Mutex
	buffer []ErrorRecord
}

const defaultBatchSize = 100

// NewParquetHandler wraps next with parquet persistence under outputDir.
func NewParquetHandler(next slog.Handler, outputDir string) (*ParquetHandler, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating telemetry directory: %w", err)
	}
	return &ParquetHandler{
		next:      next,
		outputDir: outputDir,
		batchSize: defaultBatchSize,
		buffer:    make([]ErrorRecord, 0, defaultBatchSize),
	}, nil
}

func (h *ParquetHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *ParquetHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.next.Handle(ctx, r); err != nil {
		return err
	}
	if r.Level < slog.LevelError {
		return nil
	}

	attrs := make(map[string]any)
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})
	attrsJSON, _ := json.Marshal(attrs)

	frames := runtime.CallersFrames([]uintptr{r.PC})
	frame, _ := frames.Next()

	record := ErrorRecord{
		ID:         uuid.NewString(),
		Timestamp:  r.Time.UTC(),
		Level:      r.Level.String(),
		Message:    r.Message,
		SourceFile: frame.File,
		LineNumber: frame.Line,
		Attributes: string(attrsJSON),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.buffer = append(h.buffer, record)
	if len(h.buffer) >= h.batchSize {
		return h.flush()
	}
	return nil
}

// Flush writes any buffered records out immediately. Call on shutdown.
func (h *ParquetHandler) Flush() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.flush()
}

// flush writes the buffer to a fresh parquet file. Caller holds the lock.
func (h *ParquetHandler) flush() error {
	if len(h.buffer) == 0 {
		return nil
	}
	name := fmt.Sprintf("errors_%s_%d.parquet",
		time.Now().UTC().Format("20060102_150405"), time.Now().UnixNano())
	if err := parquet.WriteFile(filepath.Join(h.outputDir, name), h.buffer); err != nil {
		return fmt.Errorf("writing telemetry parquet: %w", err)
	}
	h.buffer = h.buffer[:0]
	return nil
}

// WithAttrs implements slog.Handler. Child handlers batch independently.
func (h *ParquetHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ParquetHandler{
		next:      h.next.WithAttrs(attrs),
		outputDir: h.outputDir,
		batchSize: h.batchSize,
		buffer:    make([]ErrorRecord, 0, h.batchSize),
	}
}

// WithGroup implements slog.Handler.
func (h *ParquetHandler) WithGroup(name string) slog.Handler {
	return &ParquetHandler{
		next:      h.next.WithGroup(name),
		outputDir: h.outputDir,
		batchSize: h.batchSize,
		buffer:    make([]ErrorRecord, 0, h.batchSize),
	}
}
