package telemetry

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T) (*ParquetHandler, string) {
	t.Helper()
	dir := t.TempDir()
	h, err := NewParquetHandler(slog.NewTextHandler(io.Discard, nil), dir)
	require.NoError(t, err)
	return h, dir
}

func TestHandlerPersistsErrorRecords(t *testing.T) {
	h, dir := newTestHandler(t)
	logger := slog.New(h)

	logger.Error("extraction failed", "conversation_id", "c1")
	logger.Info("this one is not persisted")
	require.NoError(t, h.Flush())

	files, err := filepath.Glob(filepath.Join(dir, "errors_*.parquet"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	rows, err := parquet.ReadFile[ErrorRecord](files[0])
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "extraction failed", rows[0].Message)
	assert.Equal(t, "ERROR", rows[0].Level)
	assert.Contains(t, rows[0].Attributes, "conversation_id")
	assert.NotEmpty(t, rows[0].ID)
}

func TestHandlerFlushWithEmptyBuffer(t *testing.T) {
	h, dir := newTestHandler(t)
	require.NoError(t, h.Flush())

	files, err := filepath.Glob(filepath.Join(dir, "*.parquet"))
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestHandlerBatchFlush(t *testing.T) {
	h, dir := newTestHandler(t)
	h.batchSize = 2
	logger := slog.New(h)

	logger.Error("first")
	files, _ := filepath.Glob(filepath.Join(dir, "*.parquet"))
	assert.Empty(t, files, "below batch size, nothing written yet")

	logger.Error("second")
	files, err := filepath.Glob(filepath.Join(dir, "*.parquet"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestHandlerForwardsToNext(t *testing.T) {
	h, _ := newTestHandler(t)
	assert.True(t, h.Enabled(context.Background(), slog.LevelInfo))
}
