package logger

import (
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/mnemosyne/pkg/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("info"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

func TestNewWithErrorDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "errors")
	log := New(config.LogConfig{Level: "info", Format: "text", ErrorDir: dir})
	require.NotNil(t, log)
	assert.DirExists(t, dir)
}

func TestNewDefault(t *testing.T) {
	log := NewDefault(slog.LevelDebug)
	require.NotNil(t, log)
	assert.True(t, log.Enabled(t.Context(), slog.LevelDebug))
}
