// Package logger builds the process slog.Logger from configuration.
package logger

import (
	"log/slog"
	"os"

	"github.com/soundprediction/mnemosyne/pkg/config"
	"github.com/soundprediction/mnemosyne/pkg/telemetry"
)

// New builds a logger per the configured level and format. When ErrorDir is
// set, error-level records are additionally persisted to parquet via the
// telemetry handler.
func New(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	if cfg.ErrorDir != "" {
		wrapped, err := telemetry.NewParquetHandler(handler, cfg.ErrorDir)
		if err != nil {
			slog.New(handler).Warn("telemetry handler disabled", "dir", cfg.ErrorDir, "error", err)
		} else {
			handler = wrapped
		}
	}
	return slog.New(handler)
}

// NewDefault builds a plain text logger at the given level. Convenient for
// tests and examples.
func NewDefault(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
