package driver

import (
	"context"
	"strings"
	"time"

	"github.com/soundprediction/mnemosyne/pkg/types"
)

// retryConfig bounds the transient-error retry loop.
type retryConfig struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

func defaultRetryConfig(maxRetries int) retryConfig {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return retryConfig{
		MaxRetries:        maxRetries,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// isTransient reports whether a storage failure is worth retrying.
// Connection resets, timeouts, and write-write conflicts are transient;
// schema and query errors are not.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if types.IsDeadlineExceeded(err) {
		// The caller's deadline is spent; retrying cannot help.
		return false
	}
	msg := strings.ToLower(err.Error())
	patterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"timeout",
		"timed out",
		"temporarily unavailable",
		"conflict",
		"eof",
		"no route to host",
		"service unavailable",
		"too many requests",
		"cluster backend unavailable",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// withRetry runs fn, retrying transient failures with exponential backoff.
// The final error is classified as transient or permanent for the caller.
func withRetry(ctx context.Context, cfg retryConfig, op string, fn func() error) error {
	delay := cfg.InitialDelay
	var err error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return classify(op, err)
		}
	}
	return &types.TransientStorageError{Op: op, Err: err}
}

// classify wraps a non-retryable failure, preserving typed errors that
// already carry meaning.
func classify(op string, err error) error {
	switch err.(type) {
	case *types.NotFoundError, *types.ValidationError, *types.InvariantViolationError:
		return err
	}
	if types.IsDeadlineExceeded(err) {
		return err
	}
	return &types.PermanentStorageError{Op: op, Err: err}
}
