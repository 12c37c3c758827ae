package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryConfig(maxRetries int) *RetryConfig {
	return &RetryConfig{
		MaxRetries:        maxRetries,
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestRetryClientRecoversFromTransientFailure(t *testing.T) {
	stub := &stubClient{
		errs:      []error{errors.New("429 too many requests"), nil},
		responses: []string{"", "ok"},
	}
	rc := NewRetryClient(stub, fastRetryConfig(3))

	text, err := rc.Complete(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, 2, stub.calls)
}

func TestRetryClientStopsOnPermanentError(t *testing.T) {
	stub := &stubClient{
		errs: []error{errors.New("invalid api key")},
	}
	rc := NewRetryClient(stub, fastRetryConfig(3))

	_, err := rc.Complete(context.Background(), "sys", "user")
	require.Error(t, err)
	assert.Equal(t, 1, stub.calls, "permanent errors must not be retried")
}

func TestRetryClientExhaustsRetries(t *testing.T) {
	stub := &stubClient{
		errs: []error{
			errors.New("503 service unavailable"),
			errors.New("503 service unavailable"),
			errors.New("503 service unavailable"),
		},
	}
	rc := NewRetryClient(stub, fastRetryConfig(2))

	_, err := rc.Complete(context.Background(), "sys", "user")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 retries")
	assert.Equal(t, 3, stub.calls)
}

func TestRetryClientHonorsContextDuringBackoff(t *testing.T) {
	stub := &stubClient{
		errs: []error{errors.New("timeout"), errors.New("timeout")},
	}
	rc := NewRetryClient(stub, &RetryConfig{
		MaxRetries:        3,
		InitialDelay:      time.Hour,
		MaxDelay:          time.Hour,
		BackoffMultiplier: 2.0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := rc.Complete(ctx, "sys", "user")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, stub.calls)
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, isRetryableError(errors.New("rate limit exceeded")))
	assert.True(t, isRetryableError(errors.New("unexpected EOF")))
	assert.True(t, isRetryableError(errors.New("upstream returned 502")))
	assert.False(t, isRetryableError(errors.New("model not found")))
	assert.False(t, isRetryableError(nil))
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	failing := &stubClient{errs: []error{
		errors.New("boom"), errors.New("boom"), errors.New("boom"),
		errors.New("boom"), errors.New("boom"), errors.New("boom"),
	}}
	cb := NewCircuitBreakerClient(failing, BreakerConfig{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          time.Minute,
		ReadyToTripRatio: 0.5,
	}, "test")

	for i := 0; i < 3; i++ {
		_, err := cb.Complete(context.Background(), "sys", "user")
		require.Error(t, err)
	}
	calls := failing.calls

	// Breaker is open now; the underlying client must not be reached.
	_, err := cb.Complete(context.Background(), "sys", "user")
	require.Error(t, err)
	assert.Equal(t, calls, failing.calls)
}

func TestCircuitBreakerPassesThroughSuccess(t *testing.T) {
	stub := &stubClient{responses: []string{"fine"}}
	cb := NewCircuitBreakerClient(stub, BreakerConfig{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          time.Minute,
		ReadyToTripRatio: 0.6,
	}, "test")

	text, err := cb.Complete(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, "fine", text)
}
