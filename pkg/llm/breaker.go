package llm

import (
	"context"
	"log/slog"

	"github.com/sony/gobreaker"
)

// CircuitBreakerClient wraps a Client with circuit breaking so a failing
// model stops receiving traffic until it recovers.
type CircuitBreakerClient struct {
	client Client
	cb     *gobreaker.CircuitBreaker
	name   string
}

// NewCircuitBreakerClient creates a new circuit breaker wrapper.
func NewCircuitBreakerClient(client Client, cfg BreakerConfig, name string) *CircuitBreakerClient {
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= cfg.ReadyToTripRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Warn("llm circuit breaker state change",
				"name", name, "from", from.String(), "to", to.String())
		},
	}
	return &CircuitBreakerClient{
		client: client,
		cb:     gobreaker.NewCircuitBreaker(st),
		name:   name,
	}
}

// Complete implements Client.
func (c *CircuitBreakerClient) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.cb.Execute(func() (interface{}, error) {
		return c.client.Complete(ctx, system, user)
	})
	if err != nil {
		return "", err
	}
	return resp.(string), nil
}

// Close implements Client.
func (c *CircuitBreakerClient) Close() error {
	return c.client.Close()
}
