// Package llm is the boundary to the extraction and summarization model.
// Calls are wrapped with retry and circuit breaking; model output is
// repaired and validated before anything downstream sees it. The model is
// advisory: ingestion survives every failure in this package.
package llm

import (
	"context"
	"fmt"
	"time"
)

// Client is the minimal completion interface the engine needs.
type Client interface {
	// Complete sends a system and user prompt and returns the model text.
	Complete(ctx context.Context, system, user string) (string, error)

	// Close cleans up any resources.
	Close() error
}

// Provider identifies an LLM backend.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
)

// Config holds common LLM settings.
type Config struct {
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float32
	MaxTokens   int
}

// BreakerConfig holds circuit breaker settings for the LLM boundary.
type BreakerConfig struct {
	Enabled          bool
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	ReadyToTripRatio float64
}

// NewClient creates a client for the given provider, wrapped with retry and,
// when enabled, circuit breaking.
func NewClient(provider Provider, config *Config, breaker BreakerConfig) (Client, error) {
	var base Client
	var err error
	switch provider {
	case ProviderOpenAI:
		base, err = NewOpenAIClient(config)
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", provider)
	}
	if err != nil {
		return nil, err
	}

	client := Client(NewRetryClient(base, nil))
	if breaker.Enabled {
		client = NewCircuitBreakerClient(client, breaker, string(provider))
	}
	return client, nil
}
