// Package embedder generates and caches text embeddings. All vectors leaving
// this package are L2-normalized and carry exactly the configured dimension;
// the cache is content-addressed so identical text never hits the model
// twice.
package embedder

import (
	"context"
	"fmt"

	"github.com/soundprediction/mnemosyne/pkg/types"
	"github.com/soundprediction/mnemosyne/pkg/vectormath"
)

// Client is the interface implemented by embedding backends.
type Client interface {
	// Embed generates embeddings for the given texts, one vector per text,
	// in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedSingle generates an embedding for a single text.
	EmbedSingle(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the vector dimension this backend produces.
	Dimensions() int

	// Close cleans up any resources.
	Close() error
}

// Config holds common embedding settings.
type Config struct {
	Model      string
	APIKey     string
	BaseURL    string
	Dimensions int
}

// Provider identifies an embedding backend.
type Provider string

const (
	ProviderOpenAI          Provider = "openai"
	ProviderEmbedEverything Provider = "embedeverything"
)

// NewClient creates an embedding client for the given provider.
func NewClient(provider Provider, config *Config) (Client, error) {
	switch provider {
	case ProviderOpenAI:
		return NewOpenAIClient(config)
	case ProviderEmbedEverything:
		return NewEmbedEverythingClient(config)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", provider)
	}
}

// conform normalizes a raw model vector and enforces the configured
// dimension. Everything persisted or compared downstream assumes unit-length
// vectors of one fixed size.
func conform(v []float32, want int) ([]float32, error) {
	if len(v) != want {
		return nil, &types.ValidationError{
			Field:  "embedding",
			Reason: fmt.Sprintf("dimension %d, expected %d", len(v), want),
		}
	}
	return vectormath.Normalize(v), nil
}
