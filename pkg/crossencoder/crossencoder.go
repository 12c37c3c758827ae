// Package crossencoder scores passages against a query for the rerank stage
// of retrieval. The embedding provider approximates a cross-encoder with
// bi-encoder cosine similarity; the mock provider gives deterministic scores
// for tests.
package crossencoder

import (
	"context"
	"fmt"

	"github.com/soundprediction/mnemosyne/pkg/embedder"
	"github.com/soundprediction/mnemosyne/pkg/llm"
)

// RankedPassage is a passage with its relevance score, higher is better.
type RankedPassage struct {
	Passage string  `json:"passage"`
	Score   float64 `json:"score"`
}

// Reranker ranks passages by relevance to a query. Implementations return
// all passages sorted by score descending.
type Reranker interface {
	Rank(ctx context.Context, query string, passages []string) ([]RankedPassage, error)
	Close() error
}

// Provider identifies a reranker backend.
type Provider string

const (
	// ProviderOpenAI scores each passage with a boolean relevance prompt.
	ProviderOpenAI Provider = "openai"

	// ProviderEmbedding scores passages by cosine similarity of embeddings.
	ProviderEmbedding Provider = "embedding"

	// ProviderMock scores passages by token overlap, for tests.
	ProviderMock Provider = "mock"
)

// Config holds common reranker settings.
type Config struct {
	// MaxConcurrency bounds concurrent scoring calls for API-backed rerankers.
	MaxConcurrency int
}

// ClientConfig selects and configures a reranker backend.
type ClientConfig struct {
	Provider Provider
	Config   Config

	// LLMClient is required for the openai provider.
	LLMClient llm.Client

	// EmbedderClient is required for the embedding provider.
	EmbedderClient embedder.Client
}

// NewClient creates a reranker for the given provider.
func NewClient(cfg ClientConfig) (Reranker, error) {
	switch cfg.Provider {
	case ProviderOpenAI:
		if cfg.LLMClient == nil {
			return nil, fmt.Errorf("openai reranker requires an llm client")
		}
		return NewOpenAIReranker(cfg.LLMClient, cfg.Config), nil
	case ProviderEmbedding:
		if cfg.EmbedderClient == nil {
			return nil, fmt.Errorf("embedding reranker requires an embedder client")
		}
		return NewEmbeddingReranker(cfg.EmbedderClient), nil
	case ProviderMock:
		return NewMockReranker(), nil
	default:
		return nil, fmt.Errorf("unsupported reranker provider: %s", cfg.Provider)
	}
}
