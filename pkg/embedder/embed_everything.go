package embedder

import (
	"context"
	"fmt"

	embedeverything "github.com/soundprediction/go-embedeverything/pkg/embedder"

	"github.com/soundprediction/mnemosyne/pkg/types"
)

// EmbedEverythingClient implements Client on a local EmbedEverything model.
type EmbedEverythingClient struct {
	client *embedeverything.Embedder
	config *Config
}

// NewEmbedEverythingClient creates a local embedding client.
func NewEmbedEverythingClient(config *Config) (*EmbedEverythingClient, error) {
	client, err := embedeverything.NewEmbedder(config.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	return &EmbedEverythingClient{
		client: client,
		config: config,
	}, nil
}

func (e *EmbedEverythingClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	// go-embedeverything does not support context yet
	embeddings, err := e.client.Embed(texts)
	if err != nil {
		return nil, &types.ExternalUnavailableError{Service: "embedeverything", Err: err}
	}
	out := make([][]float32, len(embeddings))
	for i, v := range embeddings {
		conformed, err := conform(v, e.config.Dimensions)
		if err != nil {
			return nil, err
		}
		out[i] = conformed
	}
	return out, nil
}

func (e *EmbedEverythingClient) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	return embeddings[0], nil
}

func (e *EmbedEverythingClient) Dimensions() int {
	return e.config.Dimensions
}

func (e *EmbedEverythingClient) Close() error {
	e.client.Close()
	return nil
}
