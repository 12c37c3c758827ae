package embedder

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/soundprediction/mnemosyne/pkg/types"
)

// OpenAIClient implements Client against the OpenAI embeddings API.
type OpenAIClient struct {
	client *openai.Client
	config *Config
}

// NewOpenAIClient creates an OpenAI-backed embedding client.
func NewOpenAIClient(config *Config) (*OpenAIClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("openai embedder requires an API key")
	}
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
	}, nil
}

func (c *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(c.config.Model),
		Dimensions: c.config.Dimensions,
	})
	if err != nil {
		return nil, &types.ExternalUnavailableError{Service: "openai-embeddings", Err: err}
	}
	if len(resp.Data) != len(texts) {
		return nil, &types.ExternalUnavailableError{
			Service: "openai-embeddings",
			Err:     fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data)),
		}
	}
	out := make([][]float32, len(resp.Data))
	for i, item := range resp.Data {
		v, err := conform(item.Embedding, c.config.Dimensions)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (c *OpenAIClient) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	return embeddings[0], nil
}

func (c *OpenAIClient) Dimensions() int {
	return c.config.Dimensions
}

func (c *OpenAIClient) Close() error { return nil }
