package llm

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/soundprediction/mnemosyne/pkg/types"
)

// OpenAIClient implements Client against the OpenAI chat API.
type OpenAIClient struct {
	client *openai.Client
	config *Config
}

// NewOpenAIClient creates an OpenAI-backed client.
func NewOpenAIClient(config *Config) (*OpenAIClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("openai llm requires an API key")
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

func (c *OpenAIClient) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.config.Model,
		Temperature: c.config.Temperature,
		MaxTokens:   c.config.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", &types.ExternalUnavailableError{Service: "openai-llm", Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &types.ExternalUnavailableError{
			Service: "openai-llm",
			Err:     fmt.Errorf("empty response"),
		}
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAIClient) Close() error { return nil }
