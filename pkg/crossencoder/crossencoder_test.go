package crossencoder

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockRerankerOrdersByOverlap(t *testing.T) {
	r := NewMockReranker()
	defer r.Close()

	ranked, err := r.Rank(context.Background(), "machine learning algorithms", []string{
		"cooking recipes for dinner",
		"machine learning algorithms in production",
		"machine learning overview",
	})
	require.NoError(t, err)
	require.Len(t, ranked, 3)
	assert.Equal(t, "machine learning algorithms in production", ranked[0].Passage)
	assert.Equal(t, "machine learning overview", ranked[1].Passage)
	assert.Equal(t, "cooking recipes for dinner", ranked[2].Passage)
	for i := 1; i < len(ranked); i++ {
		assert.GreaterOrEqual(t, ranked[i-1].Score, ranked[i].Score)
	}
}

func TestMockRerankerEmptyInput(t *testing.T) {
	r := NewMockReranker()
	ranked, err := r.Rank(context.Background(), "query", nil)
	require.NoError(t, err)
	assert.Empty(t, ranked)
}

// fixedEmbedder returns preset vectors keyed by text.
type fixedEmbedder struct {
	vectors map[string][]float32
}

func (f *fixedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = f.vectors[text]
	}
	return out, nil
}

func (f *fixedEmbedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	return f.vectors[text], nil
}

func (f *fixedEmbedder) Dimensions() int { return 2 }
func (f *fixedEmbedder) Close() error    { return nil }

func TestEmbeddingRerankerScoresAndNormalizes(t *testing.T) {
	emb := &fixedEmbedder{vectors: map[string][]float32{
		"query":     {1, 0},
		"aligned":   {1, 0},
		"partial":   {0.7071, 0.7071},
		"unrelated": {0, 1},
	}}
	r := NewEmbeddingReranker(emb)

	ranked, err := r.Rank(context.Background(), "query", []string{"unrelated", "aligned", "partial"})
	require.NoError(t, err)
	require.Len(t, ranked, 3)
	assert.Equal(t, "aligned", ranked[0].Passage)
	assert.InDelta(t, 1.0, ranked[0].Score, 1e-9)
	assert.Equal(t, "partial", ranked[1].Passage)
	assert.Equal(t, "unrelated", ranked[2].Passage)
	assert.InDelta(t, 0.0, ranked[2].Score, 1e-9)
}

// scriptedLLM answers relevance prompts based on passage content.
type scriptedLLM struct{}

func (s *scriptedLLM) Complete(ctx context.Context, system, user string) (string, error) {
	if strings.Contains(strings.ToLower(user), "relevant passage") {
		return "True", nil
	}
	return "False", nil
}

func (s *scriptedLLM) Close() error { return nil }

func TestOpenAIRerankerClassifies(t *testing.T) {
	r := NewOpenAIReranker(&scriptedLLM{}, Config{MaxConcurrency: 2})

	ranked, err := r.Rank(context.Background(), "anything", []string{
		"some noise",
		"a relevant passage about the topic",
		"more noise",
	})
	require.NoError(t, err)
	require.Len(t, ranked, 3)
	assert.Equal(t, "a relevant passage about the topic", ranked[0].Passage)
	assert.InDelta(t, 0.8, ranked[0].Score, 1e-9)
	assert.InDelta(t, 0.2, ranked[1].Score, 1e-9)
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(ClientConfig{Provider: ProviderOpenAI})
	assert.Error(t, err)

	_, err = NewClient(ClientConfig{Provider: ProviderEmbedding})
	assert.Error(t, err)

	r, err := NewClient(ClientConfig{Provider: ProviderMock})
	require.NoError(t, err)
	assert.NotNil(t, r)

	_, err = NewClient(ClientConfig{Provider: Provider("bogus")})
	assert.Error(t, err)
}
