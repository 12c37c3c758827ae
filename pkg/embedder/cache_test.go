package embedder

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingClient records how many texts reach the backend.
type countingClient struct {
	mu    sync.Mutex
	calls int
	dim   int
}

func (c *countingClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	c.mu.Lock()
	c.calls += len(texts)
	c.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, c.dim)
		// Deterministic per-text vector.
		for j := range v {
			v[j] = float32((len(text)+j)%7) + 1
		}
		out[i] = v
	}
	return out, nil
}

func (c *countingClient) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	vs, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

func (c *countingClient) Dimensions() int { return c.dim }
func (c *countingClient) Close() error    { return nil }

func (c *countingClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newCache(t *testing.T, inner Client, size int) *CachedClient {
	t.Helper()
	c, err := NewCachedClient(inner, "test-model", CacheOptions{Size: size})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCacheServesRepeats(t *testing.T) {
	inner := &countingClient{dim: 4}
	cache := newCache(t, inner, 100)
	ctx := context.Background()

	first, err := cache.EmbedSingle(ctx, "hello world")
	require.NoError(t, err)
	second, err := cache.EmbedSingle(ctx, "hello world")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.callCount())
	assert.InDelta(t, 0.5, cache.HitRate(), 1e-9)
}

func TestCacheNormalizesWhitespace(t *testing.T) {
	inner := &countingClient{dim: 4}
	cache := newCache(t, inner, 100)
	ctx := context.Background()

	_, err := cache.EmbedSingle(ctx, "hello   world")
	require.NoError(t, err)
	_, err = cache.EmbedSingle(ctx, "  hello world  ")
	require.NoError(t, err)

	assert.Equal(t, 1, inner.callCount(), "whitespace variants address the same entry")
}

func TestCacheKeyIncludesModel(t *testing.T) {
	inner := &countingClient{dim: 4}
	a, err := NewCachedClient(inner, "model-a", CacheOptions{Size: 10})
	require.NoError(t, err)
	b, err := NewCachedClient(inner, "model-b", CacheOptions{Size: 10})
	require.NoError(t, err)
	assert.NotEqual(t, a.cacheKey("same text"), b.cacheKey("same text"))
}

func TestCacheBatchMixesHitsAndMisses(t *testing.T) {
	inner := &countingClient{dim: 4}
	cache := newCache(t, inner, 100)
	ctx := context.Background()

	_, err := cache.Embed(ctx, []string{"a", "b"})
	require.NoError(t, err)
	out, err := cache.Embed(ctx, []string{"a", "c", "b"})
	require.NoError(t, err)

	require.Len(t, out, 3)
	for _, v := range out {
		assert.Len(t, v, 4)
	}
	assert.Equal(t, 3, inner.callCount(), "only c should reach the backend on the second call")
}

func TestCacheEviction(t *testing.T) {
	inner := &countingClient{dim: 2}
	// One entry per shard forces evictions within a shard quickly.
	cache := newCache(t, inner, cacheShards)
	ctx := context.Background()

	texts := []string{"one", "two", "three", "four", "five", "six", "seven", "eight"}
	for _, text := range texts {
		_, err := cache.EmbedSingle(ctx, text)
		require.NoError(t, err)
	}
	// Re-embedding everything may miss evicted entries but must never error
	// or return a wrong-size vector.
	for _, text := range texts {
		v, err := cache.EmbedSingle(ctx, text)
		require.NoError(t, err)
		assert.Len(t, v, 2)
	}
}

func TestPersistentTierSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	inner := &countingClient{dim: 4}

	cache, err := NewCachedClient(inner, "test-model", CacheOptions{Size: 10, Path: dir})
	require.NoError(t, err)
	first, err := cache.EmbedSingle(context.Background(), "durable text")
	require.NoError(t, err)
	require.NoError(t, cache.Close())

	reopened, err := NewCachedClient(inner, "test-model", CacheOptions{Size: 10, Path: dir})
	require.NoError(t, err)
	defer reopened.Close()
	second, err := reopened.EmbedSingle(context.Background(), "durable text")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.callCount(), "reopen must serve from the persistent tier")
}
