package search

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/mnemosyne/pkg/config"
	"github.com/soundprediction/mnemosyne/pkg/crossencoder"
	"github.com/soundprediction/mnemosyne/pkg/driver"
	"github.com/soundprediction/mnemosyne/pkg/types"
)

// mapEmbedder returns preset vectors keyed by text, defaulting to a vector
// orthogonal to everything interesting.
type mapEmbedder struct {
	vectors map[string][]float32
	dim     int
}

func (m *mapEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i], _ = m.vector(text)
	}
	return out, nil
}

func (m *mapEmbedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	v, _ := m.vector(text)
	return v, nil
}

func (m *mapEmbedder) vector(text string) ([]float32, bool) {
	if v, ok := m.vectors[text]; ok {
		return v, true
	}
	v := make([]float32, m.dim)
	v[m.dim-1] = 1
	return v, false
}

func (m *mapEmbedder) Dimensions() int { return m.dim }
func (m *mapEmbedder) Close() error    { return nil }

func seedMemory(t *testing.T, d *driver.MemoryDriver, key, content string, embedding []float32, tags []string, validAt time.Time) {
	t.Helper()
	doc := map[string]any{
		"_key":       key,
		"content":    content,
		"created_at": validAt.Format(time.RFC3339Nano),
		"valid_at":   validAt.Format(time.RFC3339Nano),
	}
	if embedding != nil {
		emb := make([]any, len(embedding))
		for i, f := range embedding {
			emb[i] = float64(f)
		}
		doc["embedding"] = emb
	}
	if tags != nil {
		list := make([]any, len(tags))
		for i, tag := range tags {
			list[i] = tag
		}
		doc["tags"] = list
	}
	_, err := d.InsertDocument(context.Background(), types.CollMemories, doc)
	require.NoError(t, err)
}

func newTestSearcher(t *testing.T, emb *mapEmbedder) (*Searcher, *driver.MemoryDriver) {
	t.Helper()
	d := driver.NewMemoryDriver()
	ctx := context.Background()
	require.NoError(t, d.EnsureSchema(ctx))
	require.NoError(t, d.CreateSearchView(ctx, driver.ViewDefinition{
		Name:  MemoriesView,
		Links: map[string][]string{types.CollMemories: {"content", "summary"}},
	}))
	require.NoError(t, d.EnsureVectorIndex(ctx, types.CollMemories, "embedding", emb.dim, 1))
	s := NewSearcher(d, emb, config.SearchConfig{
		InitialK:     20,
		TopN:         10,
		ExpandFactor: 5,
		RRFK:         60,
		RerankTopK:   10,
	}, nil)
	return s, d
}

func TestBM25RanksByTermOverlap(t *testing.T) {
	emb := &mapEmbedder{dim: 2}
	s, d := newTestSearcher(t, emb)
	now := time.Now().UTC()
	seedMemory(t, d, "m1", "the alpha project deadline moved to friday", nil, nil, now)
	seedMemory(t, d, "m2", "dinner recipes for the weekend", nil, nil, now)
	seedMemory(t, d, "m3", "alpha launch review", nil, nil, now)

	res, err := s.BM25(context.Background(), "alpha project", Options{N: 5})
	require.NoError(t, err)
	assert.Equal(t, types.EngineBM25, res.Engine)
	require.GreaterOrEqual(t, res.Total, 2)
	assert.Equal(t, "m1", res.Results[0].Key(), "two matching terms outrank one")
	for _, r := range res.Results {
		assert.NotEqual(t, "m2", r.Key())
	}
}

func TestVectorTwoStageNormalizesScores(t *testing.T) {
	emb := &mapEmbedder{dim: 2, vectors: map[string][]float32{
		"query": {1, 0},
	}}
	s, d := newTestSearcher(t, emb)
	now := time.Now().UTC()
	seedMemory(t, d, "aligned", "a", []float32{1, 0}, nil, now)
	seedMemory(t, d, "opposed", "b", []float32{-1, 0}, nil, now)

	res, err := s.Vector(context.Background(), "query", Options{N: 5})
	require.NoError(t, err)
	assert.Equal(t, types.EngineVector, res.Engine)
	assert.False(t, res.Degraded)
	require.Equal(t, 2, res.Total)
	assert.Equal(t, "aligned", res.Results[0].Key())
	assert.InDelta(t, 1.0, res.Results[0].Score, 1e-6, "cosine 1 maps to 1")
	assert.InDelta(t, 0.0, res.Results[1].Score, 1e-6, "cosine -1 maps to 0")
}

func TestVectorStageTwoAppliesTagFilter(t *testing.T) {
	emb := &mapEmbedder{dim: 2, vectors: map[string][]float32{
		"query": {1, 0},
	}}
	s, d := newTestSearcher(t, emb)
	now := time.Now().UTC()
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("doc%02d", i)
		var tags []string
		if i < 5 {
			tags = []string{"work"}
		}
		seedMemory(t, d, key, "text", []float32{1, float32(i) * 0.01}, tags, now)
	}

	res, err := s.Vector(context.Background(), "query", Options{N: 5, Tags: []string{"work"}})
	require.NoError(t, err)
	require.Equal(t, 5, res.Total)
	for _, r := range res.Results {
		assert.Less(t, r.Key(), "doc05", "only tagged documents survive stage two")
	}
}

func TestVectorFallsBackToManualCosine(t *testing.T) {
	emb := &mapEmbedder{dim: 2, vectors: map[string][]float32{
		"query": {1, 0},
	}}
	s, d := newTestSearcher(t, emb)
	d.DisableVectorIndex(types.CollMemories, "embedding")
	now := time.Now().UTC()
	seedMemory(t, d, "m1", "a", []float32{1, 0}, nil, now)

	res, err := s.Vector(context.Background(), "query", Options{N: 5})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, types.EngineManualCosine, res.Engine)
	require.Equal(t, 1, res.Total)
	assert.Equal(t, "m1", res.Results[0].Key())
}

func TestVectorPointInTimeFilter(t *testing.T) {
	emb := &mapEmbedder{dim: 2, vectors: map[string][]float32{
		"query": {1, 0},
	}}
	s, d := newTestSearcher(t, emb)
	march := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	june := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	seedMemory(t, d, "old", "a", []float32{1, 0}, nil, march)
	seedMemory(t, d, "new", "b", []float32{1, 0}, nil, june)

	res, err := s.Vector(context.Background(), "query", Options{N: 5, At: march.Add(24 * time.Hour)})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	assert.Equal(t, "old", res.Results[0].Key())
}

func TestTagsMatchModes(t *testing.T) {
	emb := &mapEmbedder{dim: 2}
	s, d := newTestSearcher(t, emb)
	now := time.Now().UTC()
	seedMemory(t, d, "both", "a", nil, []string{"work", "urgent"}, now)
	seedMemory(t, d, "one", "b", nil, []string{"work"}, now)

	any, err := s.Tags(context.Background(), []string{"work", "urgent"}, Options{N: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, any.Total)

	all, err := s.Tags(context.Background(), []string{"work", "urgent"}, Options{N: 10, MatchAllTags: true})
	require.NoError(t, err)
	require.Equal(t, 1, all.Total)
	assert.Equal(t, "both", all.Results[0].Key())
}

func TestKeyword(t *testing.T) {
	emb := &mapEmbedder{dim: 2}
	s, d := newTestSearcher(t, emb)
	now := time.Now().UTC()
	seedMemory(t, d, "hit", "the quarterly budget review", nil, nil, now)
	seedMemory(t, d, "miss", "lunch plans", nil, nil, now)

	res, err := s.Keyword(context.Background(), "Budget", Options{N: 10})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	assert.Equal(t, "hit", res.Results[0].Key())
	assert.Equal(t, types.EngineKeyword, res.Engine)
}

func TestHybridFusesBothLegs(t *testing.T) {
	emb := &mapEmbedder{dim: 2, vectors: map[string][]float32{
		"alpha report": {1, 0},
	}}
	s, d := newTestSearcher(t, emb)
	now := time.Now().UTC()
	// lexonly matches the query text but has a useless embedding; veconly has
	// the aligned embedding but no matching terms; both matches both ways.
	seedMemory(t, d, "both", "alpha report summary", []float32{1, 0}, nil, now)
	seedMemory(t, d, "lexonly", "alpha report details", []float32{0, 1}, nil, now)
	seedMemory(t, d, "veconly", "unrelated text", []float32{0.99, 0.1}, nil, now)

	res, err := s.Hybrid(context.Background(), "alpha report", Options{N: 3})
	require.NoError(t, err)
	assert.Equal(t, types.EngineHybrid, res.Engine)
	require.GreaterOrEqual(t, res.Total, 3)
	assert.Equal(t, "both", res.Results[0].Key(), "document in both lists wins fusion")
}

func TestFuseRRFScores(t *testing.T) {
	a := types.SearchResult{Doc: map[string]any{"_key": "a"}, Engine: types.EngineBM25}
	b := types.SearchResult{Doc: map[string]any{"_key": "b"}, Engine: types.EngineBM25}
	aVec := types.SearchResult{Doc: map[string]any{"_key": "a"}, Engine: types.EngineVector}
	cVec := types.SearchResult{Doc: map[string]any{"_key": "c"}, Engine: types.EngineVector}

	fused := FuseRRF([][]types.SearchResult{{a, b}, {cVec, aVec}}, 60, 10)
	require.Len(t, fused, 3)
	assert.Equal(t, "a", fused[0].Key())
	// rank 1 in both lists with k=60: 1/61 + 1/62.
	assert.InDelta(t, 1.0/61+1.0/62, fused[0].Score, 1e-9)
	assert.Equal(t, 1, fused[0].Extras["rank_bm25"])
	assert.Equal(t, 2, fused[0].Extras["rank_vector"])
	// Singles score 1/61 or 1/62; ties and order fall out of score then key.
	assert.InDelta(t, 1.0/61, fused[1].Score, 1e-9)
}

func TestHybridRerankReplacesScores(t *testing.T) {
	emb := &mapEmbedder{dim: 2, vectors: map[string][]float32{
		"espresso machine": {1, 0},
	}}
	s, d := newTestSearcher(t, emb)
	s.cfg.RerankStrategy = StrategyReplace
	s.SetReranker(crossencoder.NewMockReranker())
	now := time.Now().UTC()
	// Keys chosen so the fusion tie-break favors the near match; only the
	// rerank stage can put the exact match first.
	seedMemory(t, d, "b-exact", "espresso machine descaling guide", []float32{0.5, 0.5}, nil, now)
	seedMemory(t, d, "a-near", "espresso tastes better lately", []float32{1, 0}, nil, now)

	res, err := s.Hybrid(context.Background(), "espresso machine", Options{N: 2, Rerank: true})
	require.NoError(t, err)
	require.Equal(t, 2, res.Total)
	assert.Equal(t, "b-exact", res.Results[0].Key(), "cross-encoder promotes the passage matching both query tokens")
}

func TestSearchTruncatesOnCancelledContext(t *testing.T) {
	emb := &mapEmbedder{dim: 2}
	s, d := newTestSearcher(t, emb)
	now := time.Now().UTC()
	seedMemory(t, d, "m1", "alpha beta", nil, nil, now)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := s.BM25(ctx, "alpha", Options{N: 5})
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Empty(t, res.Results)
}

func TestCombineScores(t *testing.T) {
	assert.Equal(t, 0.9, combineScores(0.2, 0.9, StrategyReplace, 0.5))
	assert.Equal(t, 0.9, combineScores(0.2, 0.9, StrategyMax, 0.5))
	assert.Equal(t, 0.2, combineScores(0.2, 0.9, StrategyMin, 0.5))
	assert.InDelta(t, 0.55, combineScores(0.2, 0.9, StrategyWeighted, 0.5), 1e-9)
}
