package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/mnemosyne/pkg/types"
)

func newTestDriver(t *testing.T) *MemoryDriver {
	t.Helper()
	d := NewMemoryDriver()
	require.NoError(t, d.EnsureSchema(context.Background()))
	return d
}

func TestInsertAndGetDocument(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	msg := types.Message{
		Role:           types.RoleUser,
		Content:        "I moved to Lisbon last month",
		ConversationID: "conv-1",
		Stamp:          types.NewStamp(time.Now(), time.Time{}),
	}
	key, err := d.InsertDocument(ctx, types.CollMessages, &msg)
	require.NoError(t, err)
	require.NotEmpty(t, key)

	var got types.Message
	require.NoError(t, d.GetDocument(ctx, types.CollMessages, key, &got))
	assert.Equal(t, "I moved to Lisbon last month", got.Content)
	assert.Equal(t, types.RoleUser, got.Role)
}

func TestGetDocumentNotFound(t *testing.T) {
	d := newTestDriver(t)
	var out map[string]any
	err := d.GetDocument(context.Background(), types.CollMessages, "missing", &out)
	var nf *types.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestInvalidateDocumentFirstWriterWins(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	rel := types.Relationship{
		From:       types.EntityDocID("alice"),
		To:         types.EntityDocID("acme"),
		Type:       "WORKS_FOR",
		Rationale:  "Alice stated she joined Acme as a staff engineer in March.",
		Confidence: 0.9,
		Stamp:      types.NewStamp(time.Now(), time.Time{}),
	}
	key, err := d.InsertDocument(ctx, types.CollRelationships, &rel)
	require.NoError(t, err)

	t1 := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	won, err := d.InvalidateDocument(ctx, types.CollRelationships, key, t1, "edge-2")
	require.NoError(t, err)
	assert.True(t, won)

	// Second invalidation loses and must not rewrite the timestamp.
	t2 := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	won, err = d.InvalidateDocument(ctx, types.CollRelationships, key, t2, "edge-3")
	require.NoError(t, err)
	assert.False(t, won)

	var got types.Relationship
	require.NoError(t, d.GetDocument(ctx, types.CollRelationships, key, &got))
	require.NotNil(t, got.InvalidAt)
	assert.True(t, got.InvalidAt.Equal(t1))
	assert.Equal(t, "edge-2", got.InvalidatedBy)
}

func TestInvalidateDocumentConcurrent(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	rel := types.Relationship{
		From:       types.EntityDocID("alice"),
		To:         types.EntityDocID("acme"),
		Type:       "WORKS_FOR",
		Rationale:  "Alice stated she joined Acme as a staff engineer in March.",
		Confidence: 0.9,
		Stamp:      types.NewStamp(time.Now(), time.Time{}),
	}
	key, err := d.InsertDocument(ctx, types.CollRelationships, &rel)
	require.NoError(t, err)

	const racers = 16
	var wins int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			won, err := d.InvalidateDocument(ctx, types.CollRelationships, key,
				time.Now().Add(time.Duration(i)*time.Millisecond), fmt.Sprintf("racer-%d", i))
			if err == nil && won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(1), wins, "exactly one invalidator must win")
}

func TestValidEdgesFromPointInTime(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	mar := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	jun := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	old := types.Relationship{
		From:       types.EntityDocID("alice"),
		To:         types.EntityDocID("acme"),
		Type:       "WORKS_FOR",
		Rationale:  "Alice stated she joined Acme as a staff engineer in March.",
		Confidence: 0.9,
		Stamp:      types.Stamp{CreatedAt: mar, ValidAt: mar, InvalidAt: &jun},
	}
	current := types.Relationship{
		From:       types.EntityDocID("alice"),
		To:         types.EntityDocID("globex"),
		Type:       "WORKS_FOR",
		Rationale:  "Alice mentioned she left Acme and started at Globex in June.",
		Confidence: 0.9,
		Stamp:      types.Stamp{CreatedAt: jun, ValidAt: jun},
	}
	_, err := d.InsertDocument(ctx, types.CollRelationships, &old)
	require.NoError(t, err)
	_, err = d.InsertDocument(ctx, types.CollRelationships, &current)
	require.NoError(t, err)

	// In April only the Acme edge is believed.
	apr := time.Date(2025, 4, 15, 0, 0, 0, 0, time.UTC)
	edges, err := d.ValidEdgesFrom(ctx, types.EntityDocID("alice"), "WORKS_FOR", apr)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, types.EntityDocID("acme"), edges[0].To)

	// In July only the Globex edge is believed.
	jul := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	edges, err = d.ValidEdgesFrom(ctx, types.EntityDocID("alice"), "WORKS_FOR", jul)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, types.EntityDocID("globex"), edges[0].To)
}

func TestLastMessageKey(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	key, err := d.LastMessageKey(ctx, "conv-1")
	require.NoError(t, err)
	assert.Empty(t, key)

	base := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	var lastKey string
	for i := 0; i < 3; i++ {
		msg := types.Message{
			Role:           types.RoleUser,
			Content:        fmt.Sprintf("turn %d", i),
			ConversationID: "conv-1",
			Stamp:          types.NewStamp(base.Add(time.Duration(i)*time.Minute), time.Time{}),
		}
		lastKey, err = d.InsertDocument(ctx, types.CollMessages, &msg)
		require.NoError(t, err)
	}

	key, err = d.LastMessageKey(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, lastKey, key)
}

func TestVectorCandidatesRequiresIndex(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	q := VectorQuery{Collection: types.CollMemories, Field: "embedding", Vector: []float32{1, 0}, Limit: 5}
	_, err := d.VectorCandidates(ctx, q)
	assert.ErrorIs(t, err, ErrUnsupported)

	require.NoError(t, d.EnsureVectorIndex(ctx, types.CollMemories, "embedding", 2, 1))
	_, err = d.VectorCandidates(ctx, q)
	assert.NoError(t, err)
}

func TestVectorCandidatesIgnoresFilters(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()
	require.NoError(t, d.EnsureVectorIndex(ctx, types.CollMemories, "embedding", 2, 1))

	now := time.Now()
	for i := 0; i < 4; i++ {
		mem := types.Memory{
			Content:   fmt.Sprintf("memory %d", i),
			Embedding: []float32{1, float32(i) * 0.1},
			Stamp:     types.NewStamp(now, time.Time{}),
		}
		if i%2 == 0 {
			mem.Tags = []string{"tagged"}
		}
		_, err := d.InsertDocument(ctx, types.CollMemories, &mem)
		require.NoError(t, err)
	}

	// Tags are a post-pass concern; the candidate pass returns everything.
	results, err := d.VectorCandidates(ctx, VectorQuery{
		Collection: types.CollMemories,
		Field:      "embedding",
		Vector:     []float32{1, 0},
		Limit:      10,
		Tags:       []string{"tagged"},
	})
	require.NoError(t, err)
	assert.Len(t, results, 4)
}

func TestManualCosineAppliesFilters(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	now := time.Now()
	for i := 0; i < 4; i++ {
		mem := types.Memory{
			Content:   fmt.Sprintf("memory %d", i),
			Embedding: []float32{1, float32(i) * 0.1},
			Stamp:     types.NewStamp(now, time.Time{}),
		}
		if i%2 == 0 {
			mem.Tags = []string{"tagged"}
		}
		_, err := d.InsertDocument(ctx, types.CollMemories, &mem)
		require.NoError(t, err)
	}

	results, err := d.ManualCosine(ctx, VectorQuery{
		Collection: types.CollMemories,
		Field:      "embedding",
		Vector:     []float32{1, 0},
		Limit:      10,
		Tags:       []string{"tagged"},
	})
	require.NoError(t, err)
	assert.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, types.EngineManualCosine, r.Engine)
	}
}

func TestTraverseRespectsDepthAndValidity(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	now := time.Now().UTC()
	entities := []string{"alice", "acme", "lisbon"}
	for _, name := range entities {
		ent := types.Entity{Key: name, Name: name, Type: "thing", Confidence: 1, CreatedAt: now, UpdatedAt: now}
		_, err := d.InsertDocument(ctx, types.CollEntities, &ent)
		require.NoError(t, err)
	}
	edges := []struct{ from, to string }{
		{"alice", "acme"},
		{"acme", "lisbon"},
	}
	for _, e := range edges {
		rel := types.Relationship{
			From:       types.EntityDocID(e.from),
			To:         types.EntityDocID(e.to),
			Type:       "RELATED_TO",
			Rationale:  "Connected during ingestion of the spring conversation batch.",
			Confidence: 0.8,
			Stamp:      types.NewStamp(now, time.Time{}),
		}
		_, err := d.InsertDocument(ctx, types.CollRelationships, &rel)
		require.NoError(t, err)
	}

	rows, err := d.Traverse(ctx, TraversalQuery{StartKey: "alice", Depth: 1, At: now})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "acme", rows[0].Doc["_key"])

	rows, err = d.Traverse(ctx, TraversalQuery{StartKey: "alice", Depth: 2, At: now})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestSearchTagsMatchModes(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	now := time.Now()
	mems := []types.Memory{
		{Content: "a", Tags: []string{"go", "db"}, Stamp: types.NewStamp(now, time.Time{})},
		{Content: "b", Tags: []string{"go"}, Stamp: types.NewStamp(now, time.Time{})},
		{Content: "c", Tags: []string{"db"}, Stamp: types.NewStamp(now, time.Time{})},
	}
	for i := range mems {
		_, err := d.InsertDocument(ctx, types.CollMemories, &mems[i])
		require.NoError(t, err)
	}

	anyResults, err := d.SearchTags(ctx, types.CollMemories, []string{"go", "db"}, false, 10)
	require.NoError(t, err)
	assert.Len(t, anyResults, 3)

	allResults, err := d.SearchTags(ctx, types.CollMemories, []string{"go", "db"}, true, 10)
	require.NoError(t, err)
	assert.Len(t, allResults, 1)
}

func TestQueryUnsupported(t *testing.T) {
	d := newTestDriver(t)
	_, err := d.Query(context.Background(), "FOR x IN y RETURN x", nil)
	assert.ErrorIs(t, err, ErrUnsupported)
}
