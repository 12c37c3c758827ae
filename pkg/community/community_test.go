package community

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/mnemosyne/pkg/config"
	"github.com/soundprediction/mnemosyne/pkg/driver"
	"github.com/soundprediction/mnemosyne/pkg/types"
)

func seedEntity(t *testing.T, d *driver.MemoryDriver, key string) {
	t.Helper()
	_, err := d.InsertDocument(context.Background(), types.CollEntities, map[string]any{
		"_key": key,
		"name": key,
		"type": "person",
	})
	require.NoError(t, err)
}

func seedEdge(t *testing.T, d *driver.MemoryDriver, from, to string, confidence float64) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := d.InsertDocument(context.Background(), types.CollRelationships, map[string]any{
		"_key":       fmt.Sprintf("%s-%s", from, to),
		"_from":      types.EntityDocID(from),
		"_to":        types.EntityDocID(to),
		"type":       "KNOWS",
		"confidence": confidence,
		"created_at": now,
		"valid_at":   now,
	})
	require.NoError(t, err)
}

func newDetector(t *testing.T) (*Detector, *driver.MemoryDriver) {
	t.Helper()
	d := driver.NewMemoryDriver()
	require.NoError(t, d.EnsureSchema(context.Background()))
	return NewDetector(d, config.CommunityConfig{MinSize: 2, MaxIterations: 100}, nil), d
}

func TestDetectSeparatesCliqueFromPair(t *testing.T) {
	det, d := newDetector(t)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c", "dd", "e", "f"} {
		seedEntity(t, d, k)
	}
	// Clique over a, b, c, dd and a disjoint pair e-f.
	clique := []string{"a", "b", "c", "dd"}
	for i := 0; i < len(clique); i++ {
		for j := i + 1; j < len(clique); j++ {
			seedEdge(t, d, clique[i], clique[j], 0.9)
		}
	}
	seedEdge(t, d, "e", "f", 0.8)

	result, err := det.Detect(ctx)
	require.NoError(t, err)
	require.Len(t, result.Communities, 2)
	assert.Greater(t, result.Modularity, 0.0)

	// Every clique member shares one community; the pair shares the other.
	cliqueID := result.Assignments["a"]
	for _, k := range clique {
		assert.Equal(t, cliqueID, result.Assignments[k])
	}
	pairID := result.Assignments["e"]
	assert.Equal(t, pairID, result.Assignments["f"])
	assert.NotEqual(t, cliqueID, pairID)
}

func TestDetectStampsEntitiesAndPersistsRecords(t *testing.T) {
	det, d := newDetector(t)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		seedEntity(t, d, k)
	}
	seedEdge(t, d, "a", "b", 0.9)
	seedEdge(t, d, "b", "c", 0.9)

	result, err := det.Detect(ctx)
	require.NoError(t, err)
	require.Len(t, result.Communities, 1)

	for key, members := range result.Communities {
		var record types.Community
		require.NoError(t, d.GetDocument(ctx, types.CollCommunities, key, &record))
		assert.Equal(t, len(members), record.MemberCount)

		for _, member := range members {
			var ent types.Entity
			require.NoError(t, d.GetDocument(ctx, types.CollEntities, member, &ent))
			assert.Equal(t, key, ent.CommunityID)
		}
	}
}

func TestDetectRebuildsWholesale(t *testing.T) {
	det, d := newDetector(t)
	ctx := context.Background()

	for _, k := range []string{"a", "b"} {
		seedEntity(t, d, k)
	}
	seedEdge(t, d, "a", "b", 0.9)

	first, err := det.Detect(ctx)
	require.NoError(t, err)
	require.Len(t, first.Communities, 1)

	second, err := det.Detect(ctx)
	require.NoError(t, err)
	require.Len(t, second.Communities, 1)

	stats, err := d.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Communities, "old records are truncated before persisting")
}

func TestDetectEmptyGraph(t *testing.T) {
	det, _ := newDetector(t)
	result, err := det.Detect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Communities)
	assert.Empty(t, result.Assignments)
}

func TestDetectSingleNode(t *testing.T) {
	det, d := newDetector(t)
	seedEntity(t, d, "alone")

	result, err := det.Detect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Assignments, "single-node graphs produce no assignment")
}

func TestMergeSmallReassignsToStrongestNeighbor(t *testing.T) {
	// Triangle a-b-c plus a dangling node x attached to a. Louvain may leave
	// x alone; the merge pass must fold it into the triangle's community.
	edges := []driver.WeightedEdge{
		{From: "a", To: "b", Weight: 1},
		{From: "b", To: "c", Weight: 1},
		{From: "a", To: "c", Weight: 1},
		{From: "a", To: "x", Weight: 0.2},
	}
	g := buildGraph([]string{"a", "b", "c", "x"}, edges)
	assignment := map[string]int{"a": 0, "b": 0, "c": 0, "x": 1}
	assignment = g.mergeSmall(assignment, 2)

	assert.Equal(t, assignment["a"], assignment["x"])
	assert.Equal(t, assignment["a"], assignment["b"])
	assert.Equal(t, assignment["a"], assignment["c"])
}

func TestModularityOfKnownPartition(t *testing.T) {
	// Two disjoint edges: perfect partition has Q = 0.5.
	edges := []driver.WeightedEdge{
		{From: "a", To: "b", Weight: 1},
		{From: "c", To: "dd", Weight: 1},
	}
	g := buildGraph([]string{"a", "b", "c", "dd"}, edges)
	assignment := map[string]int{"a": 0, "b": 0, "c": 1, "dd": 1}
	assert.InDelta(t, 0.5, g.modularity(assignment), 1e-9)
}
