package crossencoder

import (
	"context"
	"fmt"
	"sort"

	"github.com/soundprediction/mnemosyne/pkg/embedder"
	"github.com/soundprediction/mnemosyne/pkg/vectormath"
)

// EmbeddingReranker scores passages by cosine similarity between the query
// embedding and each passage embedding, normalized to [0, 1] across the
// batch.
type EmbeddingReranker struct {
	embedder embedder.Client
}

// NewEmbeddingReranker creates an embedding-based reranker.
func NewEmbeddingReranker(client embedder.Client) *EmbeddingReranker {
	return &EmbeddingReranker{embedder: client}
}

// Rank implements Reranker.
func (r *EmbeddingReranker) Rank(ctx context.Context, query string, passages []string) ([]RankedPassage, error) {
	if len(passages) == 0 {
		return []RankedPassage{}, nil
	}

	queryVec, err := r.embedder.EmbedSingle(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	passageVecs, err := r.embedder.Embed(ctx, passages)
	if err != nil {
		return nil, fmt.Errorf("embedding passages: %w", err)
	}
	if len(passageVecs) != len(passages) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d passages", len(passageVecs), len(passages))
	}

	ranked := make([]RankedPassage, len(passages))
	for i, passage := range passages {
		ranked[i] = RankedPassage{
			Passage: passage,
			Score:   vectormath.CosineSimilarity(queryVec, passageVecs[i]),
		}
	}
	normalizeScores(ranked)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked, nil
}

// Close implements Reranker. The embedder is owned by the caller.
func (r *EmbeddingReranker) Close() error { return nil }

// normalizeScores rescales scores to [0, 1]. Identical scores all become 1.
func normalizeScores(ranked []RankedPassage) {
	lo, hi := ranked[0].Score, ranked[0].Score
	for _, rp := range ranked[1:] {
		if rp.Score < lo {
			lo = rp.Score
		}
		if rp.Score > hi {
			hi = rp.Score
		}
	}
	if hi == lo {
		for i := range ranked {
			ranked[i].Score = 1.0
		}
		return
	}
	for i := range ranked {
		ranked[i].Score = (ranked[i].Score - lo) / (hi - lo)
	}
}
