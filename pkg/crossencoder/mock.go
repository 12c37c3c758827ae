package crossencoder

import (
	"context"
	"sort"
	"strings"
)

// MockReranker scores passages by token overlap with the query. Deterministic
// and offline, intended for tests.
type MockReranker struct{}

// NewMockReranker creates a mock reranker.
func NewMockReranker() *MockReranker { return &MockReranker{} }

// Rank implements Reranker.
func (r *MockReranker) Rank(ctx context.Context, query string, passages []string) ([]RankedPassage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	queryTokens := tokenSet(query)
	ranked := make([]RankedPassage, len(passages))
	for i, passage := range passages {
		ranked[i] = RankedPassage{
			Passage: passage,
			Score:   overlap(queryTokens, tokenSet(passage)),
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked, nil
}

// Close implements Reranker.
func (r *MockReranker) Close() error { return nil }

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		set[strings.Trim(tok, ".,!?;:\"'()")] = true
	}
	delete(set, "")
	return set
}

// overlap is the fraction of query tokens present in the passage.
func overlap(query, passage map[string]bool) float64 {
	if len(query) == 0 {
		return 0
	}
	hits := 0
	for tok := range query {
		if passage[tok] {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}
