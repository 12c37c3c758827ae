package crossencoder

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/soundprediction/mnemosyne/pkg/llm"
)

const relevanceSystem = "You judge whether a passage is relevant to a query. " +
	`Respond with exactly one word, "True" or "False".`

// OpenAIReranker scores each passage with a boolean relevance prompt, run
// concurrently under a semaphore.
type OpenAIReranker struct {
	client    llm.Client
	semaphore chan struct{}
}

// NewOpenAIReranker creates an LLM-backed reranker.
func NewOpenAIReranker(client llm.Client, cfg Config) *OpenAIReranker {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	return &OpenAIReranker{
		client:    client,
		semaphore: make(chan struct{}, cfg.MaxConcurrency),
	}
}

// Rank implements Reranker.
func (r *OpenAIReranker) Rank(ctx context.Context, query string, passages []string) ([]RankedPassage, error) {
	if len(passages) == 0 {
		return []RankedPassage{}, nil
	}

	scores := make([]float64, len(passages))
	errs := make([]error, len(passages))
	var wg sync.WaitGroup
	for i, passage := range passages {
		wg.Add(1)
		go func(idx int, p string) {
			defer wg.Done()
			r.semaphore <- struct{}{}
			defer func() { <-r.semaphore }()
			scores[idx], errs[idx] = r.scorePassage(ctx, query, p)
		}(i, passage)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("scoring passage %d: %w", i, err)
		}
	}

	ranked := make([]RankedPassage, len(passages))
	for i, passage := range passages {
		ranked[i] = RankedPassage{Passage: passage, Score: scores[i]}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked, nil
}

func (r *OpenAIReranker) scorePassage(ctx context.Context, query, passage string) (float64, error) {
	user := fmt.Sprintf("<PASSAGE>\n%s\n</PASSAGE>\n<QUERY>\n%s\n</QUERY>", passage, query)
	resp, err := r.client.Complete(ctx, relevanceSystem, user)
	if err != nil {
		return 0, err
	}
	first, _, _ := strings.Cut(strings.TrimSpace(resp), " ")
	switch strings.ToLower(strings.Trim(first, ".!,")) {
	case "true", "yes":
		return 0.8, nil
	case "false", "no":
		return 0.2, nil
	default:
		return 0.5, nil
	}
}

// Close implements Reranker. The llm client is owned by the caller.
func (r *OpenAIReranker) Close() error { return nil }
