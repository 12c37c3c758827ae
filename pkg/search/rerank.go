package search

import (
	"context"
	"sort"

	"github.com/soundprediction/mnemosyne/pkg/types"
)

// Rerank combination strategies.
const (
	StrategyReplace  = "replace"
	StrategyWeighted = "weighted"
	StrategyMax      = "max"
	StrategyMin      = "min"
)

// FuseRRF combines ranked lists with reciprocal rank fusion and returns the
// top n by fused score. Each document contributes 1/(k+rank) per list it
// appears in; per-method ranks are kept in Extras for inspection.
func FuseRRF(lists [][]types.SearchResult, k, n int) []types.SearchResult {
	type fusion struct {
		result types.SearchResult
		score  float64
		ranks  map[string]int
	}
	fused := make(map[string]*fusion)
	order := make([]string, 0)

	for _, list := range lists {
		for rank, row := range list {
			key := row.Key()
			if key == "" {
				continue
			}
			f, seen := fused[key]
			if !seen {
				f = &fusion{result: row, ranks: make(map[string]int)}
				fused[key] = f
				order = append(order, key)
			}
			f.score += 1.0 / float64(k+rank+1)
			f.ranks[string(row.Engine)] = rank + 1
		}
	}

	out := make([]types.SearchResult, 0, len(order))
	for _, key := range order {
		f := fused[key]
		row := f.result
		row.Score = f.score
		row.Engine = types.EngineHybrid
		extras := map[string]any{}
		for engine, rank := range f.ranks {
			extras["rank_"+engine] = rank
		}
		row.Extras = extras
		out = append(out, row)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Key() < out[j].Key()
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// maybeRerank applies the cross-encoder stage to the envelope's top results
// when requested and a reranker is installed. Rerank failures leave the
// original ordering in place; the stage is an enhancement, not a dependency.
func (s *Searcher) maybeRerank(ctx context.Context, query string, env *types.SearchResults, opts Options) (*types.SearchResults, error) {
	if !opts.Rerank || s.reranker == nil || len(env.Results) == 0 {
		return env, nil
	}

	topK := s.cfg.RerankTopK
	if topK > len(env.Results) {
		topK = len(env.Results)
	}
	head := env.Results[:topK]

	passages := make([]string, len(head))
	byPassage := make(map[string]int, len(head))
	for i, row := range head {
		passages[i] = docText(row.Doc)
		byPassage[passages[i]] = i
	}
	ranked, err := s.reranker.Rank(ctx, query, passages)
	if err != nil {
		s.logger.Warn("rerank stage failed, keeping original order", "error", err)
		return env, nil
	}

	rescored := make([]types.SearchResult, len(head))
	copy(rescored, head)
	for _, rp := range ranked {
		idx, ok := byPassage[rp.Passage]
		if !ok {
			continue
		}
		rescored[idx].Score = combineScores(rescored[idx].Score, rp.Score, s.cfg.RerankStrategy, s.cfg.RerankWeight)
	}
	sort.SliceStable(rescored, func(i, j int) bool {
		return rescored[i].Score > rescored[j].Score
	})
	copy(env.Results[:topK], rescored)
	return env, nil
}

func combineScores(original, reranked float64, strategy string, weight float64) float64 {
	switch strategy {
	case StrategyReplace:
		return reranked
	case StrategyMax:
		if reranked > original {
			return reranked
		}
		return original
	case StrategyMin:
		if reranked < original {
			return reranked
		}
		return original
	default: // weighted
		return weight*reranked + (1-weight)*original
	}
}

// docText picks the best textual field of a document for (query, passage)
// scoring.
func docText(doc map[string]any) string {
	for _, field := range []string{"content", "summary", "name"} {
		if s, ok := doc[field].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
