// Package search implements the retrieval engine: lexical, vector, tag,
// keyword, graph, and RRF hybrid search over the memory graph, with an
// optional cross-encoder rerank stage. Vector search is two-stage; the
// candidate pass pushes nothing but the vector to the index and every other
// predicate is applied in process afterwards.
package search

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/soundprediction/mnemosyne/pkg/config"
	"github.com/soundprediction/mnemosyne/pkg/crossencoder"
	"github.com/soundprediction/mnemosyne/pkg/driver"
	"github.com/soundprediction/mnemosyne/pkg/embedder"
	"github.com/soundprediction/mnemosyne/pkg/types"
)

// MemoriesView is the lexical search view over the memories collection.
const MemoriesView = "memories_view"

// Options are per-call search parameters. Zero values fall back to the
// configured defaults.
type Options struct {
	// Collection to search. Defaults to memories.
	Collection string

	// View is the lexical search view. Defaults to MemoriesView.
	View string

	// Fields are the analyzed fields for lexical search.
	Fields []string

	// N is the number of results to return.
	N int

	// Tags restricts results to documents carrying the tags.
	Tags []string

	// MatchAllTags requires every tag instead of any one.
	MatchAllTags bool

	// MinScore drops results scoring below the floor.
	MinScore float64

	// At constrains results to documents valid at that instant.
	At time.Time

	// Filter is an additional in-process predicate applied to candidates.
	Filter func(doc map[string]any) bool

	// Rerank applies the cross-encoder stage to the final results.
	Rerank bool
}

// Searcher executes searches against one driver. A nil reranker disables the
// rerank stage.
type Searcher struct {
	driver   driver.Driver
	embedder embedder.Client
	reranker crossencoder.Reranker
	cfg      config.SearchConfig
	logger   *slog.Logger
}

// NewSearcher creates a searcher with the given defaults.
func NewSearcher(d driver.Driver, emb embedder.Client, cfg config.SearchConfig, logger *slog.Logger) *Searcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InitialK <= 0 {
		cfg.InitialK = 20
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 10
	}
	if cfg.ExpandFactor <= 0 {
		cfg.ExpandFactor = 5
	}
	if cfg.RRFK <= 0 {
		cfg.RRFK = 60
	}
	if cfg.RerankTopK <= 0 {
		cfg.RerankTopK = 10
	}
	if cfg.RerankStrategy == "" {
		cfg.RerankStrategy = StrategyWeighted
	}
	if cfg.RerankWeight <= 0 {
		cfg.RerankWeight = 0.5
	}
	return &Searcher{
		driver:   d,
		embedder: emb,
		cfg:      cfg,
		logger:   logger.With("component", "search"),
	}
}

// SetReranker installs the cross-encoder used by the rerank stage.
func (s *Searcher) SetReranker(r crossencoder.Reranker) {
	s.reranker = r
}

func (s *Searcher) fill(opts *Options) {
	if opts.Collection == "" {
		opts.Collection = types.CollMemories
	}
	if opts.View == "" {
		opts.View = MemoriesView
	}
	if len(opts.Fields) == 0 {
		opts.Fields = []string{"content", "summary"}
	}
	if opts.N <= 0 {
		opts.N = s.cfg.TopN
	}
}

// BM25 runs a lexical search against the search view.
func (s *Searcher) BM25(ctx context.Context, query string, opts Options) (*types.SearchResults, error) {
	s.fill(&opts)
	start := time.Now()

	limit := opts.N
	if len(opts.Tags) > 0 || opts.Filter != nil {
		limit = opts.N * s.cfg.ExpandFactor
	}
	rows, err := s.driver.SearchBM25(ctx, driver.BM25Query{
		View:     opts.View,
		Fields:   opts.Fields,
		Text:     query,
		Limit:    limit,
		MinScore: opts.MinScore,
		At:       opts.At,
	})
	if err != nil {
		if types.IsDeadlineExceeded(err) {
			return envelope(nil, types.EngineBM25, start, true, false), nil
		}
		return nil, err
	}
	for i := range rows {
		rows[i].Engine = types.EngineBM25
	}
	results, truncated := s.stageTwo(ctx, rows, opts, false)
	env := envelope(results, types.EngineBM25, start, truncated, false)
	return s.maybeRerank(ctx, query, env, opts)
}

// Vector runs the two-stage vector search. The candidate pass is unfiltered;
// tags, validity, score floor, and the custom predicate run in process. When
// the approximate operator is unavailable the exact cosine scan serves as a
// degraded fallback.
func (s *Searcher) Vector(ctx context.Context, query string, opts Options) (*types.SearchResults, error) {
	s.fill(&opts)
	start := time.Now()

	vec, err := s.embedder.EmbedSingle(ctx, strings.ReplaceAll(query, "\n", " "))
	if err != nil {
		return nil, err
	}
	return s.vectorWith(ctx, vec, opts, start, query)
}

func (s *Searcher) vectorWith(ctx context.Context, vec []float32, opts Options, start time.Time, query string) (*types.SearchResults, error) {
	rows, err := s.driver.VectorCandidates(ctx, driver.VectorQuery{
		Collection:   opts.Collection,
		Field:        "embedding",
		Vector:       vec,
		Limit:        opts.N,
		ExpandFactor: s.cfg.ExpandFactor,
	})
	if err != nil {
		if types.IsDeadlineExceeded(err) {
			return envelope(nil, types.EngineVector, start, true, false), nil
		}
		return s.manualCosine(ctx, vec, opts, start, query, err)
	}

	// Raw operator scores live in [-1, 1]; bring them to [0, 1] before any
	// floor or fusion sees them.
	for i := range rows {
		rows[i].Score = (rows[i].Score + 1) / 2
		rows[i].Engine = types.EngineVector
	}
	results, truncated := s.stageTwo(ctx, rows, opts, true)
	env := envelope(results, types.EngineVector, start, truncated, false)
	return s.maybeRerank(ctx, query, env, opts)
}

// manualCosine is the fallback path when the vector operator errors.
func (s *Searcher) manualCosine(ctx context.Context, vec []float32, opts Options, start time.Time, query string, cause error) (*types.SearchResults, error) {
	if !errors.Is(cause, driver.ErrUnsupported) {
		s.logger.Warn("vector operator failed, falling back to manual cosine", "error", cause)
	} else {
		s.logger.Warn("vector index unavailable, falling back to manual cosine")
	}

	rows, err := s.driver.ManualCosine(ctx, driver.VectorQuery{
		Collection: opts.Collection,
		Field:      "embedding",
		Vector:     vec,
		Limit:      opts.N * s.cfg.ExpandFactor,
		At:         opts.At,
		Tags:       opts.Tags,
	})
	if err != nil {
		if types.IsDeadlineExceeded(err) {
			env := envelope(nil, types.EngineManualCosine, start, true, true)
			return env, nil
		}
		return nil, err
	}
	for i := range rows {
		rows[i].Score = (rows[i].Score + 1) / 2
		rows[i].Engine = types.EngineManualCosine
	}
	// Validity and tags were applied inline; only the floor and the custom
	// predicate remain.
	remaining := opts
	remaining.Tags = nil
	remaining.At = time.Time{}
	results, truncated := s.stageTwo(ctx, rows, remaining, true)
	env := envelope(results, types.EngineManualCosine, start, truncated, true)
	return s.maybeRerank(ctx, query, env, opts)
}

// Tags returns documents carrying the given tags, in storage order.
func (s *Searcher) Tags(ctx context.Context, tags []string, opts Options) (*types.SearchResults, error) {
	s.fill(&opts)
	start := time.Now()

	rows, err := s.driver.SearchTags(ctx, opts.Collection, tags, opts.MatchAllTags, opts.N)
	if err != nil {
		if types.IsDeadlineExceeded(err) {
			return envelope(nil, types.EngineTag, start, true, false), nil
		}
		return nil, err
	}
	for i := range rows {
		rows[i].Engine = types.EngineTag
	}
	return envelope(rows, types.EngineTag, start, false, false), nil
}

// Keyword returns documents whose content contains the keyword.
func (s *Searcher) Keyword(ctx context.Context, keyword string, opts Options) (*types.SearchResults, error) {
	s.fill(&opts)
	start := time.Now()

	rows, err := s.driver.SearchKeyword(ctx, opts.Collection, keyword, opts.N)
	if err != nil {
		if types.IsDeadlineExceeded(err) {
			return envelope(nil, types.EngineKeyword, start, true, false), nil
		}
		return nil, err
	}
	for i := range rows {
		rows[i].Engine = types.EngineKeyword
	}
	return envelope(rows, types.EngineKeyword, start, false, false), nil
}

// Traverse walks the entity graph breadth-first from a seed entity. Scores
// decay with depth so nearer vertices rank first.
func (s *Searcher) Traverse(ctx context.Context, startKey string, depth int, opts Options) (*types.SearchResults, error) {
	s.fill(&opts)
	start := time.Now()
	if depth <= 0 {
		depth = 2
	}

	at := opts.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	rows, err := s.driver.Traverse(ctx, driver.TraversalQuery{
		StartKey: startKey,
		Depth:    depth,
		At:       at,
		Limit:    opts.N,
	})
	if err != nil {
		if types.IsDeadlineExceeded(err) {
			return envelope(nil, types.EngineGraph, start, true, false), nil
		}
		return nil, err
	}
	results := make([]types.SearchResult, 0, len(rows))
	for _, row := range rows {
		results = append(results, types.SearchResult{
			Doc:    row.Doc,
			Score:  1.0 / float64(1+row.Depth),
			Engine: types.EngineGraph,
			Extras: map[string]any{"depth": row.Depth, "path": row.Path},
		})
	}
	return envelope(results, types.EngineGraph, start, false, false), nil
}

// Hybrid runs BM25 and vector search in parallel and fuses them with
// reciprocal rank fusion.
func (s *Searcher) Hybrid(ctx context.Context, query string, opts Options) (*types.SearchResults, error) {
	s.fill(&opts)
	start := time.Now()

	legOpts := opts
	legOpts.N = s.cfg.InitialK
	legOpts.Rerank = false

	var (
		wg        sync.WaitGroup
		lexical   *types.SearchResults
		semantic  *types.SearchResults
		lexErr    error
		semErr    error
		degraded  bool
		truncated bool
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		lexical, lexErr = s.BM25(ctx, query, legOpts)
	}()
	go func() {
		defer wg.Done()
		semantic, semErr = s.Vector(ctx, query, legOpts)
	}()
	wg.Wait()

	// A failed leg degrades the fusion to the surviving leg rather than
	// failing the search outright. Both failing propagates.
	if lexErr != nil && semErr != nil {
		return nil, lexErr
	}
	var lists [][]types.SearchResult
	if lexErr == nil {
		lists = append(lists, lexical.Results)
		truncated = truncated || lexical.Truncated
	} else {
		s.logger.Warn("hybrid lexical leg failed", "error", lexErr)
		degraded = true
	}
	if semErr == nil {
		lists = append(lists, semantic.Results)
		truncated = truncated || semantic.Truncated
		degraded = degraded || semantic.Degraded
	} else {
		s.logger.Warn("hybrid vector leg failed", "error", semErr)
		degraded = true
	}

	fused := FuseRRF(lists, s.cfg.RRFK, opts.N)
	env := envelope(fused, types.EngineHybrid, start, truncated, degraded)
	return s.maybeRerank(ctx, query, env, opts)
}

// stageTwo applies the in-process predicates to candidates and stops at N
// matches. scored reports whether the rows carry meaningful scores for the
// MinScore floor.
func (s *Searcher) stageTwo(ctx context.Context, rows []types.SearchResult, opts Options, scored bool) ([]types.SearchResult, bool) {
	out := make([]types.SearchResult, 0, opts.N)
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return out, true
		}
		if scored && opts.MinScore > 0 && row.Score < opts.MinScore {
			continue
		}
		if len(opts.Tags) > 0 && !hasTags(row.Doc, opts.Tags, opts.MatchAllTags) {
			continue
		}
		if !opts.At.IsZero() && !validAt(row.Doc, opts.At) {
			continue
		}
		if opts.Filter != nil && !opts.Filter(row.Doc) {
			continue
		}
		out = append(out, row)
		if len(out) >= opts.N {
			break
		}
	}
	return out, false
}

func envelope(results []types.SearchResult, engine types.Engine, start time.Time, truncated, degraded bool) *types.SearchResults {
	if results == nil {
		results = []types.SearchResult{}
	}
	return &types.SearchResults{
		Results:   results,
		Total:     len(results),
		TimeMS:    time.Since(start).Milliseconds(),
		Engine:    engine,
		Truncated: truncated,
		Degraded:  degraded,
	}
}

// hasTags reports whether the document carries the wanted tags.
func hasTags(doc map[string]any, tags []string, matchAll bool) bool {
	raw, ok := doc["tags"].([]any)
	if !ok {
		if typed, ok2 := doc["tags"].([]string); ok2 {
			raw = make([]any, len(typed))
			for i, t := range typed {
				raw[i] = t
			}
		} else {
			return false
		}
	}
	have := make(map[string]bool, len(raw))
	for _, t := range raw {
		if s, ok := t.(string); ok {
			have[s] = true
		}
	}
	hits := 0
	for _, t := range tags {
		if have[t] {
			hits++
		}
	}
	if matchAll {
		return hits == len(tags)
	}
	return hits > 0
}

// validAt reports whether a document's validity interval covers t.
func validAt(doc map[string]any, t time.Time) bool {
	va, ok := docTime(doc, "valid_at")
	if !ok || va.After(t) {
		return false
	}
	if ia, ok := docTime(doc, "invalid_at"); ok && !ia.After(t) {
		return false
	}
	return true
}

func docTime(doc map[string]any, field string) (time.Time, bool) {
	raw, ok := doc[field].(string)
	if !ok || raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
