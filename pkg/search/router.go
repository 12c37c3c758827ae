package search

import (
	"context"
	"strings"
	"time"

	"github.com/soundprediction/mnemosyne/pkg/types"
)

// Preset is a named search configuration chosen by query classification.
type Preset string

const (
	PresetTagBased         Preset = "TAG_BASED"
	PresetGraphExploration Preset = "GRAPH_EXPLORATION"
	PresetFactual          Preset = "FACTUAL"
	PresetConceptual       Preset = "CONCEPTUAL"
	PresetRecentContext    Preset = "RECENT_CONTEXT"
	PresetExploratory      Preset = "EXPLORATORY"
)

// Route is a classified query: the preset, the extracted parameters, and
// whether the rerank stage applies.
type Route struct {
	Preset Preset
	// Tags extracted from tag-based queries.
	Tags []string
	// Rerank marks presets that pass results through the cross-encoder.
	Rerank bool
	// RecentWindow bounds valid_at for the recent-context preset.
	RecentWindow time.Duration
}

// factualPrefixes start fact-seeking questions routed to lexical search.
var factualPrefixes = []string{"what", "when", "where", "how many", "how much"}

// conceptualCues mark explanation-seeking queries routed to vector search.
var conceptualCues = []string{"why", "explain", "understand", "theory"}

// graphCues mark connectivity queries routed to graph traversal.
var graphCues = []string{"related", "connected", "linked", "graph"}

// recencyCues mark time-anchored queries routed to a windowed hybrid search.
var recencyCues = []string{"recent", "latest", "today", "yesterday", "last"}

// Classify maps a query to a preset. The rules run in a fixed order and the
// first match wins, so classification is deterministic.
func Classify(query string, recentWindow time.Duration) Route {
	q := strings.ToLower(strings.TrimSpace(query))

	if strings.HasPrefix(q, "tag:") || strings.Contains(q, "#") {
		return Route{Preset: PresetTagBased, Tags: extractTags(q)}
	}
	if containsAny(q, graphCues) {
		return Route{Preset: PresetGraphExploration}
	}
	for _, prefix := range factualPrefixes {
		if strings.HasPrefix(q, prefix) {
			return Route{Preset: PresetFactual, Rerank: true}
		}
	}
	if containsAny(q, conceptualCues) {
		return Route{Preset: PresetConceptual, Rerank: true}
	}
	if containsAny(q, recencyCues) {
		if recentWindow <= 0 {
			recentWindow = 7 * 24 * time.Hour
		}
		return Route{Preset: PresetRecentContext, RecentWindow: recentWindow}
	}
	return Route{Preset: PresetExploratory}
}

func containsAny(q string, cues []string) bool {
	for _, cue := range cues {
		if strings.Contains(q, cue) {
			return true
		}
	}
	return false
}

// extractTags pulls tag tokens out of a tag query: everything after "tag:"
// and every #-prefixed token.
func extractTags(q string) []string {
	var tags []string
	if rest, ok := strings.CutPrefix(q, "tag:"); ok {
		for _, tok := range strings.Fields(rest) {
			tags = append(tags, strings.TrimPrefix(tok, "#"))
		}
		return tags
	}
	for _, tok := range strings.Fields(q) {
		if strings.HasPrefix(tok, "#") {
			tag := strings.Trim(strings.TrimPrefix(tok, "#"), ".,!?")
			if tag != "" {
				tags = append(tags, tag)
			}
		}
	}
	return tags
}

// Run executes a classified query. Graph exploration needs a seed entity key
// in opts via the caller; when none is resolvable it falls back to hybrid.
func (s *Searcher) Run(ctx context.Context, route Route, query string, seedKey string, opts Options) (*types.SearchResults, error) {
	switch route.Preset {
	case PresetTagBased:
		tags := route.Tags
		if len(tags) == 0 {
			tags = opts.Tags
		}
		return s.Tags(ctx, tags, opts)

	case PresetGraphExploration:
		if seedKey == "" {
			return s.Hybrid(ctx, query, opts)
		}
		return s.Traverse(ctx, seedKey, 0, opts)

	case PresetFactual:
		opts.Rerank = route.Rerank
		return s.BM25(ctx, query, opts)

	case PresetConceptual:
		opts.Rerank = route.Rerank
		return s.Vector(ctx, query, opts)

	case PresetRecentContext:
		cutoff := time.Now().UTC()
		window := route.RecentWindow
		if window <= 0 {
			window = 7 * 24 * time.Hour
		}
		floor := cutoff.Add(-window)
		prior := opts.Filter
		opts.Filter = func(doc map[string]any) bool {
			va, ok := docTime(doc, "valid_at")
			if !ok || va.Before(floor) {
				return false
			}
			if prior != nil {
				return prior(doc)
			}
			return true
		}
		return s.Hybrid(ctx, query, opts)

	default:
		return s.Hybrid(ctx, query, opts)
	}
}
