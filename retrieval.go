package mnemosyne

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/soundprediction/mnemosyne/pkg/search"
	"github.com/soundprediction/mnemosyne/pkg/types"
)

// SearchOptions are optional parameters for Search.
type SearchOptions struct {
	// ConversationID restricts results to one conversation.
	ConversationID string
	// NResults bounds the result count; the configured default applies when
	// zero.
	NResults int
	// PointInTime constrains results to documents valid at that instant.
	PointInTime time.Time
	// Preset overrides query classification.
	Preset search.Preset
}

// Search classifies the query, routes it to the right search method, and
// returns the shared result envelope. Empty queries are rejected.
func (c *Client) Search(ctx context.Context, query string, opts *SearchOptions) (*types.SearchResults, error) {
	if strings.TrimSpace(query) == "" {
		return nil, &types.ValidationError{Field: "query", Reason: "cannot be empty"}
	}
	if opts == nil {
		opts = &SearchOptions{}
	}
	if _, has := ctx.Deadline(); !has && c.cfg.Deadlines.Search > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Deadlines.Search)
		defer cancel()
	}

	route := search.Classify(query, c.cfg.Search.RecentWindow)
	if opts.Preset != "" {
		route.Preset = opts.Preset
	}

	searchOpts := search.Options{
		N:  opts.NResults,
		At: opts.PointInTime,
	}
	if opts.ConversationID != "" {
		want := opts.ConversationID
		searchOpts.Filter = func(doc map[string]any) bool {
			id, _ := doc["conversation_id"].(string)
			return id == want
		}
	}

	seedKey := ""
	if route.Preset == search.PresetGraphExploration {
		seedKey = c.resolveSeedEntity(ctx, query)
	}
	return c.searcher.Run(ctx, route, query, seedKey, searchOpts)
}

// resolveSeedEntity finds the entity a graph-exploration query pivots on by
// keyword match over the entities collection. Best-effort; an empty key
// falls the query back to hybrid search.
func (c *Client) resolveSeedEntity(ctx context.Context, query string) string {
	for _, word := range strings.Fields(strings.ToLower(query)) {
		word = strings.Trim(word, ".,!?\"'")
		if len(word) < 3 || isGraphStopword(word) {
			continue
		}
		rows, err := c.driver.SearchKeyword(ctx, types.CollEntities, word, 1)
		if err != nil {
			if !errors.Is(err, context.DeadlineExceeded) {
				c.logger.Debug("seed entity lookup failed", "word", word, "error", err)
			}
			return ""
		}
		if len(rows) > 0 {
			return rows[0].Key()
		}
	}
	return ""
}

var graphStopwords = map[string]bool{
	"what": true, "everything": true, "anything": true, "show": true,
	"related": true, "connected": true, "linked": true, "graph": true,
	"the": true, "and": true, "for": true, "with": true, "about": true,
}

func isGraphStopword(word string) bool {
	return graphStopwords[word]
}
