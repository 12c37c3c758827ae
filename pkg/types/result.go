package types

// Engine identifies which search path produced a result. ManualCosine marks
// the degraded fallback used when the vector operator is unavailable.
type Engine string

const (
	EngineBM25         Engine = "bm25"
	EngineVector       Engine = "vector"
	EngineManualCosine Engine = "manual-cosine"
	EngineTag          Engine = "tag"
	EngineKeyword      Engine = "keyword"
	EngineGraph        Engine = "graph"
	EngineHybrid       Engine = "hybrid"
)

// SearchResult is the single result shape produced by every search method.
// Doc holds the raw document; Extras carries method-specific fields such as
// traversal paths or per-method ranks from fusion.
type SearchResult struct {
	Doc    map[string]any `json:"doc"`
	Score  float64        `json:"score"`
	Engine Engine         `json:"engine"`
	Extras map[string]any `json:"extras,omitempty"`
}

// Key returns the document key of a result, when present.
func (r SearchResult) Key() string {
	if k, ok := r.Doc["_key"].(string); ok {
		return k
	}
	return ""
}

// SearchResults is the envelope shared by all search methods.
// Truncated marks results cut short by a deadline; Degraded marks results
// produced through a fallback path. Both are informational, not failures.
type SearchResults struct {
	Results   []SearchResult `json:"results"`
	Total     int            `json:"total"`
	TimeMS    int64          `json:"time_ms"`
	Engine    Engine         `json:"engine"`
	Truncated bool           `json:"truncated,omitempty"`
	Degraded  bool           `json:"degraded,omitempty"`
}
