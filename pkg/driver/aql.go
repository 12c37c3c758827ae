package driver

import (
	"fmt"
	"strings"
	"time"
)

// The builders in this file produce AQL text and bind variables for the
// Arango driver. They are pure functions so tests can assert the shape of
// the generated queries, in particular that the approximate vector pass
// carries no filter clauses.

// validityFilter returns the point-in-time predicate for a document bound
// to variable v, with the instant bound as @at.
func validityFilter(v string) string {
	return fmt.Sprintf("FILTER %s.valid_at <= @at AND (%s.invalid_at == null OR %s.invalid_at > @at)", v, v, v)
}

// BuildBM25Query builds a lexical search over a view. Fields are OR-ed
// inside a SEARCH clause scored by BM25.
func BuildBM25Query(q BM25Query) (string, map[string]any) {
	var terms []string
	for i, f := range q.Fields {
		terms = append(terms, fmt.Sprintf("ANALYZER(doc.%s IN TOKENS(@text, @analyzer), @analyzer)", f))
		_ = i
	}
	var b strings.Builder
	fmt.Fprintf(&b, "FOR doc IN %s\n", q.View)
	fmt.Fprintf(&b, "  SEARCH %s\n", strings.Join(terms, " OR "))
	b.WriteString("  LET score = BM25(doc)\n")
	b.WriteString("  FILTER score > @minScore\n")
	binds := map[string]any{
		"text":     q.Text,
		"analyzer": q.Analyzer,
		"minScore": q.MinScore,
		"limit":    q.Limit,
	}
	if !q.At.IsZero() {
		b.WriteString("  " + validityFilter("doc") + "\n")
		binds["at"] = q.At.UTC()
	}
	b.WriteString("  SORT score DESC\n")
	b.WriteString("  LIMIT @limit\n")
	b.WriteString("  RETURN { doc: doc, score: score }")
	return b.String(), binds
}

// BuildVectorCandidateQuery builds the approximate candidate pass. The only
// constraint pushed to the index is the vector itself; every other predicate
// is applied by the caller after the expanded candidate set returns.
// Adding a FILTER here silently bypasses the vector index and degrades the
// query to a full scan.
func BuildVectorCandidateQuery(q VectorQuery) (string, map[string]any) {
	limit := q.Limit
	if q.ExpandFactor > 1 {
		limit = q.Limit * q.ExpandFactor
	}
	var b strings.Builder
	fmt.Fprintf(&b, "FOR doc IN %s\n", q.Collection)
	fmt.Fprintf(&b, "  LET score = APPROX_NEAR_COSINE(doc.%s, @vector)\n", q.Field)
	b.WriteString("  SORT score DESC\n")
	b.WriteString("  LIMIT @limit\n")
	b.WriteString("  RETURN { doc: doc, score: score }")
	return b.String(), map[string]any{
		"vector": q.Vector,
		"limit":  limit,
	}
}

// BuildManualCosineQuery builds the exact fallback scan. Filters run inline
// because no index is involved, so there is nothing to bypass.
func BuildManualCosineQuery(q VectorQuery) (string, map[string]any) {
	var b strings.Builder
	fmt.Fprintf(&b, "FOR doc IN %s\n", q.Collection)
	fmt.Fprintf(&b, "  FILTER doc.%s != null\n", q.Field)
	binds := map[string]any{
		"vector":   q.Vector,
		"minScore": q.MinScore,
		"limit":    q.Limit,
	}
	if !q.At.IsZero() {
		b.WriteString("  " + validityFilter("doc") + "\n")
		binds["at"] = q.At.UTC()
	}
	if len(q.Tags) > 0 {
		b.WriteString("  FILTER LENGTH(INTERSECTION(doc.tags, @tags)) > 0\n")
		binds["tags"] = q.Tags
	}
	fmt.Fprintf(&b, "  LET score = COSINE_SIMILARITY(doc.%s, @vector)\n", q.Field)
	b.WriteString("  FILTER score >= @minScore\n")
	b.WriteString("  SORT score DESC\n")
	b.WriteString("  LIMIT @limit\n")
	b.WriteString("  RETURN { doc: doc, score: score }")
	return b.String(), binds
}

// BuildTagQuery builds a tag lookup. matchAll requires every tag.
func BuildTagQuery(coll string, matchAll bool) (string, []string) {
	cond := "LENGTH(INTERSECTION(doc.tags, @tags)) > 0"
	if matchAll {
		cond = "LENGTH(INTERSECTION(doc.tags, @tags)) == LENGTH(@tags)"
	}
	query := fmt.Sprintf(
		"FOR doc IN %s\n  FILTER doc.tags != null AND %s\n  LIMIT @limit\n  RETURN doc",
		coll, cond)
	return query, []string{"tags", "limit"}
}

// BuildKeywordQuery builds a case-insensitive substring scan over the
// textual fields a collection carries.
func BuildKeywordQuery(coll string) string {
	return fmt.Sprintf(
		"FOR doc IN %s\n  FILTER CONTAINS(LOWER(doc.content), LOWER(@keyword)) OR CONTAINS(LOWER(doc.name), LOWER(@keyword))\n  LIMIT @limit\n  RETURN doc",
		coll)
}

// BuildTraversalQuery builds a bounded walk over valid relationship edges
// starting from one entity.
func BuildTraversalQuery(q TraversalQuery, graphName string) (string, map[string]any) {
	var b strings.Builder
	fmt.Fprintf(&b, "FOR v, e, p IN 1..@depth ANY @start GRAPH %q\n", graphName)
	b.WriteString("  FILTER e.valid_at <= @at AND (e.invalid_at == null OR e.invalid_at > @at)\n")
	binds := map[string]any{
		"depth": q.Depth,
		"start": q.StartKey,
		"at":    q.At.UTC(),
		"limit": q.Limit,
	}
	if len(q.EdgeTypes) > 0 {
		b.WriteString("  FILTER e.type IN @edgeTypes\n")
		binds["edgeTypes"] = q.EdgeTypes
	}
	b.WriteString("  LIMIT @limit\n")
	b.WriteString("  RETURN { doc: v, depth: LENGTH(p.edges), path: p.vertices[*]._key }")
	return b.String(), binds
}

// BuildValidEdgesQuery builds the lookup used by the contradiction engine:
// outgoing edges of one type from one entity, valid at the given instant.
func BuildValidEdgesQuery() string {
	return "FOR e IN relationships\n" +
		"  FILTER e._from == @from AND e.type == @type\n" +
		"  " + validityFilter("e") + "\n" +
		"  RETURN e"
}

// BuildInvalidateQuery builds the compare-and-set that ends a document's
// valid time. The UPDATE only fires while invalid_at is still null, so
// concurrent invalidators serialize on the document revision and exactly one
// wins.
func BuildInvalidateQuery(coll string) string {
	return fmt.Sprintf(
		"FOR doc IN %s\n"+
			"  FILTER doc._key == @key AND doc.invalid_at == null\n"+
			"  UPDATE doc WITH { invalid_at: @at, invalidated_by: @by } IN %s\n"+
			"  RETURN NEW._key",
		coll, coll)
}

// BuildMessagesWindowQuery builds the valid-message scan for one
// conversation over [from, to).
func BuildMessagesWindowQuery() string {
	return "FOR m IN messages\n" +
		"  FILTER m.conversation_id == @conversationID\n" +
		"  FILTER m.valid_at >= @from AND m.valid_at < @to\n" +
		"  FILTER m.invalid_at == null\n" +
		"  SORT m.valid_at ASC\n" +
		"  RETURN m"
}

// BuildLastMessageQuery builds the conversation-tail lookup.
func BuildLastMessageQuery() string {
	return "FOR m IN messages\n" +
		"  FILTER m.conversation_id == @conversationID AND m.invalid_at == null\n" +
		"  SORT m.created_at DESC\n" +
		"  LIMIT 1\n" +
		"  RETURN m._key"
}

// BuildEntityGraphQueries returns the pair of queries projecting the valid
// graph for community detection. Adjacency weights are edge confidences.
func BuildEntityGraphQueries() (nodes, edges string) {
	nodes = "FOR ent IN entities RETURN ent._key"
	edges = "FOR e IN relationships\n" +
		"  FILTER e.invalid_at == null\n" +
		"  RETURN { from: e._from, to: e._to, weight: e.confidence }"
	return nodes, edges
}

// HasFilterOutsideSort reports whether a query contains a FILTER clause.
// Used by tests guarding the approximate candidate pass.
func HasFilterOutsideSort(query string) bool {
	return strings.Contains(query, "FILTER")
}

// PointInTime normalizes a query instant, defaulting to now.
func PointInTime(at time.Time) time.Time {
	if at.IsZero() {
		return time.Now().UTC()
	}
	return at.UTC()
}
