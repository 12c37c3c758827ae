package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soundprediction/mnemosyne/pkg/types"
	"github.com/soundprediction/mnemosyne/pkg/vectormath"
)

// MemoryDriver is an in-memory Driver used by tests and local development.
// Documents are stored as maps produced by a JSON round trip, so the shapes
// seen by callers match what the Arango driver returns. Raw queries are not
// supported.
type MemoryDriver struct {
	mu            sync.RWMutex
	collections   map[string]map[string]map[string]any
	views         map[string]ViewDefinition
	vectorIndexes map[string]bool
}

// NewMemoryDriver returns an empty in-memory driver.
func NewMemoryDriver() *MemoryDriver {
	d := &MemoryDriver{
		collections:   make(map[string]map[string]map[string]any),
		views:         make(map[string]ViewDefinition),
		vectorIndexes: make(map[string]bool),
	}
	return d
}

func (d *MemoryDriver) EnsureSchema(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, name := range documentCollections {
		if d.collections[name] == nil {
			d.collections[name] = make(map[string]map[string]any)
		}
	}
	if d.collections[types.CollRelationships] == nil {
		d.collections[types.CollRelationships] = make(map[string]map[string]any)
	}
	return nil
}

func (d *MemoryDriver) Close(ctx context.Context) error { return nil }

func (d *MemoryDriver) coll(name string) map[string]map[string]any {
	if d.collections[name] == nil {
		d.collections[name] = make(map[string]map[string]any)
	}
	return d.collections[name]
}

// toDoc round-trips a value through JSON so stored shapes match what a real
// server would hand back.
func toDoc(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func fromDoc(doc map[string]any, out any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// docTime parses a time field from a stored document.
func docTime(doc map[string]any, field string) (time.Time, bool) {
	s, ok := doc[field].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// docValidAt applies the point-in-time predicate to a stored document.
func docValidAt(doc map[string]any, at time.Time) bool {
	validAt, ok := docTime(doc, "valid_at")
	if !ok || validAt.After(at) {
		return false
	}
	if invalidAt, ok := docTime(doc, "invalid_at"); ok && !invalidAt.After(at) {
		return false
	}
	return true
}

func docEmbedding(doc map[string]any, field string) []float32 {
	raw, ok := doc[field].([]any)
	if !ok {
		return nil
	}
	v := make([]float32, len(raw))
	for i, x := range raw {
		f, ok := x.(float64)
		if !ok {
			return nil
		}
		v[i] = float32(f)
	}
	return v
}

func docTags(doc map[string]any) []string {
	raw, ok := doc["tags"].([]any)
	if !ok {
		return nil
	}
	tags := make([]string, 0, len(raw))
	for _, x := range raw {
		if s, ok := x.(string); ok {
			tags = append(tags, s)
		}
	}
	return tags
}

func (d *MemoryDriver) InsertDocument(ctx context.Context, coll string, doc any) (string, error) {
	stored, err := toDoc(doc)
	if err != nil {
		return "", &types.PermanentStorageError{Op: "insert_document", Err: err}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	key, _ := stored["_key"].(string)
	if key == "" {
		key = uuid.NewString()
		stored["_key"] = key
	}
	c := d.coll(coll)
	if _, exists := c[key]; exists {
		return "", &types.PermanentStorageError{
			Op:  "insert_document",
			Err: fmt.Errorf("unique constraint violated on %s/%s", coll, key),
		}
	}
	c[key] = stored
	return key, nil
}

func (d *MemoryDriver) GetDocument(ctx context.Context, coll, key string, out any) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	doc, ok := d.coll(coll)[key]
	if !ok {
		return &types.NotFoundError{Collection: coll, Key: key}
	}
	return fromDoc(doc, out)
}

func (d *MemoryDriver) ReplaceDocument(ctx context.Context, coll, key string, doc any) error {
	stored, err := toDoc(doc)
	if err != nil {
		return &types.PermanentStorageError{Op: "replace_document", Err: err}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.coll(coll)
	if _, ok := c[key]; !ok {
		return &types.NotFoundError{Collection: coll, Key: key}
	}
	stored["_key"] = key
	c[key] = stored
	return nil
}

func (d *MemoryDriver) PatchDocument(ctx context.Context, coll, key string, patch map[string]any) error {
	normalized, err := toDoc(patch)
	if err != nil {
		return &types.PermanentStorageError{Op: "patch_document", Err: err}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	doc, ok := d.coll(coll)[key]
	if !ok {
		return &types.NotFoundError{Collection: coll, Key: key}
	}
	for k, v := range normalized {
		doc[k] = v
	}
	return nil
}

func (d *MemoryDriver) InvalidateDocument(ctx context.Context, coll, key string, at time.Time, by string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc, ok := d.coll(coll)[key]
	if !ok {
		return false, &types.NotFoundError{Collection: coll, Key: key}
	}
	// The first invalidator wins; the stored timestamp is never rewritten.
	if v, present := doc["invalid_at"]; present && v != nil {
		return false, nil
	}
	doc["invalid_at"] = at.UTC().Format(time.RFC3339Nano)
	if by != "" {
		doc["invalidated_by"] = by
	}
	return true, nil
}

func (d *MemoryDriver) LastMessageKey(ctx context.Context, conversationID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var bestKey string
	var bestCreated time.Time
	for key, doc := range d.coll(types.CollMessages) {
		if doc["conversation_id"] != conversationID {
			continue
		}
		if v, present := doc["invalid_at"]; present && v != nil {
			continue
		}
		created, ok := docTime(doc, "created_at")
		if !ok {
			continue
		}
		// Created-at ties break on key so concurrent writers still observe
		// one deterministic tail.
		if created.After(bestCreated) || (created.Equal(bestCreated) && key > bestKey) {
			bestCreated = created
			bestKey = key
		}
	}
	return bestKey, nil
}

func (d *MemoryDriver) MessagesInWindow(ctx context.Context, conversationID string, from, to time.Time) ([]types.Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []types.Message
	for _, doc := range d.coll(types.CollMessages) {
		if doc["conversation_id"] != conversationID {
			continue
		}
		if v, present := doc["invalid_at"]; present && v != nil {
			continue
		}
		validAt, ok := docTime(doc, "valid_at")
		if !ok || validAt.Before(from) || !validAt.Before(to) {
			continue
		}
		var m types.Message
		if err := fromDoc(doc, &m); err != nil {
			return nil, &types.PermanentStorageError{Op: "messages_in_window", Err: err}
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ValidAt.Before(out[j].ValidAt) })
	return out, nil
}

func (d *MemoryDriver) EntityByNameType(ctx context.Context, name, entityType string) (*types.Entity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, doc := range d.coll(types.CollEntities) {
		if doc["name"] == name && doc["type"] == entityType {
			var ent types.Entity
			if err := fromDoc(doc, &ent); err != nil {
				return nil, &types.PermanentStorageError{Op: "entity_by_name_type", Err: err}
			}
			return &ent, nil
		}
	}
	return nil, &types.NotFoundError{Collection: types.CollEntities, Key: name + "/" + entityType}
}

func (d *MemoryDriver) ValidEdgesFrom(ctx context.Context, fromID, edgeType string, at time.Time) ([]types.Relationship, error) {
	at = PointInTime(at)
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []types.Relationship
	for _, doc := range d.coll(types.CollRelationships) {
		if doc["_from"] != fromID || doc["type"] != edgeType {
			continue
		}
		if !docValidAt(doc, at) {
			continue
		}
		var e types.Relationship
		if err := fromDoc(doc, &e); err != nil {
			return nil, &types.PermanentStorageError{Op: "valid_edges_from", Err: err}
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (d *MemoryDriver) EntityGraph(ctx context.Context) ([]string, []WeightedEdge, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var nodes []string
	for key := range d.coll(types.CollEntities) {
		nodes = append(nodes, key)
	}
	sort.Strings(nodes)
	var edges []WeightedEdge
	for _, doc := range d.coll(types.CollRelationships) {
		if v, present := doc["invalid_at"]; present && v != nil {
			continue
		}
		e := WeightedEdge{Weight: 1.0}
		if v, ok := doc["_from"].(string); ok {
			e.From = types.KeyFromDocID(v)
		}
		if v, ok := doc["_to"].(string); ok {
			e.To = types.KeyFromDocID(v)
		}
		if v, ok := doc["confidence"].(float64); ok && v > 0 {
			e.Weight = v
		}
		edges = append(edges, e)
	}
	return nodes, edges, nil
}

func (d *MemoryDriver) Traverse(ctx context.Context, q TraversalQuery) ([]TraversalRow, error) {
	at := PointInTime(q.At)
	d.mu.RLock()
	defer d.mu.RUnlock()

	typeAllowed := func(t string) bool {
		if len(q.EdgeTypes) == 0 {
			return true
		}
		for _, et := range q.EdgeTypes {
			if et == t {
				return true
			}
		}
		return false
	}

	// Undirected adjacency over valid edges.
	adjacency := make(map[string][]string)
	for _, doc := range d.coll(types.CollRelationships) {
		if !docValidAt(doc, at) {
			continue
		}
		edgeType, _ := doc["type"].(string)
		if !typeAllowed(edgeType) {
			continue
		}
		fromID, _ := doc["_from"].(string)
		toID, _ := doc["_to"].(string)
		if fromID == "" || toID == "" {
			continue
		}
		from := types.KeyFromDocID(fromID)
		to := types.KeyFromDocID(toID)
		adjacency[from] = append(adjacency[from], to)
		adjacency[to] = append(adjacency[to], from)
	}

	type frontier struct {
		key  string
		path []string
	}
	visited := map[string]bool{q.StartKey: true}
	queue := []frontier{{key: q.StartKey, path: []string{q.StartKey}}}
	var rows []TraversalRow

	for depth := 1; depth <= q.Depth && len(queue) > 0; depth++ {
		var next []frontier
		for _, f := range queue {
			neighbors := append([]string(nil), adjacency[f.key]...)
			sort.Strings(neighbors)
			for _, n := range neighbors {
				if visited[n] {
					continue
				}
				visited[n] = true
				path := append(append([]string(nil), f.path...), n)
				doc := d.coll(types.CollEntities)[n]
				if doc != nil {
					rows = append(rows, TraversalRow{Doc: doc, Depth: depth, Path: path})
				}
				next = append(next, frontier{key: n, path: path})
				if q.Limit > 0 && len(rows) >= q.Limit {
					return rows, nil
				}
			}
		}
		queue = next
	}
	return rows, nil
}

// SearchBM25 approximates view-backed lexical search with token-overlap
// scoring over the view's linked fields. Close enough for tests; relative
// ordering by term overlap is what callers rely on.
func (d *MemoryDriver) SearchBM25(ctx context.Context, q BM25Query) ([]types.SearchResult, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	def, ok := d.views[q.View]
	if !ok {
		return nil, &types.NotFoundError{Collection: "views", Key: q.View}
	}
	terms := strings.Fields(strings.ToLower(q.Text))
	if len(terms) == 0 {
		return nil, nil
	}
	var results []types.SearchResult
	for coll, fields := range def.Links {
		for _, doc := range d.coll(coll) {
			if !q.At.IsZero() && !docValidAt(doc, q.At) {
				continue
			}
			var score float64
			for _, field := range fields {
				text, _ := doc[field].(string)
				tokens := strings.Fields(strings.ToLower(text))
				for _, term := range terms {
					for _, tok := range tokens {
						if strings.Trim(tok, ".,!?;:") == term {
							score++
						}
					}
				}
			}
			if score > q.MinScore && score > 0 {
				results = append(results, types.SearchResult{Doc: doc, Score: score, Engine: types.EngineBM25})
			}
		}
	}
	sortResults(results)
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

func (d *MemoryDriver) VectorCandidates(ctx context.Context, q VectorQuery) ([]types.SearchResult, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.vectorIndexes[q.Collection+"."+q.Field] {
		return nil, ErrUnsupported
	}
	// Candidate pass ignores every predicate except the vector, matching
	// the index-backed path.
	var results []types.SearchResult
	for _, doc := range d.coll(q.Collection) {
		emb := docEmbedding(doc, q.Field)
		if emb == nil {
			continue
		}
		score := vectormath.CosineSimilarity(q.Vector, emb)
		results = append(results, types.SearchResult{Doc: doc, Score: score, Engine: types.EngineVector})
	}
	sortResults(results)
	limit := q.Limit
	if q.ExpandFactor > 1 {
		limit = q.Limit * q.ExpandFactor
	}
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (d *MemoryDriver) ManualCosine(ctx context.Context, q VectorQuery) ([]types.SearchResult, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var results []types.SearchResult
	for _, doc := range d.coll(q.Collection) {
		if !q.At.IsZero() && !docValidAt(doc, q.At) {
			continue
		}
		if len(q.Tags) > 0 && !hasAnyTag(docTags(doc), q.Tags) {
			continue
		}
		emb := docEmbedding(doc, q.Field)
		if emb == nil {
			continue
		}
		score := vectormath.CosineSimilarity(q.Vector, emb)
		if score < q.MinScore {
			continue
		}
		results = append(results, types.SearchResult{Doc: doc, Score: score, Engine: types.EngineManualCosine})
	}
	sortResults(results)
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

func (d *MemoryDriver) SearchTags(ctx context.Context, coll string, tags []string, matchAll bool, limit int) ([]types.SearchResult, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var results []types.SearchResult
	for _, doc := range d.coll(coll) {
		docTagList := docTags(doc)
		match := hasAnyTag(docTagList, tags)
		if matchAll {
			match = hasAllTags(docTagList, tags)
		}
		if !match {
			continue
		}
		results = append(results, types.SearchResult{Doc: doc, Score: 1.0, Engine: types.EngineTag})
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}

func (d *MemoryDriver) SearchKeyword(ctx context.Context, coll, keyword string, limit int) ([]types.SearchResult, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	needle := strings.ToLower(keyword)
	var results []types.SearchResult
	for _, doc := range d.coll(coll) {
		content, _ := doc["content"].(string)
		name, _ := doc["name"].(string)
		if !strings.Contains(strings.ToLower(content), needle) &&
			!strings.Contains(strings.ToLower(name), needle) {
			continue
		}
		results = append(results, types.SearchResult{Doc: doc, Score: 1.0, Engine: types.EngineKeyword})
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}

func (d *MemoryDriver) AllDocuments(ctx context.Context, coll string, fn func(doc map[string]any) error) error {
	d.mu.RLock()
	keys := make([]string, 0, len(d.coll(coll)))
	for k := range d.coll(coll) {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	docs := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		docs = append(docs, d.coll(coll)[k])
	}
	d.mu.RUnlock()
	for _, doc := range docs {
		if err := fn(doc); err != nil {
			return err
		}
	}
	return nil
}

func (d *MemoryDriver) TruncateCollection(ctx context.Context, coll string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.collections[coll] = map[string]map[string]any{}
	return nil
}

func (d *MemoryDriver) ViewExists(ctx context.Context, name string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.views[name]
	return ok, nil
}

func (d *MemoryDriver) ViewProperties(ctx context.Context, name string) (map[string]any, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	def, ok := d.views[name]
	if !ok {
		return nil, &types.NotFoundError{Collection: "views", Key: name}
	}
	links := map[string]any{}
	for coll, fields := range def.Links {
		fieldProps := map[string]any{}
		for _, f := range fields {
			fieldProps[f] = map[string]any{"analyzers": []any{def.Analyzer}}
		}
		links[coll] = map[string]any{"fields": fieldProps}
	}
	return map[string]any{"links": links}, nil
}

func (d *MemoryDriver) CreateSearchView(ctx context.Context, def ViewDefinition) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.views[def.Name] = def
	return nil
}

func (d *MemoryDriver) DropView(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.views, name)
	return nil
}

func (d *MemoryDriver) EnsureVectorIndex(ctx context.Context, coll, field string, dimension, nLists int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.vectorIndexes[coll+"."+field] = true
	return nil
}

// DisableVectorIndex removes a vector index so tests can force the
// manual-cosine fallback.
func (d *MemoryDriver) DisableVectorIndex(coll, field string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.vectorIndexes, coll+"."+field)
}

// Transaction runs fn directly; the in-memory store has no transactional
// isolation, which tests tolerate.
func (d *MemoryDriver) Transaction(ctx context.Context, collections []string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (d *MemoryDriver) Query(ctx context.Context, query string, binds map[string]any) ([]map[string]any, error) {
	return nil, fmt.Errorf("raw queries: %w", ErrUnsupported)
}

func (d *MemoryDriver) Stats(ctx context.Context) (*Stats, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return &Stats{
		Messages:      int64(len(d.coll(types.CollMessages))),
		Memories:      int64(len(d.coll(types.CollMemories))),
		Entities:      int64(len(d.coll(types.CollEntities))),
		Relationships: int64(len(d.coll(types.CollRelationships))),
		Communities:   int64(len(d.coll(types.CollCommunities))),
		Episodes:      int64(len(d.coll(types.CollEpisodes))),
	}, nil
}

func hasAnyTag(docTags, want []string) bool {
	for _, w := range want {
		for _, t := range docTags {
			if t == w {
				return true
			}
		}
	}
	return false
}

func hasAllTags(docTags, want []string) bool {
	for _, w := range want {
		found := false
		for _, t := range docTags {
			if t == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return len(want) > 0
}

// sortResults orders by score descending, breaking ties on key so output is
// deterministic.
func sortResults(results []types.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Key() < results[j].Key()
	})
}
