package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	arango "github.com/arangodb/go-driver"
	arangohttp "github.com/arangodb/go-driver/http"

	"github.com/soundprediction/mnemosyne/pkg/types"
)

// ArangoOptions configures the Arango adapter.
type ArangoOptions struct {
	Endpoints  []string
	Database   string
	Username   string
	Password   string
	GraphName  string
	MaxRetries int
	Logger     *slog.Logger
}

// ArangoDriver implements Driver on ArangoDB.
type ArangoDriver struct {
	conn      arango.Connection
	client    arango.Client
	db        arango.Database
	dbName    string
	graphName string
	retry     retryConfig
	logger    *slog.Logger
}

// NewArangoDriver connects to the server and opens (creating if needed) the
// configured database.
func NewArangoDriver(ctx context.Context, opts ArangoOptions) (*ArangoDriver, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.GraphName == "" {
		opts.GraphName = "memory_graph"
	}

	conn, err := arangohttp.NewConnection(arangohttp.ConnectionConfig{
		Endpoints: opts.Endpoints,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}

	client, err := arango.NewClient(arango.ClientConfig{
		Connection:     conn,
		Authentication: arango.BasicAuthentication(opts.Username, opts.Password),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	exists, err := client.DatabaseExists(ctx, opts.Database)
	if err != nil {
		return nil, &types.TransientStorageError{Op: "database_exists", Err: err}
	}
	var db arango.Database
	if exists {
		db, err = client.Database(ctx, opts.Database)
	} else {
		db, err = client.CreateDatabase(ctx, opts.Database, nil)
	}
	if err != nil {
		return nil, &types.PermanentStorageError{Op: "open_database", Err: err}
	}

	return &ArangoDriver{
		conn:      conn,
		client:    client,
		db:        db,
		dbName:    opts.Database,
		graphName: opts.GraphName,
		retry:     defaultRetryConfig(opts.MaxRetries),
		logger:    opts.Logger.With("component", "driver"),
	}, nil
}

// documentCollections are the vertex-style collections the engine persists.
var documentCollections = []string{
	types.CollMessages,
	types.CollMemories,
	types.CollEntities,
	types.CollCommunities,
	types.CollEpisodes,
	types.CollCompactions,
	types.CollContradictionLog,
	types.CollEvents,
}

// EnsureSchema creates collections, the named graph, and the persistent
// indexes backing point-in-time and identity lookups.
func (d *ArangoDriver) EnsureSchema(ctx context.Context) error {
	for _, name := range documentCollections {
		if err := d.ensureCollection(ctx, name, arango.CollectionTypeDocument); err != nil {
			return err
		}
	}
	if err := d.ensureCollection(ctx, types.CollRelationships, arango.CollectionTypeEdge); err != nil {
		return err
	}

	graphExists, err := d.db.GraphExists(ctx, d.graphName)
	if err != nil {
		return &types.TransientStorageError{Op: "graph_exists", Err: err}
	}
	if !graphExists {
		_, err = d.db.CreateGraphV2(ctx, d.graphName, &arango.CreateGraphOptions{
			EdgeDefinitions: []arango.EdgeDefinition{{
				Collection: types.CollRelationships,
				From:       []string{types.CollEntities},
				To:         []string{types.CollEntities},
			}},
		})
		if err != nil && !arango.IsConflict(err) {
			return &types.PermanentStorageError{Op: "create_graph", Err: err}
		}
	}

	indexes := []struct {
		coll   string
		fields []string
		unique bool
	}{
		{types.CollMessages, []string{"conversation_id", "created_at"}, false},
		{types.CollMessages, []string{"valid_at"}, false},
		{types.CollMemories, []string{"valid_at"}, false},
		{types.CollEntities, []string{"name", "type"}, true},
		{types.CollRelationships, []string{"type", "valid_at"}, false},
		{types.CollEpisodes, []string{"is_active"}, false},
	}
	for _, idx := range indexes {
		col, err := d.db.Collection(ctx, idx.coll)
		if err != nil {
			return &types.PermanentStorageError{Op: "open_collection", Err: err}
		}
		_, _, err = col.EnsurePersistentIndex(ctx, idx.fields, &arango.EnsurePersistentIndexOptions{
			Unique: idx.unique,
		})
		if err != nil {
			return &types.PermanentStorageError{Op: "ensure_index", Err: err}
		}
	}

	d.logger.Info("schema ensured",
		"database", d.dbName,
		"graph", d.graphName)
	return nil
}

func (d *ArangoDriver) ensureCollection(ctx context.Context, name string, typ arango.CollectionType) error {
	exists, err := d.db.CollectionExists(ctx, name)
	if err != nil {
		return &types.TransientStorageError{Op: "collection_exists", Err: err}
	}
	if exists {
		return nil
	}
	_, err = d.db.CreateCollection(ctx, name, &arango.CreateCollectionOptions{Type: typ})
	if err != nil && !arango.IsConflict(err) {
		return &types.PermanentStorageError{Op: "create_collection", Err: err}
	}
	return nil
}

// Close releases the connection. The v1 driver holds no pooled state that
// needs explicit shutdown.
func (d *ArangoDriver) Close(ctx context.Context) error {
	return nil
}

func (d *ArangoDriver) InsertDocument(ctx context.Context, coll string, doc any) (string, error) {
	var key string
	err := withRetry(ctx, d.retry, "insert_document", func() error {
		col, err := d.db.Collection(ctx, coll)
		if err != nil {
			return err
		}
		meta, err := col.CreateDocument(ctx, doc)
		if err != nil {
			return err
		}
		key = meta.Key
		return nil
	})
	return key, err
}

func (d *ArangoDriver) GetDocument(ctx context.Context, coll, key string, out any) error {
	return withRetry(ctx, d.retry, "get_document", func() error {
		col, err := d.db.Collection(ctx, coll)
		if err != nil {
			return err
		}
		_, err = col.ReadDocument(ctx, key, out)
		if arango.IsNotFound(err) {
			return &types.NotFoundError{Collection: coll, Key: key}
		}
		return err
	})
}

func (d *ArangoDriver) ReplaceDocument(ctx context.Context, coll, key string, doc any) error {
	return withRetry(ctx, d.retry, "replace_document", func() error {
		col, err := d.db.Collection(ctx, coll)
		if err != nil {
			return err
		}
		_, err = col.ReplaceDocument(ctx, key, doc)
		if arango.IsNotFound(err) {
			return &types.NotFoundError{Collection: coll, Key: key}
		}
		return err
	})
}

func (d *ArangoDriver) PatchDocument(ctx context.Context, coll, key string, patch map[string]any) error {
	return withRetry(ctx, d.retry, "patch_document", func() error {
		col, err := d.db.Collection(ctx, coll)
		if err != nil {
			return err
		}
		_, err = col.UpdateDocument(ctx, key, patch)
		if arango.IsNotFound(err) {
			return &types.NotFoundError{Collection: coll, Key: key}
		}
		return err
	})
}

// InvalidateDocument applies the compare-and-set ending a document's valid
// time. The filtered UPDATE matches only while invalid_at is null, so when
// two invalidators race exactly one sees a row come back.
func (d *ArangoDriver) InvalidateDocument(ctx context.Context, coll, key string, at time.Time, by string) (bool, error) {
	rows, err := d.Query(ctx, BuildInvalidateQuery(coll), map[string]any{
		"key": key,
		"at":  at.UTC(),
		"by":  by,
	})
	if err != nil {
		return false, err
	}
	if len(rows) > 0 {
		return true, nil
	}
	// No row updated: either the key is unknown or it was already
	// invalidated. Distinguish for the caller.
	var probe map[string]any
	if err := d.GetDocument(ctx, coll, key, &probe); err != nil {
		return false, err
	}
	return false, nil
}

func (d *ArangoDriver) LastMessageKey(ctx context.Context, conversationID string) (string, error) {
	rows, err := d.queryRaw(ctx, BuildLastMessageQuery(), map[string]any{
		"conversationID": conversationID,
	})
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", nil
	}
	var key string
	if err := json.Unmarshal(rows[0], &key); err != nil {
		return "", &types.PermanentStorageError{Op: "last_message_key", Err: err}
	}
	return key, nil
}

func (d *ArangoDriver) MessagesInWindow(ctx context.Context, conversationID string, from, to time.Time) ([]types.Message, error) {
	rows, err := d.queryRaw(ctx, BuildMessagesWindowQuery(), map[string]any{
		"conversationID": conversationID,
		"from":           from.UTC(),
		"to":             to.UTC(),
	})
	if err != nil {
		return nil, err
	}
	messages := make([]types.Message, 0, len(rows))
	for _, raw := range rows {
		var m types.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, &types.PermanentStorageError{Op: "messages_in_window", Err: err}
		}
		messages = append(messages, m)
	}
	return messages, nil
}

func (d *ArangoDriver) EntityByNameType(ctx context.Context, name, entityType string) (*types.Entity, error) {
	query := "FOR ent IN entities FILTER ent.name == @name AND ent.type == @type LIMIT 1 RETURN ent"
	rows, err := d.queryRaw(ctx, query, map[string]any{"name": name, "type": entityType})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &types.NotFoundError{Collection: types.CollEntities, Key: name + "/" + entityType}
	}
	var ent types.Entity
	if err := json.Unmarshal(rows[0], &ent); err != nil {
		return nil, &types.PermanentStorageError{Op: "entity_by_name_type", Err: err}
	}
	return &ent, nil
}

func (d *ArangoDriver) ValidEdgesFrom(ctx context.Context, fromID, edgeType string, at time.Time) ([]types.Relationship, error) {
	rows, err := d.queryRaw(ctx, BuildValidEdgesQuery(), map[string]any{
		"from": fromID,
		"type": edgeType,
		"at":   PointInTime(at),
	})
	if err != nil {
		return nil, err
	}
	edges := make([]types.Relationship, 0, len(rows))
	for _, raw := range rows {
		var e types.Relationship
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, &types.PermanentStorageError{Op: "valid_edges_from", Err: err}
		}
		edges = append(edges, e)
	}
	return edges, nil
}

func (d *ArangoDriver) EntityGraph(ctx context.Context) ([]string, []WeightedEdge, error) {
	nodeQuery, edgeQuery := BuildEntityGraphQueries()
	rawNodes, err := d.queryRaw(ctx, nodeQuery, nil)
	if err != nil {
		return nil, nil, err
	}
	nodes := make([]string, 0, len(rawNodes))
	for _, raw := range rawNodes {
		var k string
		if err := json.Unmarshal(raw, &k); err != nil {
			return nil, nil, &types.PermanentStorageError{Op: "entity_graph", Err: err}
		}
		nodes = append(nodes, k)
	}
	edgeDocs, err := d.Query(ctx, edgeQuery, nil)
	if err != nil {
		return nil, nil, err
	}
	edges := make([]WeightedEdge, 0, len(edgeDocs))
	for _, doc := range edgeDocs {
		e := WeightedEdge{Weight: 1.0}
		if v, ok := doc["from"].(string); ok {
			e.From = types.KeyFromDocID(v)
		}
		if v, ok := doc["to"].(string); ok {
			e.To = types.KeyFromDocID(v)
		}
		if v, ok := doc["weight"].(float64); ok && v > 0 {
			e.Weight = v
		}
		edges = append(edges, e)
	}
	return nodes, edges, nil
}

func (d *ArangoDriver) Traverse(ctx context.Context, q TraversalQuery) ([]TraversalRow, error) {
	query, binds := BuildTraversalQuery(q, d.graphName)
	binds["start"] = types.EntityDocID(q.StartKey)
	rows, err := d.Query(ctx, query, binds)
	if err != nil {
		return nil, err
	}
	out := make([]TraversalRow, 0, len(rows))
	for _, row := range rows {
		tr := TraversalRow{}
		if doc, ok := row["doc"].(map[string]any); ok {
			tr.Doc = doc
		}
		if depth, ok := row["depth"].(float64); ok {
			tr.Depth = int(depth)
		}
		if path, ok := row["path"].([]any); ok {
			for _, p := range path {
				if s, ok := p.(string); ok {
					tr.Path = append(tr.Path, s)
				}
			}
		}
		out = append(out, tr)
	}
	return out, nil
}

func (d *ArangoDriver) SearchBM25(ctx context.Context, q BM25Query) ([]types.SearchResult, error) {
	query, binds := BuildBM25Query(q)
	rows, err := d.Query(ctx, query, binds)
	if err != nil {
		return nil, err
	}
	return scoredResults(rows, types.EngineBM25), nil
}

func (d *ArangoDriver) VectorCandidates(ctx context.Context, q VectorQuery) ([]types.SearchResult, error) {
	query, binds := BuildVectorCandidateQuery(q)
	rows, err := d.Query(ctx, query, binds)
	if err != nil {
		return nil, err
	}
	return scoredResults(rows, types.EngineVector), nil
}

func (d *ArangoDriver) ManualCosine(ctx context.Context, q VectorQuery) ([]types.SearchResult, error) {
	query, binds := BuildManualCosineQuery(q)
	rows, err := d.Query(ctx, query, binds)
	if err != nil {
		return nil, err
	}
	return scoredResults(rows, types.EngineManualCosine), nil
}

func (d *ArangoDriver) SearchTags(ctx context.Context, coll string, tags []string, matchAll bool, limit int) ([]types.SearchResult, error) {
	query, _ := BuildTagQuery(coll, matchAll)
	rows, err := d.Query(ctx, query, map[string]any{"tags": tags, "limit": limit})
	if err != nil {
		return nil, err
	}
	return plainResults(rows, types.EngineTag), nil
}

func (d *ArangoDriver) SearchKeyword(ctx context.Context, coll, keyword string, limit int) ([]types.SearchResult, error) {
	rows, err := d.Query(ctx, BuildKeywordQuery(coll), map[string]any{"keyword": keyword, "limit": limit})
	if err != nil {
		return nil, err
	}
	return plainResults(rows, types.EngineKeyword), nil
}

func (d *ArangoDriver) AllDocuments(ctx context.Context, coll string, fn func(doc map[string]any) error) error {
	query := fmt.Sprintf("FOR doc IN %s RETURN doc", coll)
	cursor, err := d.db.Query(ctx, query, nil)
	if err != nil {
		return classify("all_documents", err)
	}
	defer cursor.Close()
	for {
		var doc map[string]any
		_, err := cursor.ReadDocument(ctx, &doc)
		if arango.IsNoMoreDocuments(err) {
			return nil
		}
		if err != nil {
			return classify("all_documents", err)
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
}

func (d *ArangoDriver) TruncateCollection(ctx context.Context, coll string) error {
	return withRetry(ctx, d.retry, "truncate_collection", func() error {
		col, err := d.db.Collection(ctx, coll)
		if err != nil {
			return err
		}
		return col.Truncate(ctx)
	})
}

func (d *ArangoDriver) ViewExists(ctx context.Context, name string) (bool, error) {
	exists, err := d.db.ViewExists(ctx, name)
	if err != nil {
		return false, &types.TransientStorageError{Op: "view_exists", Err: err}
	}
	return exists, nil
}

func (d *ArangoDriver) ViewProperties(ctx context.Context, name string) (map[string]any, error) {
	view, err := d.db.View(ctx, name)
	if err != nil {
		if arango.IsNotFound(err) {
			return nil, &types.NotFoundError{Collection: "views", Key: name}
		}
		return nil, &types.TransientStorageError{Op: "view_properties", Err: err}
	}
	asv, err := view.ArangoSearchView()
	if err != nil {
		return nil, &types.PermanentStorageError{Op: "view_properties", Err: err}
	}
	props, err := asv.Properties(ctx)
	if err != nil {
		return nil, &types.TransientStorageError{Op: "view_properties", Err: err}
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return nil, &types.PermanentStorageError{Op: "view_properties", Err: err}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &types.PermanentStorageError{Op: "view_properties", Err: err}
	}
	return out, nil
}

func (d *ArangoDriver) CreateSearchView(ctx context.Context, def ViewDefinition) error {
	links := arango.ArangoSearchLinks{}
	for coll, fields := range def.Links {
		fieldProps := arango.ArangoSearchFields{}
		for _, f := range fields {
			fieldProps[f] = arango.ArangoSearchElementProperties{
				Analyzers: []string{def.Analyzer},
			}
		}
		includeAll := false
		links[coll] = arango.ArangoSearchElementProperties{
			IncludeAllFields: &includeAll,
			Fields:           fieldProps,
		}
	}
	_, err := d.db.CreateArangoSearchView(ctx, def.Name, &arango.ArangoSearchViewProperties{
		Links: links,
	})
	if err != nil && !arango.IsConflict(err) {
		return &types.PermanentStorageError{Op: "create_view", Err: err}
	}
	return nil
}

func (d *ArangoDriver) DropView(ctx context.Context, name string) error {
	view, err := d.db.View(ctx, name)
	if err != nil {
		if arango.IsNotFound(err) {
			return nil
		}
		return &types.TransientStorageError{Op: "drop_view", Err: err}
	}
	if err := view.Remove(ctx); err != nil {
		return &types.TransientStorageError{Op: "drop_view", Err: err}
	}
	return nil
}

// EnsureVectorIndex creates the approximate-similarity index through the raw
// HTTP API; the v1 driver has no typed call for vector indexes.
func (d *ArangoDriver) EnsureVectorIndex(ctx context.Context, coll, field string, dimension, nLists int) error {
	req, err := d.conn.NewRequest("POST", fmt.Sprintf("/_db/%s/_api/index", d.dbName))
	if err != nil {
		return &types.PermanentStorageError{Op: "ensure_vector_index", Err: err}
	}
	req.SetQuery("collection", coll)
	body := map[string]any{
		"type":   "vector",
		"fields": []string{field},
		"params": map[string]any{
			"metric":    "cosine",
			"dimension": dimension,
			"nLists":    nLists,
		},
	}
	if _, err := req.SetBody(body); err != nil {
		return &types.PermanentStorageError{Op: "ensure_vector_index", Err: err}
	}
	resp, err := d.conn.Do(ctx, req)
	if err != nil {
		return &types.TransientStorageError{Op: "ensure_vector_index", Err: err}
	}
	// 409 means the index already exists.
	if err := resp.CheckStatus(200, 201, 409); err != nil {
		return &types.PermanentStorageError{Op: "ensure_vector_index", Err: err}
	}
	return nil
}

// Transaction wraps fn in a stream transaction over the given collections.
func (d *ArangoDriver) Transaction(ctx context.Context, collections []string, fn func(ctx context.Context) error) error {
	tid, err := d.db.BeginTransaction(ctx, arango.TransactionCollections{
		Write: collections,
	}, nil)
	if err != nil {
		return classify("begin_transaction", err)
	}
	txctx := arango.WithTransactionID(ctx, tid)
	if err := fn(txctx); err != nil {
		if abortErr := d.db.AbortTransaction(ctx, tid, nil); abortErr != nil {
			d.logger.Warn("failed to abort transaction", "error", abortErr)
		}
		return err
	}
	if err := d.db.CommitTransaction(ctx, tid, nil); err != nil {
		return classify("commit_transaction", err)
	}
	return nil
}

func (d *ArangoDriver) Query(ctx context.Context, query string, binds map[string]any) ([]map[string]any, error) {
	var rows []map[string]any
	err := withRetry(ctx, d.retry, "query", func() error {
		rows = rows[:0]
		cursor, err := d.db.Query(ctx, query, binds)
		if err != nil {
			return err
		}
		defer cursor.Close()
		for {
			var doc map[string]any
			_, err := cursor.ReadDocument(ctx, &doc)
			if arango.IsNoMoreDocuments(err) {
				return nil
			}
			if err != nil {
				return err
			}
			rows = append(rows, doc)
		}
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// queryRaw returns rows as raw JSON for callers decoding into typed structs.
func (d *ArangoDriver) queryRaw(ctx context.Context, query string, binds map[string]any) ([]json.RawMessage, error) {
	var rows []json.RawMessage
	err := withRetry(ctx, d.retry, "query", func() error {
		rows = rows[:0]
		cursor, err := d.db.Query(ctx, query, binds)
		if err != nil {
			return err
		}
		defer cursor.Close()
		for {
			var doc json.RawMessage
			_, err := cursor.ReadDocument(ctx, &doc)
			if arango.IsNoMoreDocuments(err) {
				return nil
			}
			if err != nil {
				return err
			}
			rows = append(rows, doc)
		}
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (d *ArangoDriver) Stats(ctx context.Context) (*Stats, error) {
	counts := map[string]int64{}
	for _, coll := range []string{
		types.CollMessages, types.CollMemories, types.CollEntities,
		types.CollRelationships, types.CollCommunities, types.CollEpisodes,
	} {
		col, err := d.db.Collection(ctx, coll)
		if err != nil {
			return nil, classify("stats", err)
		}
		n, err := col.Count(ctx)
		if err != nil {
			return nil, classify("stats", err)
		}
		counts[coll] = n
	}
	return &Stats{
		Messages:      counts[types.CollMessages],
		Memories:      counts[types.CollMemories],
		Entities:      counts[types.CollEntities],
		Relationships: counts[types.CollRelationships],
		Communities:   counts[types.CollCommunities],
		Episodes:      counts[types.CollEpisodes],
	}, nil
}

// scoredResults converts {doc, score} rows into the shared result shape.
func scoredResults(rows []map[string]any, engine types.Engine) []types.SearchResult {
	out := make([]types.SearchResult, 0, len(rows))
	for _, row := range rows {
		r := types.SearchResult{Engine: engine}
		if doc, ok := row["doc"].(map[string]any); ok {
			r.Doc = doc
		}
		if score, ok := row["score"].(float64); ok {
			r.Score = score
		}
		out = append(out, r)
	}
	return out
}

// plainResults wraps bare documents with a neutral score of 1.
func plainResults(rows []map[string]any, engine types.Engine) []types.SearchResult {
	out := make([]types.SearchResult, 0, len(rows))
	for _, row := range rows {
		out = append(out, types.SearchResult{Doc: row, Score: 1.0, Engine: engine})
	}
	return out
}
