package driver

import (
	"context"
	"errors"
	"time"

	"github.com/soundprediction/mnemosyne/pkg/types"
)

// ErrUnsupported is returned by a driver for operations its backend cannot
// perform, such as raw queries against the in-memory driver or approximate
// vector search where no vector index exists.
var ErrUnsupported = errors.New("operation not supported by this driver")

// BM25Query describes a lexical search against a search view.
type BM25Query struct {
	View     string
	Fields   []string
	Text     string
	Analyzer string
	Limit    int
	MinScore float64
	// At, when non-zero, restricts results to documents valid at that time.
	At time.Time
}

// VectorQuery describes a similarity search over one collection's embedding
// field. For approximate search the candidate pass applies no filter other
// than the vector itself; Filters are applied afterwards in process.
type VectorQuery struct {
	Collection string
	Field      string
	Vector     []float32
	Limit      int
	MinScore   float64
	// ExpandFactor multiplies Limit for the candidate pass so post-filtering
	// still has enough survivors.
	ExpandFactor int
	// At, when non-zero, is the point-in-time constraint applied after the
	// candidate pass (or inline, for exact scans).
	At time.Time
	// Tags, when set, keeps only documents carrying at least one of them.
	Tags []string
}

// TraversalQuery describes a bounded graph walk from one entity.
type TraversalQuery struct {
	StartKey  string
	Depth     int
	EdgeTypes []string
	At        time.Time
	Limit     int
}

// TraversalRow is one document reached by a traversal, with the depth at
// which it was first reached and the entity keys along the path.
type TraversalRow struct {
	Doc   map[string]any
	Depth int
	Path  []string
}

// WeightedEdge is the projection of a relationship used by community
// detection.
type WeightedEdge struct {
	From   string
	To     string
	Weight float64
}

// ViewDefinition describes the desired state of a search view over one or
// more collections.
type ViewDefinition struct {
	Name string
	// Links maps collection name to the analyzed fields of that collection.
	Links    map[string][]string
	Analyzer string
}

// Stats summarizes graph size for health reporting.
type Stats struct {
	Messages      int64 `json:"messages"`
	Memories      int64 `json:"memories"`
	Entities      int64 `json:"entities"`
	Relationships int64 `json:"relationships"`
	Communities   int64 `json:"communities"`
	Episodes      int64 `json:"episodes"`
}

// Driver is the storage adapter interface. All blocking operations take a
// context and honor its deadline. Implementations classify failures as
// types.TransientStorageError or types.PermanentStorageError.
type Driver interface {
	// EnsureSchema creates collections, persistent indexes, and the named
	// graph if they do not exist. Idempotent.
	EnsureSchema(ctx context.Context) error

	// Close releases the connection. The driver is unusable afterwards.
	Close(ctx context.Context) error

	// InsertDocument inserts doc into coll and returns the assigned key.
	InsertDocument(ctx context.Context, coll string, doc any) (string, error)

	// GetDocument reads coll/key into out. Returns types.NotFoundError when
	// the key does not resolve.
	GetDocument(ctx context.Context, coll, key string, out any) error

	// ReplaceDocument replaces coll/key wholesale.
	ReplaceDocument(ctx context.Context, coll, key string, doc any) error

	// PatchDocument merges patch into coll/key.
	PatchDocument(ctx context.Context, coll, key string, patch map[string]any) error

	// InvalidateDocument sets invalid_at on coll/key if and only if it is
	// still null, recording by as the superseding actor. Returns false when
	// the document was already invalidated; the stored timestamp is not
	// touched in that case.
	InvalidateDocument(ctx context.Context, coll, key string, at time.Time, by string) (bool, error)

	// LastMessageKey returns the key of the newest valid message in a
	// conversation, or "" when the conversation is empty.
	LastMessageKey(ctx context.Context, conversationID string) (string, error)

	// MessagesInWindow returns the valid messages of a conversation whose
	// valid_at falls in [from, to), ordered by valid_at.
	MessagesInWindow(ctx context.Context, conversationID string, from, to time.Time) ([]types.Message, error)

	// EntityByNameType resolves the entity uniquely identified by (name,
	// type). Returns types.NotFoundError when absent.
	EntityByNameType(ctx context.Context, name, entityType string) (*types.Entity, error)

	// ValidEdgesFrom returns the outgoing edges of fromID (a full document
	// id) with the given type that are valid at the given instant.
	ValidEdgesFrom(ctx context.Context, fromID, edgeType string, at time.Time) ([]types.Relationship, error)

	// EntityGraph returns every entity key and every currently valid
	// relationship, projected for community detection.
	EntityGraph(ctx context.Context) ([]string, []WeightedEdge, error)

	// Traverse performs a bounded breadth-first walk over valid edges.
	Traverse(ctx context.Context, q TraversalQuery) ([]TraversalRow, error)

	// SearchBM25 runs a lexical search against a search view.
	SearchBM25(ctx context.Context, q BM25Query) ([]types.SearchResult, error)

	// VectorCandidates runs the approximate candidate pass of a vector
	// search. No constraint other than the vector is pushed to the index;
	// the caller filters the expanded candidate set. Returns ErrUnsupported
	// when no vector index backs the collection.
	VectorCandidates(ctx context.Context, q VectorQuery) ([]types.SearchResult, error)

	// ManualCosine runs an exact cosine scan with filters applied inline.
	// This is the degraded fallback for VectorCandidates.
	ManualCosine(ctx context.Context, q VectorQuery) ([]types.SearchResult, error)

	// SearchTags returns documents carrying the given tags. With matchAll
	// set, a document must carry every tag; otherwise any one suffices.
	SearchTags(ctx context.Context, coll string, tags []string, matchAll bool, limit int) ([]types.SearchResult, error)

	// SearchKeyword returns documents whose content contains the keyword,
	// case-insensitively. No view required.
	SearchKeyword(ctx context.Context, coll, keyword string, limit int) ([]types.SearchResult, error)

	// AllDocuments streams every document of a collection, for export.
	AllDocuments(ctx context.Context, coll string, fn func(doc map[string]any) error) error

	// TruncateCollection removes every document of a collection. Used by
	// community detection, which rebuilds its collection wholesale.
	TruncateCollection(ctx context.Context, coll string) error

	// ViewExists reports whether the named search view exists.
	ViewExists(ctx context.Context, name string) (bool, error)

	// ViewProperties returns the raw properties of an existing view.
	ViewProperties(ctx context.Context, name string) (map[string]any, error)

	// CreateSearchView creates a search view from a definition.
	CreateSearchView(ctx context.Context, def ViewDefinition) error

	// DropView removes a search view.
	DropView(ctx context.Context, name string) error

	// EnsureVectorIndex creates the approximate-similarity index on a
	// collection's embedding field if missing.
	EnsureVectorIndex(ctx context.Context, coll, field string, dimension, nLists int) error

	// Transaction runs fn inside a database transaction spanning the given
	// collections. fn receives a context carrying the transaction; an error
	// aborts, nil commits. Backends without transactions run fn directly.
	Transaction(ctx context.Context, collections []string, fn func(ctx context.Context) error) error

	// Query runs a raw query with bind variables and returns the rows as
	// maps. MemoryDriver returns ErrUnsupported.
	Query(ctx context.Context, query string, binds map[string]any) ([]map[string]any, error)

	// Stats returns collection counts.
	Stats(ctx context.Context) (*Stats, error)
}
