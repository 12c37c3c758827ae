// Package store persists entities and relationships. Entities are upserted
// by (name, type) identity with embedding and confidence blending;
// relationships pass validation, weighting, and contradiction resolution
// before they are committed.
package store

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/soundprediction/mnemosyne/pkg/contradiction"
	"github.com/soundprediction/mnemosyne/pkg/driver"
	"github.com/soundprediction/mnemosyne/pkg/types"
	"github.com/soundprediction/mnemosyne/pkg/vectormath"
)

// DefaultEntityConfidence is assigned when the caller supplies none.
const DefaultEntityConfidence = 0.5

// reinforcement is the step by which a re-mentioned entity's confidence
// moves toward 1.
const reinforcement = 0.1

// baseWeights maps edge type categories to their base weight. Types outside
// the table get the default.
var baseWeights = map[string]float64{
	"FACTUAL":     1.0,
	"CAUSAL":      0.9,
	"MULTI_HOP":   0.6,
	"ASSOCIATIVE": 0.5,
}

const defaultBaseWeight = 0.7

// BaseWeight returns the weight multiplier for an edge type.
func BaseWeight(edgeType string) float64 {
	if w, ok := baseWeights[strings.ToUpper(edgeType)]; ok {
		return w
	}
	return defaultBaseWeight
}

// Store writes entities and relationships through the driver.
type Store struct {
	driver         driver.Driver
	contradictions *contradiction.Engine
	logger         *slog.Logger
	now            func() time.Time
}

// New creates a store. now is overridable for tests; nil means time.Now.
func New(d driver.Driver, engine *contradiction.Engine, logger *slog.Logger, now func() time.Time) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Store{
		driver:         d,
		contradictions: engine,
		logger:         logger.With("component", "store"),
		now:            now,
	}
}

// UpsertEntity inserts a new entity or blends into the existing one with the
// same (name, type). On update the embedding becomes the renormalized mean
// of prior and new, confidence steps toward 1, and metadata merges with new
// scalars winning and lists unioning. Returns the entity and whether it was
// created.
func (s *Store) UpsertEntity(ctx context.Context, name, entityType string, embedding []float32, confidence float64, metadata map[string]any) (*types.Entity, bool, error) {
	if confidence <= 0 {
		confidence = DefaultEntityConfidence
	}
	candidate := &types.Entity{
		Name:       name,
		Type:       entityType,
		Embedding:  embedding,
		Confidence: confidence,
		Metadata:   metadata,
	}
	if err := candidate.Validate(); err != nil {
		return nil, false, err
	}

	existing, err := s.driver.EntityByNameType(ctx, name, entityType)
	switch {
	case err == nil:
		return s.blend(ctx, existing, candidate)
	case errors.Is(err, &types.NotFoundError{}):
		// fall through to insert
	default:
		return nil, false, err
	}

	now := s.now().UTC()
	candidate.CreatedAt = now
	candidate.UpdatedAt = now
	key, err := s.driver.InsertDocument(ctx, types.CollEntities, candidate)
	if err != nil {
		// A concurrent writer may have created the same identity between the
		// lookup and the insert; blend into their row.
		if existing, lookupErr := s.driver.EntityByNameType(ctx, name, entityType); lookupErr == nil {
			return s.blend(ctx, existing, candidate)
		}
		return nil, false, err
	}
	candidate.Key = key
	s.logger.Debug("entity created", "key", key, "name", name, "type", entityType)
	return candidate, true, nil
}

func (s *Store) blend(ctx context.Context, existing *types.Entity, incoming *types.Entity) (*types.Entity, bool, error) {
	if len(incoming.Embedding) > 0 {
		if len(existing.Embedding) == len(incoming.Embedding) {
			existing.Embedding = vectormath.Normalize(vectormath.Mean(existing.Embedding, incoming.Embedding))
		} else {
			existing.Embedding = incoming.Embedding
		}
	}
	existing.Confidence += reinforcement * (1 - existing.Confidence)
	existing.Metadata = mergeMetadata(existing.Metadata, incoming.Metadata)
	existing.UpdatedAt = s.now().UTC()

	if err := s.driver.ReplaceDocument(ctx, types.CollEntities, existing.Key, existing); err != nil {
		return nil, false, err
	}
	s.logger.Debug("entity reinforced",
		"key", existing.Key,
		"name", existing.Name,
		"confidence", existing.Confidence)
	return existing, false, nil
}

// mergeMetadata merges incoming fields over prior ones. Scalars from the new
// map win; lists union, keeping prior order and appending unseen items.
func mergeMetadata(prior, incoming map[string]any) map[string]any {
	if len(incoming) == 0 {
		return prior
	}
	if prior == nil {
		prior = make(map[string]any, len(incoming))
	}
	for k, v := range incoming {
		oldList, oldIsList := prior[k].([]any)
		newList, newIsList := v.([]any)
		if oldIsList && newIsList {
			prior[k] = unionLists(oldList, newList)
			continue
		}
		prior[k] = v
	}
	return prior
}

func unionLists(a, b []any) []any {
	out := append([]any(nil), a...)
	for _, item := range b {
		seen := false
		for _, have := range out {
			if have == item {
				seen = true
				break
			}
		}
		if !seen {
			out = append(out, item)
		}
	}
	return out
}

// RelationshipInput is the caller-facing shape of create_relationship.
type RelationshipInput struct {
	FromKey    string
	ToKey      string
	Type       string
	Rationale  string
	Attributes map[string]any
	Confidence float64
	// ValidAt overrides the default of valid-from-creation.
	ValidAt time.Time
}

// CreateRelationship validates the input, weights the edge, runs
// contradiction resolution, and commits. Both endpoints must exist. A
// candidate rejected under highest-confidence-wins is never committed and
// the rejection error is returned.
func (s *Store) CreateRelationship(ctx context.Context, in RelationshipInput) (*types.Relationship, error) {
	var from, to types.Entity
	if err := s.driver.GetDocument(ctx, types.CollEntities, in.FromKey, &from); err != nil {
		return nil, err
	}
	if err := s.driver.GetDocument(ctx, types.CollEntities, in.ToKey, &to); err != nil {
		return nil, err
	}

	review := types.ReviewPending
	if in.Confidence >= types.ReviewThreshold &&
		from.Confidence >= types.ReviewThreshold &&
		to.Confidence >= types.ReviewThreshold {
		review = types.ReviewAutoApproved
	}

	edge := &types.Relationship{
		Key:          uuid.NewString(),
		From:         types.EntityDocID(in.FromKey),
		To:           types.EntityDocID(in.ToKey),
		Type:         in.Type,
		Attributes:   in.Attributes,
		Rationale:    in.Rationale,
		Confidence:   in.Confidence,
		Weight:       BaseWeight(in.Type) * in.Confidence,
		ReviewStatus: review,
		Stamp:        types.NewStamp(s.now(), in.ValidAt),
	}
	if err := edge.Validate(); err != nil {
		return nil, err
	}

	// Resolution and commit run inside one transaction to keep the
	// contradiction window short.
	err := s.driver.Transaction(ctx, []string{
		types.CollRelationships, types.CollContradictionLog, types.CollEvents,
	}, func(txctx context.Context) error {
		res, err := s.contradictions.Resolve(txctx, edge)
		if err != nil {
			return err
		}
		if _, err := s.driver.InsertDocument(txctx, types.CollRelationships, edge); err != nil {
			return err
		}
		s.logger.Info("relationship created",
			"key", edge.Key,
			"type", edge.Type,
			"from", edge.From,
			"to", edge.To,
			"weight", edge.Weight,
			"review_status", edge.ReviewStatus,
			"contradictions", len(res.SupersededKeys))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return edge, nil
}

// GetEntity reads one entity by key.
func (s *Store) GetEntity(ctx context.Context, key string) (*types.Entity, error) {
	var ent types.Entity
	if err := s.driver.GetDocument(ctx, types.CollEntities, key, &ent); err != nil {
		return nil, err
	}
	return &ent, nil
}

// GetRelationship reads one edge by key.
func (s *Store) GetRelationship(ctx context.Context, key string) (*types.Relationship, error) {
	var rel types.Relationship
	if err := s.driver.GetDocument(ctx, types.CollRelationships, key, &rel); err != nil {
		return nil, err
	}
	return &rel, nil
}
