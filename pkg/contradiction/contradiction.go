// Package contradiction detects and resolves conflicting facts. A predicate
// declared functional admits one valid object per subject at any instant;
// when a candidate edge collides with a valid one, the configured policy
// decides which fact's valid time ends. Nothing is deleted, and every
// resolution is appended to a durable log.
package contradiction

import (
	"context"
	"log/slog"
	"time"

	"github.com/soundprediction/mnemosyne/pkg/driver"
	"github.com/soundprediction/mnemosyne/pkg/temporal"
	"github.com/soundprediction/mnemosyne/pkg/types"
)

// Policy selects how a detected contradiction is resolved.
type Policy string

const (
	// PolicyNewestWins keeps the fact with the later valid time.
	PolicyNewestWins Policy = "newest_wins"
	// PolicyHighestConfidenceWins keeps the fact with the higher confidence.
	PolicyHighestConfidenceWins Policy = "highest_confidence_wins"
	// PolicyManual keeps both facts valid, cross-referenced, with the new
	// edge held for review.
	PolicyManual Policy = "manual"
)

// Action records what a resolution did, as written to the log.
type Action string

const (
	ActionSupersededExisting Action = "superseded_existing"
	ActionNewArrivedStale    Action = "new_arrived_stale"
	ActionRejectedNew        Action = "rejected_new"
	ActionHeldForReview      Action = "held_for_review"
)

// LogEntry is one resolution as persisted in the log collection.
type LogEntry struct {
	Key         string    `json:"_key,omitempty"`
	EdgeType    string    `json:"edge_type"`
	Subject     string    `json:"subject"`
	NewKey      string    `json:"new_key"`
	ExistingKey string    `json:"existing_key"`
	Policy      Policy    `json:"policy"`
	Action      Action    `json:"action"`
	Success     bool      `json:"success"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Resolution describes what detection decided for a candidate edge. The
// caller commits the (possibly mutated) candidate afterwards, unless it was
// rejected.
type Resolution struct {
	// Detected is true when at least one valid conflicting edge existed.
	Detected bool
	// SupersededKeys lists existing edges whose valid time the candidate
	// ended.
	SupersededKeys []string
	// NewInvalidated is true when the candidate arrived describing a past
	// state; it enters history with its valid time already ended.
	NewInvalidated bool
	// Pending is true when the manual policy left both facts valid.
	Pending bool
}

// Engine applies contradiction detection to candidate edges before commit.
// The candidate must already carry its definitive key so superseded edges
// can reference it.
type Engine struct {
	driver      driver.Driver
	invalidator *temporal.Invalidator
	predicates  map[string]bool
	policy      Policy
	logger      *slog.Logger
	now         func() time.Time
}

// NewEngine creates a contradiction engine. functionalPredicates lists the
// edge types subject to the one-valid-object rule.
func NewEngine(d driver.Driver, inv *temporal.Invalidator, functionalPredicates []string, policy Policy, logger *slog.Logger, now func() time.Time) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	if policy == "" {
		policy = PolicyNewestWins
	}
	preds := make(map[string]bool, len(functionalPredicates))
	for _, p := range functionalPredicates {
		preds[p] = true
	}
	return &Engine{
		driver:      d,
		invalidator: inv,
		predicates:  preds,
		policy:      policy,
		logger:      logger.With("component", "contradiction"),
		now:         now,
	}
}

// IsFunctional reports whether an edge type is subject to detection.
func (e *Engine) IsFunctional(edgeType string) bool {
	return e.predicates[edgeType]
}

// Resolve runs detection for a candidate edge and applies the configured
// policy. The candidate may be mutated (InvalidAt, InvalidatedBy,
// ReviewStatus, ConflictsWith); under highest-confidence-wins a weaker
// candidate yields a ContradictionRejectedError and must not be committed.
func (e *Engine) Resolve(ctx context.Context, edge *types.Relationship) (*Resolution, error) {
	res := &Resolution{}
	if !e.IsFunctional(edge.Type) {
		return res, nil
	}

	// The candidate is open-ended, so it conflicts with every currently
	// open fact for the same subject and predicate, including facts whose
	// valid time starts after the candidate's.
	existing, err := e.driver.ValidEdgesFrom(ctx, edge.From, edge.Type, e.now())
	if err != nil {
		return nil, err
	}

	for i := range existing {
		other := &existing[i]
		// Restating the same object is reinforcement, not contradiction.
		if other.Key == edge.Key || other.To == edge.To {
			continue
		}
		res.Detected = true
		if err := e.resolveOne(ctx, edge, other, res); err != nil {
			return res, err
		}
		if res.NewInvalidated {
			// The candidate lost; it no longer competes with anything else.
			break
		}
	}
	return res, nil
}

func (e *Engine) resolveOne(ctx context.Context, edge, other *types.Relationship, res *Resolution) error {
	switch e.policy {
	case PolicyHighestConfidenceWins:
		if other.Confidence > edge.Confidence {
			res.NewInvalidated = true
			e.record(ctx, edge, other, ActionRejectedNew, false,
				"existing edge carries higher confidence")
			return &types.ContradictionRejectedError{
				ExistingKey:        other.Key,
				ExistingConfidence: other.Confidence,
			}
		}
		return e.supersede(ctx, edge, other, res)

	case PolicyManual:
		res.Pending = true
		edge.ReviewStatus = types.ReviewPending
		edge.ConflictsWith = appendUnique(edge.ConflictsWith, other.Key)
		// Cross-reference in the other direction so reviewers can navigate
		// from either fact.
		if err := e.driver.PatchDocument(ctx, types.CollRelationships, other.Key,
			map[string]any{"conflicts_with": appendUnique(other.ConflictsWith, edge.Key)}); err != nil {
			return err
		}
		e.record(ctx, edge, other, ActionHeldForReview, true, "")
		e.logger.Info("contradiction held for manual review",
			"new", edge.Key, "existing", other.Key, "type", edge.Type)
		return nil

	default: // PolicyNewestWins
		if candidateWins(edge, other) {
			return e.supersede(ctx, edge, other, res)
		}
		// The candidate describes a past state: it enters history already
		// closed at the incumbent's valid time.
		invalidAt := other.ValidAt
		edge.InvalidAt = &invalidAt
		edge.InvalidatedBy = other.Key
		res.NewInvalidated = true
		e.record(ctx, edge, other, ActionNewArrivedStale, true, "")
		return nil
	}
}

// supersede ends the incumbent's valid time at the candidate's valid time.
func (e *Engine) supersede(ctx context.Context, edge, other *types.Relationship, res *Resolution) error {
	applied, err := e.invalidator.Invalidate(ctx, types.CollRelationships, other.Key,
		edge.ValidAt, edge.Key, temporal.CauseContradiction, "contradiction-engine")
	if err != nil {
		return err
	}
	if applied {
		res.SupersededKeys = append(res.SupersededKeys, other.Key)
	}
	// A lost race means a concurrent resolver already closed the incumbent;
	// the outcome is the same either way.
	e.record(ctx, edge, other, ActionSupersededExisting, true, "")
	e.logger.Info("contradiction resolved",
		"winner", edge.Key, "superseded", other.Key, "type", edge.Type)
	return nil
}

// candidateWins decides the newest-wins winner. Later valid time wins; ties
// fall to the earlier transaction time, then to the lexicographically
// smaller key, so racing resolvers reach the same verdict.
func candidateWins(edge, other *types.Relationship) bool {
	if !edge.ValidAt.Equal(other.ValidAt) {
		return edge.ValidAt.After(other.ValidAt)
	}
	if !edge.CreatedAt.Equal(other.CreatedAt) {
		return edge.CreatedAt.Before(other.CreatedAt)
	}
	return edge.Key < other.Key
}

func appendUnique(list []string, item string) []string {
	for _, x := range list {
		if x == item {
			return list
		}
	}
	return append(list, item)
}

func (e *Engine) record(ctx context.Context, edge, other *types.Relationship, action Action, success bool, reason string) {
	entry := LogEntry{
		EdgeType:    edge.Type,
		Subject:     edge.From,
		NewKey:      edge.Key,
		ExistingKey: other.Key,
		Policy:      e.policy,
		Action:      action,
		Success:     success,
		Reason:      reason,
		Timestamp:   e.now().UTC(),
	}
	if _, err := e.driver.InsertDocument(ctx, types.CollContradictionLog, &entry); err != nil {
		// Resolution already happened; a lost log row must not unwind it.
		e.logger.Warn("failed to append contradiction log", "error", err)
	}
}

// Summary aggregates the contradiction log.
type Summary struct {
	Total       int            `json:"total"`
	SuccessRate float64        `json:"success_rate"`
	ByType      map[string]int `json:"by_type"`
	ByAction    map[string]int `json:"by_action"`
}

// Summarize reads the whole log and aggregates counts by edge type and
// action, plus the fraction of resolutions that succeeded.
func (e *Engine) Summarize(ctx context.Context) (*Summary, error) {
	s := &Summary{
		ByType:   make(map[string]int),
		ByAction: make(map[string]int),
	}
	succeeded := 0
	err := e.driver.AllDocuments(ctx, types.CollContradictionLog, func(doc map[string]any) error {
		s.Total++
		if t, ok := doc["edge_type"].(string); ok {
			s.ByType[t]++
		}
		if a, ok := doc["action"].(string); ok {
			s.ByAction[a]++
		}
		if ok, _ := doc["success"].(bool); ok {
			succeeded++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.Total > 0 {
		s.SuccessRate = float64(succeeded) / float64(s.Total)
	}
	return s, nil
}
