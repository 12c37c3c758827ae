// Package temporal implements the invalidation half of the bi-temporal
// model. Documents are never deleted; ending a fact's valid time is a
// compare-and-set on invalid_at, and every applied invalidation leaves an
// audit event.
package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/soundprediction/mnemosyne/pkg/driver"
	"github.com/soundprediction/mnemosyne/pkg/types"
)

// Cause labels why a fact's valid time ended.
type Cause string

const (
	CauseContradiction Cause = "contradiction"
	CauseCompaction    Cause = "compaction"
	CauseManual        Cause = "manual"
)

// Invalidator applies invalidations and records audit events.
type Invalidator struct {
	driver driver.Driver
	logger *slog.Logger
	now    func() time.Time
}

// NewInvalidator creates an invalidator. now is overridable for tests; nil
// means time.Now.
func NewInvalidator(d driver.Driver, logger *slog.Logger, now func() time.Time) *Invalidator {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Invalidator{
		driver: d,
		logger: logger.With("component", "temporal"),
		now:    now,
	}
}

// Invalidate ends the valid time of coll/key at the given instant. The
// operation is idempotent: if the document was already invalidated the call
// succeeds without touching the stored timestamp, and reports applied=false.
// An audit event is recorded only for the applied invalidation.
func (inv *Invalidator) Invalidate(ctx context.Context, coll, key string, at time.Time, by string, cause Cause, actor string) (applied bool, err error) {
	if at.IsZero() {
		at = inv.now()
	}
	applied, err = inv.driver.InvalidateDocument(ctx, coll, key, at, by)
	if err != nil {
		return false, err
	}
	if !applied {
		// Re-invalidating at or after the recorded end is a no-op. Asking to
		// end the fact earlier than its recorded end would rewrite history.
		var probe struct {
			InvalidAt *time.Time `json:"invalid_at"`
		}
		if err := inv.driver.GetDocument(ctx, coll, key, &probe); err != nil {
			return false, err
		}
		if probe.InvalidAt != nil && at.Before(*probe.InvalidAt) {
			return false, &types.InvariantViolationError{
				Invariant: "temporal-order",
				Detail: fmt.Sprintf("%s/%s already invalid at %s, cannot move to earlier %s",
					coll, key, probe.InvalidAt.Format(time.RFC3339), at.UTC().Format(time.RFC3339)),
			}
		}
		inv.logger.Debug("invalidation skipped, document already invalid",
			"collection", coll, "key", key)
		return false, nil
	}

	event := types.InvalidationEvent{
		Collection: coll,
		DocKey:     key,
		At:         at.UTC(),
		Cause:      string(cause),
		Actor:      actor,
		Timestamp:  inv.now().UTC(),
	}
	if _, err := inv.driver.InsertDocument(ctx, types.CollEvents, &event); err != nil {
		// The invalidation itself is committed; a lost audit event is logged
		// rather than unwound.
		inv.logger.Warn("failed to record invalidation event",
			"collection", coll, "key", key, "error", err)
	}

	inv.logger.Info("document invalidated",
		"collection", coll,
		"key", key,
		"cause", cause,
		"invalidated_by", by)
	return true, nil
}
