// Package community clusters the entity graph into communities with a
// Louvain-style modularity optimization. Detection runs offline over the
// currently valid edges; the communities collection is rebuilt wholesale on
// every run and each entity is stamped with its community id.
package community

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/soundprediction/mnemosyne/pkg/config"
	"github.com/soundprediction/mnemosyne/pkg/driver"
	"github.com/soundprediction/mnemosyne/pkg/types"
)

// Detector runs community detection over one driver.
type Detector struct {
	driver driver.Driver
	cfg    config.CommunityConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewDetector creates a detector with the given parameters.
func NewDetector(d driver.Driver, cfg config.CommunityConfig, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinSize <= 0 {
		cfg.MinSize = 2
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 100
	}
	return &Detector{
		driver: d,
		cfg:    cfg,
		logger: logger.With("component", "community"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Result reports one detection run.
type Result struct {
	// Communities maps community key to its member entity keys.
	Communities map[string][]string
	// Assignments maps entity key to community key.
	Assignments map[string]string
	// Modularity of the final partition.
	Modularity float64
}

// Detect computes the partition and persists it. Graphs with fewer than two
// nodes produce an empty assignment and clear any previous partition.
func (d *Detector) Detect(ctx context.Context) (*Result, error) {
	keys, edges, err := d.driver.EntityGraph(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading entity graph: %w", err)
	}

	g := buildGraph(keys, edges)
	result := &Result{
		Communities: map[string][]string{},
		Assignments: map[string]string{},
	}
	if len(g.nodes) >= 2 {
		assignment := g.louvain(d.cfg.MaxIterations)
		assignment = g.mergeSmall(assignment, d.cfg.MinSize)
		result.Modularity = g.modularity(assignment)

		groups := groupByCommunity(assignment)
		for _, members := range groups {
			key := uuid.NewString()
			sort.Strings(members)
			result.Communities[key] = members
			for _, member := range members {
				result.Assignments[member] = key
			}
		}
	}

	if err := d.persist(ctx, result); err != nil {
		return nil, err
	}
	d.logger.Info("community detection finished",
		"entities", len(g.nodes),
		"communities", len(result.Communities),
		"modularity", result.Modularity)
	return result, nil
}

// persist rebuilds the communities collection and stamps every assigned
// entity with its community id.
func (d *Detector) persist(ctx context.Context, result *Result) error {
	if err := d.driver.TruncateCollection(ctx, types.CollCommunities); err != nil {
		return fmt.Errorf("truncating communities: %w", err)
	}
	now := d.now()
	for key, members := range result.Communities {
		record := types.Community{
			Key:         key,
			MemberCount: len(members),
			Modularity:  result.Modularity,
			CreatedAt:   now,
		}
		if _, err := d.driver.InsertDocument(ctx, types.CollCommunities, record); err != nil {
			return fmt.Errorf("inserting community %s: %w", key, err)
		}
		for _, member := range members {
			patch := map[string]any{"community_id": key}
			if err := d.driver.PatchDocument(ctx, types.CollEntities, member, patch); err != nil {
				return fmt.Errorf("stamping entity %s: %w", member, err)
			}
		}
	}
	return nil
}

func groupByCommunity(assignment map[string]int) [][]string {
	byID := map[int][]string{}
	for node, c := range assignment {
		byID[c] = append(byID[c], node)
	}
	ids := make([]int, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([][]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, byID[id])
	}
	return out
}
