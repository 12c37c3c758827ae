// Package view maintains the lexical search views backing BM25 queries.
// Rebuilding a view reindexes every linked collection, so the manager is
// deliberately conservative: under the default policy a view is only
// recreated when its stored configuration no longer matches the desired one.
package view

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/soundprediction/mnemosyne/pkg/driver"
)

// Policy controls what Ensure does when a view already exists.
type Policy string

const (
	// PolicyNeverRecreate leaves an existing view untouched even when its
	// configuration drifted.
	PolicyNeverRecreate Policy = "never_recreate"
	// PolicyAlwaysRecreate drops and recreates the view on every Ensure.
	PolicyAlwaysRecreate Policy = "always_recreate"
	// PolicyCheckConfig recreates only when the stored configuration differs
	// from the desired one.
	PolicyCheckConfig Policy = "check_config"
)

// Manager ensures search views exist with the desired configuration. Ensure
// calls for the same view coalesce on the manager's lock, and a successful
// ensure is remembered so repeated calls within one process are no-ops.
type Manager struct {
	driver driver.Driver
	policy Policy
	logger *slog.Logger

	mu      sync.Mutex
	ensured map[string]string // view name -> config hash
}

// NewManager creates a view manager with the given policy.
func NewManager(d driver.Driver, policy Policy, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if policy == "" {
		policy = PolicyCheckConfig
	}
	return &Manager{
		driver:  d,
		policy:  policy,
		logger:  logger.With("component", "view"),
		ensured: make(map[string]string),
	}
}

// Ensure brings the named view to the desired definition according to the
// manager's policy. Safe for concurrent use; concurrent calls for one view
// result in at most one rebuild.
func (m *Manager) Ensure(ctx context.Context, def driver.ViewDefinition) error {
	desired := ConfigHash(def)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.policy != PolicyAlwaysRecreate && m.ensured[def.Name] == desired {
		return nil
	}

	exists, err := m.driver.ViewExists(ctx, def.Name)
	if err != nil {
		return err
	}

	switch {
	case !exists:
		if err := m.driver.CreateSearchView(ctx, def); err != nil {
			return err
		}
		m.logger.Info("search view created", "view", def.Name)

	case m.policy == PolicyNeverRecreate:
		m.logger.Debug("search view exists, policy forbids recreate", "view", def.Name)

	case m.policy == PolicyAlwaysRecreate:
		if err := m.recreate(ctx, def); err != nil {
			return err
		}

	default: // PolicyCheckConfig
		props, err := m.driver.ViewProperties(ctx, def.Name)
		if err != nil {
			return err
		}
		actual := ConfigHash(driver.ViewDefinition{
			Name:     def.Name,
			Links:    linksFromProperties(props),
			Analyzer: def.Analyzer,
		})
		if actual == desired {
			m.logger.Debug("search view up to date", "view", def.Name)
		} else {
			m.logger.Info("search view configuration drifted, rebuilding", "view", def.Name)
			if err := m.recreate(ctx, def); err != nil {
				return err
			}
		}
	}

	m.ensured[def.Name] = desired
	return nil
}

func (m *Manager) recreate(ctx context.Context, def driver.ViewDefinition) error {
	if err := m.driver.DropView(ctx, def.Name); err != nil {
		return err
	}
	if err := m.driver.CreateSearchView(ctx, def); err != nil {
		return err
	}
	m.logger.Info("search view recreated", "view", def.Name)
	return nil
}

// ConfigHash returns a stable digest of a view definition. Collections and
// fields are sorted first so semantically equal definitions hash equal.
func ConfigHash(def driver.ViewDefinition) string {
	type link struct {
		Collection string   `json:"collection"`
		Fields     []string `json:"fields"`
	}
	canonical := struct {
		Links    []link `json:"links"`
		Analyzer string `json:"analyzer"`
	}{Analyzer: def.Analyzer}

	colls := make([]string, 0, len(def.Links))
	for coll := range def.Links {
		colls = append(colls, coll)
	}
	sort.Strings(colls)
	for _, coll := range colls {
		fields := append([]string(nil), def.Links[coll]...)
		sort.Strings(fields)
		canonical.Links = append(canonical.Links, link{Collection: coll, Fields: fields})
	}

	raw, err := json.Marshal(canonical)
	if err != nil {
		// Canonical form is plain strings; marshal cannot fail in practice.
		return fmt.Sprintf("unhashable:%v", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// linksFromProperties extracts {collection: fields} from raw view properties.
func linksFromProperties(props map[string]any) map[string][]string {
	out := make(map[string][]string)
	links, ok := props["links"].(map[string]any)
	if !ok {
		return out
	}
	for coll, raw := range links {
		linkProps, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		fields, ok := linkProps["fields"].(map[string]any)
		if !ok {
			continue
		}
		for field := range fields {
			out[coll] = append(out[coll], field)
		}
		sort.Strings(out[coll])
	}
	return out
}
