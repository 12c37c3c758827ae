package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 1024, cfg.Embedding.Dimension)
	assert.Equal(t, 60, cfg.Search.RRFK)
	assert.Equal(t, 5, cfg.Search.ExpandFactor)
	assert.Equal(t, 7*24*time.Hour, cfg.Search.RecentWindow)
	assert.Equal(t, 5*time.Second, cfg.Deadlines.Search)
	assert.Equal(t, 30*time.Second, cfg.Deadlines.Ingestion)
	assert.Equal(t, "newest_wins", cfg.Contradiction.ResolutionPolicy)
	assert.Equal(t, "check_config", cfg.View.UpdatePolicy)
	assert.Contains(t, cfg.Contradiction.FunctionalPredicates, "WORKS_FOR")
	assert.Equal(t, 2, cfg.Community.MinSize)
}

func TestLoadFunctionalPredicates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "predicates.yaml")
	content := "functional_predicates:\n  - WORKS_FOR\n  - LIVES_IN\n  - REPORTS_TO\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	preds, err := LoadFunctionalPredicates(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"WORKS_FOR", "LIVES_IN", "REPORTS_TO"}, preds)
}

func TestLoadFunctionalPredicatesMissingFile(t *testing.T) {
	_, err := LoadFunctionalPredicates("/nonexistent/predicates.yaml")
	assert.Error(t, err)
}
