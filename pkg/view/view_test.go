package view

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/mnemosyne/pkg/driver"
)

// countingDriver counts view mutations around the in-memory driver.
type countingDriver struct {
	*driver.MemoryDriver
	creates atomic.Int64
	drops   atomic.Int64
}

func (c *countingDriver) CreateSearchView(ctx context.Context, def driver.ViewDefinition) error {
	c.creates.Add(1)
	return c.MemoryDriver.CreateSearchView(ctx, def)
}

func (c *countingDriver) DropView(ctx context.Context, name string) error {
	c.drops.Add(1)
	return c.MemoryDriver.DropView(ctx, name)
}

func testDef() driver.ViewDefinition {
	return driver.ViewDefinition{
		Name: "memory_view",
		Links: map[string][]string{
			"memories": {"content", "summary"},
			"messages": {"content"},
		},
		Analyzer: "text_en",
	}
}

func TestEnsureCreatesMissingView(t *testing.T) {
	d := &countingDriver{MemoryDriver: driver.NewMemoryDriver()}
	m := NewManager(d, PolicyCheckConfig, nil)

	require.NoError(t, m.Ensure(context.Background(), testDef()))
	assert.Equal(t, int64(1), d.creates.Load())
	assert.Equal(t, int64(0), d.drops.Load())
}

func TestEnsureIsNoOpWhenConfigMatches(t *testing.T) {
	d := &countingDriver{MemoryDriver: driver.NewMemoryDriver()}
	ctx := context.Background()

	// First manager creates the view; a fresh manager (cold process cache)
	// must detect the matching config and leave it alone.
	require.NoError(t, NewManager(d, PolicyCheckConfig, nil).Ensure(ctx, testDef()))
	require.NoError(t, NewManager(d, PolicyCheckConfig, nil).Ensure(ctx, testDef()))

	assert.Equal(t, int64(1), d.creates.Load())
	assert.Equal(t, int64(0), d.drops.Load(), "matching config must not trigger a rebuild")
}

func TestEnsureRebuildsOnDrift(t *testing.T) {
	d := &countingDriver{MemoryDriver: driver.NewMemoryDriver()}
	ctx := context.Background()

	require.NoError(t, NewManager(d, PolicyCheckConfig, nil).Ensure(ctx, testDef()))

	changed := testDef()
	changed.Links["memories"] = []string{"content", "summary", "tags"}
	require.NoError(t, NewManager(d, PolicyCheckConfig, nil).Ensure(ctx, changed))

	assert.Equal(t, int64(2), d.creates.Load())
	assert.Equal(t, int64(1), d.drops.Load())
}

func TestNeverRecreateLeavesDriftedView(t *testing.T) {
	d := &countingDriver{MemoryDriver: driver.NewMemoryDriver()}
	ctx := context.Background()

	require.NoError(t, NewManager(d, PolicyCheckConfig, nil).Ensure(ctx, testDef()))

	changed := testDef()
	changed.Links["memories"] = []string{"content"}
	require.NoError(t, NewManager(d, PolicyNeverRecreate, nil).Ensure(ctx, changed))

	assert.Equal(t, int64(1), d.creates.Load())
	assert.Equal(t, int64(0), d.drops.Load())
}

func TestAlwaysRecreateDrops(t *testing.T) {
	d := &countingDriver{MemoryDriver: driver.NewMemoryDriver()}
	ctx := context.Background()
	m := NewManager(d, PolicyAlwaysRecreate, nil)

	require.NoError(t, m.Ensure(ctx, testDef()))
	require.NoError(t, m.Ensure(ctx, testDef()))

	assert.Equal(t, int64(2), d.creates.Load())
	assert.Equal(t, int64(1), d.drops.Load())
}

func TestConcurrentEnsureCoalesces(t *testing.T) {
	d := &countingDriver{MemoryDriver: driver.NewMemoryDriver()}
	m := NewManager(d, PolicyCheckConfig, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Ensure(context.Background(), testDef()))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), d.creates.Load())
	assert.Equal(t, int64(0), d.drops.Load())
}

func TestConfigHashIsOrderInsensitive(t *testing.T) {
	a := driver.ViewDefinition{
		Links:    map[string][]string{"memories": {"summary", "content"}, "messages": {"content"}},
		Analyzer: "text_en",
	}
	b := driver.ViewDefinition{
		Links:    map[string][]string{"messages": {"content"}, "memories": {"content", "summary"}},
		Analyzer: "text_en",
	}
	assert.Equal(t, ConfigHash(a), ConfigHash(b))

	c := b
	c.Analyzer = "text_de"
	assert.NotEqual(t, ConfigHash(a), ConfigHash(c))
}
