package embedder

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	badger "github.com/dgraph-io/badger/v4"
)

const cacheShards = 16

// CachedClient wraps a Client with a content-addressed cache: a sharded
// in-memory LRU in front of an optional persistent badger tier. The address
// is the SHA-256 of the normalized text and the model id, so a model change
// never serves stale vectors.
type CachedClient struct {
	inner   Client
	model   string
	shards  [cacheShards]*cacheShard
	perCap  int
	db      *badger.DB
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
	closeMu sync.Mutex
	closed  bool
}

type cacheShard struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recent
}

type cacheEntry struct {
	key    string
	vector []float32
}

// CacheOptions configures the cache tiers.
type CacheOptions struct {
	// Size bounds the in-memory tier (total entries across shards).
	Size int
	// Path, when non-empty, opens a badger store as the persistent tier.
	Path   string
	Logger *slog.Logger
}

// NewCachedClient wraps inner with the two cache tiers.
func NewCachedClient(inner Client, model string, opts CacheOptions) (*CachedClient, error) {
	if opts.Size <= 0 {
		opts.Size = 4096
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &CachedClient{
		inner:  inner,
		model:  model,
		perCap: (opts.Size + cacheShards - 1) / cacheShards,
		logger: opts.Logger.With("component", "embedding-cache"),
	}
	for i := range c.shards {
		c.shards[i] = &cacheShard{
			entries: make(map[string]*list.Element),
			order:   list.New(),
		}
	}
	if opts.Path != "" {
		db, err := badger.Open(badger.DefaultOptions(opts.Path).WithLogger(nil))
		if err != nil {
			return nil, fmt.Errorf("failed to open embedding cache store: %w", err)
		}
		c.db = db
	}
	return c, nil
}

// cacheKey is the content address: SHA-256 over the normalized text and the
// model id.
func (c *CachedClient) cacheKey(text string) string {
	normalized := strings.Join(strings.Fields(text), " ")
	h := sha256.New()
	h.Write([]byte(normalized))
	h.Write([]byte{0})
	h.Write([]byte(c.model))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *CachedClient) shardFor(key string) *cacheShard {
	return c.shards[key[0]%cacheShards]
}

func (c *CachedClient) lookupMemory(key string) ([]float32, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	s.order.MoveToFront(el)
	return el.Value.(*cacheEntry).vector, true
}

func (c *CachedClient) storeMemory(key string, vector []float32) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[key]; ok {
		s.order.MoveToFront(el)
		return
	}
	s.entries[key] = s.order.PushFront(&cacheEntry{key: key, vector: vector})
	for s.order.Len() > c.perCap {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.entries, oldest.Value.(*cacheEntry).key)
	}
}

func (c *CachedClient) lookupPersistent(key string) ([]float32, bool) {
	if c.db == nil {
		return nil, false
	}
	var vector []float32
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			vector = decodeVector(val)
			return nil
		})
	})
	if err != nil || vector == nil {
		return nil, false
	}
	return vector, true
}

func (c *CachedClient) storePersistent(key string, vector []float32) {
	if c.db == nil {
		return
	}
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), encodeVector(vector))
	})
	if err != nil {
		// Cache writes are best effort; the vector is already in memory.
		c.logger.Warn("persistent cache write failed", "error", err)
	}
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	if len(buf)%4 != 0 {
		return nil
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}

func (c *CachedClient) lookup(key string) ([]float32, bool) {
	if v, ok := c.lookupMemory(key); ok {
		return v, true
	}
	if v, ok := c.lookupPersistent(key); ok {
		c.storeMemory(key, v)
		return v, true
	}
	return nil, false
}

// Embed serves cached vectors where possible and batches the misses into a
// single backend call, preserving input order.
func (c *CachedClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int
	keys := make([]string, len(texts))
	for i, text := range texts {
		keys[i] = c.cacheKey(text)
		if v, ok := c.lookup(keys[i]); ok {
			c.hits.Add(1)
			out[i] = v
			continue
		}
		c.misses.Add(1)
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}
	if len(missTexts) == 0 {
		return out, nil
	}
	fresh, err := c.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		out[i] = fresh[j]
		c.storeMemory(keys[i], fresh[j])
		c.storePersistent(keys[i], fresh[j])
	}
	return out, nil
}

func (c *CachedClient) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

func (c *CachedClient) Dimensions() int {
	return c.inner.Dimensions()
}

// HitRate reports the fraction of lookups served from cache.
func (c *CachedClient) HitRate() float64 {
	hits := c.hits.Load()
	total := hits + c.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

func (c *CachedClient) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			return err
		}
	}
	return c.inner.Close()
}
