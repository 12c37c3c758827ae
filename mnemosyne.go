package mnemosyne

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/soundprediction/mnemosyne/pkg/alert"
	"github.com/soundprediction/mnemosyne/pkg/community"
	"github.com/soundprediction/mnemosyne/pkg/config"
	"github.com/soundprediction/mnemosyne/pkg/contradiction"
	"github.com/soundprediction/mnemosyne/pkg/crossencoder"
	"github.com/soundprediction/mnemosyne/pkg/driver"
	"github.com/soundprediction/mnemosyne/pkg/embedder"
	"github.com/soundprediction/mnemosyne/pkg/episode"
	"github.com/soundprediction/mnemosyne/pkg/export"
	"github.com/soundprediction/mnemosyne/pkg/llm"
	"github.com/soundprediction/mnemosyne/pkg/logger"
	"github.com/soundprediction/mnemosyne/pkg/search"
	"github.com/soundprediction/mnemosyne/pkg/store"
	"github.com/soundprediction/mnemosyne/pkg/temporal"
	"github.com/soundprediction/mnemosyne/pkg/types"
	"github.com/soundprediction/mnemosyne/pkg/view"
)

// Client is the engine facade. It wires storage, embedding, extraction,
// contradiction resolution, search, episodes, and community detection behind
// one object.
type Client struct {
	driver      driver.Driver
	embedder    embedder.Client
	llm         llm.Client
	extractor   *llm.Extractor
	store          *store.Store
	contradictions *contradiction.Engine
	invalidator    *temporal.Invalidator
	searcher    *search.Searcher
	views       *view.Manager
	episodes    *episode.Manager
	communities *community.Detector
	alerter     alert.Alerter

	cfg    *config.Config
	logger *slog.Logger
	now    func() time.Time
}

// NewClient wires a client from pre-built boundary clients. llmClient may be
// nil; extraction and compaction are then disabled and ingestion stores raw
// messages only.
func NewClient(d driver.Driver, llmClient llm.Client, embedderClient embedder.Client, cfg *config.Config, log *slog.Logger) (*Client, error) {
	if d == nil {
		return nil, fmt.Errorf("driver is required")
	}
	if embedderClient == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logger.New(cfg.Log)
	}

	invalidator := temporal.NewInvalidator(d, log, nil)
	engine := contradiction.NewEngine(
		d,
		invalidator,
		cfg.Contradiction.FunctionalPredicates,
		contradiction.Policy(cfg.Contradiction.ResolutionPolicy),
		log,
		nil,
	)

	var alerter alert.Alerter = alert.NoOpAlerter{}
	if cfg.Alert.Enabled {
		alerter = alert.NewEmailAlerter(cfg.Alert)
	}

	c := &Client{
		driver:         d,
		embedder:       embedderClient,
		llm:            llmClient,
		store:          store.New(d, engine, log, nil),
		contradictions: engine,
		invalidator:    invalidator,
		searcher:       search.NewSearcher(d, embedderClient, cfg.Search, log),
		views:          view.NewManager(d, view.Policy(cfg.View.UpdatePolicy), log),
		episodes:       episode.NewManager(d, log),
		communities:    community.NewDetector(d, cfg.Community, log),
		alerter:        alerter,
		cfg:            cfg,
		logger:         log,
		now:            func() time.Time { return time.Now().UTC() },
	}
	if llmClient != nil {
		c.extractor = llm.NewExtractor(llmClient, log)
	}
	return c, nil
}

// Open builds every boundary client from configuration and returns a wired
// engine connected to the database.
func Open(ctx context.Context, cfg *config.Config) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	log := logger.New(cfg.Log)

	d, err := driver.NewArangoDriver(ctx, driver.ArangoOptions{
		Endpoints:  cfg.Database.Endpoints,
		Database:   cfg.Database.Database,
		Username:   cfg.Database.Username,
		Password:   cfg.Database.Password,
		GraphName:  cfg.Database.GraphName,
		MaxRetries: cfg.Database.MaxRetries,
		Logger:     log,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting database: %w", err)
	}

	base, err := embedder.NewClient(embedder.Provider(cfg.Embedding.Provider), &embedder.Config{
		Model:     cfg.Embedding.Model,
		APIKey:    cfg.Embedding.APIKey,
		BaseURL:   cfg.Embedding.BaseURL,
		Dimensions: cfg.Embedding.Dimension,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	emb, err := embedder.NewCachedClient(base, cfg.Embedding.Model, embedder.CacheOptions{
		Size:   cfg.Embedding.CacheSize,
		Path:   cfg.Embedding.CachePath,
		Logger: log,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedding cache: %w", err)
	}

	var llmClient llm.Client
	if cfg.LLM.APIKey != "" {
		llmClient, err = llm.NewClient(llm.Provider(cfg.LLM.Provider), &llm.Config{
			Model:       cfg.LLM.Model,
			APIKey:      cfg.LLM.APIKey,
			BaseURL:     cfg.LLM.BaseURL,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
		}, llm.BreakerConfig{
			Enabled:          cfg.LLM.CircuitBreaker.Enabled,
			MaxRequests:      cfg.LLM.CircuitBreaker.MaxRequests,
			Interval:         time.Duration(cfg.LLM.CircuitBreaker.Interval) * time.Second,
			Timeout:          time.Duration(cfg.LLM.CircuitBreaker.Timeout) * time.Second,
			ReadyToTripRatio: cfg.LLM.CircuitBreaker.ReadyToTripRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("creating llm client: %w", err)
		}
	}

	client, err := NewClient(d, llmClient, emb, cfg, log)
	if err != nil {
		return nil, err
	}
	if err := client.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// EnsureSchema creates collections, indexes, the vector index, and the
// lexical search view. Idempotent.
func (c *Client) EnsureSchema(ctx context.Context) error {
	if err := c.driver.EnsureSchema(ctx); err != nil {
		return err
	}
	nLists := c.cfg.Embedding.NLists
	if nLists <= 0 {
		nLists = 2
	}
	for _, coll := range []string{types.CollMessages, types.CollMemories, types.CollEntities} {
		if err := c.driver.EnsureVectorIndex(ctx, coll, "embedding", c.embedder.Dimensions(), nLists); err != nil {
			return fmt.Errorf("ensuring vector index on %s: %w", coll, err)
		}
	}
	return c.ensureView(ctx)
}

func (c *Client) ensureView(ctx context.Context) error {
	return c.views.Ensure(ctx, driver.ViewDefinition{
		Name: search.MemoriesView,
		Links: map[string][]string{
			types.CollMemories: {"content", "summary"},
		},
		Analyzer: c.cfg.View.Analyzer,
	})
}

// SetReranker installs a cross-encoder for the search rerank stage.
func (c *Client) SetReranker(r crossencoder.Reranker) {
	c.searcher.SetReranker(r)
}

// Episodes exposes the episode manager.
func (c *Client) Episodes() *episode.Manager { return c.episodes }

// Store exposes the entity and relationship store.
func (c *Client) Store() *store.Store { return c.store }

// Searcher exposes the search engine for direct method access.
func (c *Client) Searcher() *search.Searcher { return c.searcher }

// DetectCommunities runs community detection over the current entity graph
// and persists the partition. Unbounded; intended for operator invocation.
func (c *Client) DetectCommunities(ctx context.Context) (*community.Result, error) {
	return c.communities.Detect(ctx)
}

// ContradictionSummary reports contradiction log counts by action and the
// overall resolution success rate.
func (c *Client) ContradictionSummary(ctx context.Context) (*contradiction.Summary, error) {
	return c.contradictions.Summarize(ctx)
}

// Stats returns collection counts.
func (c *Client) Stats(ctx context.Context) (*driver.Stats, error) {
	return c.driver.Stats(ctx)
}

// NewExporter creates a Parquet exporter rooted at the configured path, or
// at baseDir when non-empty.
func (c *Client) NewExporter(baseDir string) (*export.Writer, error) {
	if baseDir == "" {
		baseDir = c.cfg.Export.ParquetPath
	}
	return export.NewWriter(c.driver, baseDir, c.logger)
}

// Close releases every held resource.
func (c *Client) Close(ctx context.Context) error {
	if c.llm != nil {
		if err := c.llm.Close(); err != nil {
			c.logger.Warn("closing llm client", "error", err)
		}
	}
	if err := c.embedder.Close(); err != nil {
		c.logger.Warn("closing embedder", "error", err)
	}
	return c.driver.Close(ctx)
}

// notifyPendingReview alerts operators about an edge held for manual review.
// Best-effort; failures are logged and never surfaced to the caller.
func (c *Client) notifyPendingReview(edge *types.Relationship) {
	subject := "mnemosyne: relationship held for review"
	body := fmt.Sprintf("type=%s key=%s confidence=%.2f\nrationale: %s",
		edge.Type, edge.Key, edge.Confidence, edge.Rationale)
	if err := c.alerter.Alert(subject, body); err != nil {
		c.logger.Warn("review alert failed", "edge", edge.Key, "error", err)
	}
}
