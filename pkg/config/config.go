// Package config holds the single configuration object for the memory
// engine: database coordinates, model identifiers, the functional-predicate
// table, resolution and view policies, search defaults, and deadlines.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the engine.
type Config struct {
	Log           LogConfig           `mapstructure:"log"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Contradiction ContradictionConfig `mapstructure:"contradiction"`
	View          ViewConfig          `mapstructure:"view"`
	Search        SearchConfig        `mapstructure:"search"`
	Community     CommunityConfig     `mapstructure:"community"`
	Deadlines     DeadlineConfig      `mapstructure:"deadlines"`
	Export        ExportConfig        `mapstructure:"export"`
	Alert         AlertConfig         `mapstructure:"alert"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// ErrorDir, when set, additionally persists error-level records to
	// parquet files under this directory.
	ErrorDir string `mapstructure:"error_dir"`
}

// DatabaseConfig holds the multi-model database coordinates.
type DatabaseConfig struct {
	Endpoints []string `mapstructure:"endpoints"`
	Database  string   `mapstructure:"database"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	// GraphName is the named graph tying entities to relationships.
	GraphName string `mapstructure:"graph_name"`
	// MaxRetries bounds the adapter's transient-error retry loop.
	MaxRetries int `mapstructure:"max_retries"`
}

// EmbeddingConfig holds the embedding model and cache settings.
type EmbeddingConfig struct {
	Provider string `mapstructure:"provider"` // openai, embedeverything
	Model    string `mapstructure:"model"`
	APIKey   string `mapstructure:"api_key"`
	BaseURL  string `mapstructure:"base_url"`
	// Dimension is the system-wide vector dimension. Every persisted
	// embedding must have exactly this length.
	Dimension int `mapstructure:"dimension"`
	// CacheSize bounds the in-memory LRU tier (entries).
	CacheSize int `mapstructure:"cache_size"`
	// CachePath, when set, enables the persistent badger tier.
	CachePath string `mapstructure:"cache_path"`
	// NLists configures the vector index partitioning.
	NLists int `mapstructure:"n_lists"`
}

// LLMConfig holds the extraction/summarization model settings.
type LLMConfig struct {
	Provider    string  `mapstructure:"provider"`
	Model       string  `mapstructure:"model"`
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Temperature float32 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`

	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// CircuitBreakerConfig holds configuration for circuit breaking around the
// LLM boundary.
type CircuitBreakerConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	MaxRequests      uint32  `mapstructure:"max_requests"`
	Interval         int     `mapstructure:"interval"` // in seconds
	Timeout          int     `mapstructure:"timeout"`  // in seconds
	ReadyToTripRatio float64 `mapstructure:"ready_to_trip_ratio"`
}

// ContradictionConfig holds the functional-predicate table and the default
// resolution policy.
type ContradictionConfig struct {
	// FunctionalPredicates lists relationship types for which a subject has
	// at most one valid object at any instant.
	FunctionalPredicates []string `mapstructure:"functional_predicates"`
	// ResolutionPolicy is one of newest_wins, highest_confidence_wins, manual.
	ResolutionPolicy string `mapstructure:"resolution_policy"`
}

// ViewConfig holds the search-view maintenance policy.
type ViewConfig struct {
	// UpdatePolicy is one of never_recreate, always_recreate, check_config.
	UpdatePolicy string `mapstructure:"update_policy"`
	// Analyzer is the full-text analyzer applied to view fields.
	Analyzer string `mapstructure:"analyzer"`
}

// SearchConfig holds search defaults. Callers may override any of these per
// request.
type SearchConfig struct {
	InitialK       int     `mapstructure:"initial_k"`
	TopN           int     `mapstructure:"top_n"`
	ExpandFactor   int     `mapstructure:"expand_factor"`
	MinScore       float64 `mapstructure:"min_score"`
	RRFK           int     `mapstructure:"rrf_k"`
	RerankTopK     int     `mapstructure:"rerank_top_k"`
	RerankStrategy string  `mapstructure:"rerank_strategy"` // replace, weighted, max, min
	RerankWeight   float64 `mapstructure:"rerank_weight"`
	// RecentWindow is the valid_at window applied by the recent-context preset.
	RecentWindow time.Duration `mapstructure:"recent_window"`
}

// CommunityConfig holds community-detection parameters.
type CommunityConfig struct {
	MinSize       int `mapstructure:"min_size"`
	MaxIterations int `mapstructure:"max_iterations"`
}

// DeadlineConfig holds the default operation deadlines.
type DeadlineConfig struct {
	Search    time.Duration `mapstructure:"search"`
	Ingestion time.Duration `mapstructure:"ingestion"`
}

// ExportConfig holds parquet export settings.
type ExportConfig struct {
	ParquetPath string `mapstructure:"parquet_path"`
}

// AlertConfig holds email alerting for edges held for manual review.
type AlertConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	SMTPHost string   `mapstructure:"smtp_host"`
	SMTPPort int      `mapstructure:"smtp_port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
}

// Load loads configuration from viper-bound files and environment variables.
func Load() (*Config, error) {
	setDefaults()

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	overrideWithEnv(config)
	return config, nil
}

// Default returns the configuration used when no file or environment is
// present. Tests and embedded callers start from this.
func Default() *Config {
	setDefaults()
	config := &Config{}
	_ = viper.Unmarshal(config)
	return config
}

func setDefaults() {
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")

	viper.SetDefault("database.endpoints", []string{"http://localhost:8529"})
	viper.SetDefault("database.database", "mnemosyne")
	viper.SetDefault("database.graph_name", "memory_graph")
	viper.SetDefault("database.max_retries", 3)

	viper.SetDefault("embedding.provider", "embedeverything")
	viper.SetDefault("embedding.model", "BAAI/bge-large-en-v1.5")
	viper.SetDefault("embedding.dimension", 1024)
	viper.SetDefault("embedding.cache_size", 4096)
	viper.SetDefault("embedding.n_lists", 2)

	viper.SetDefault("llm.provider", "openai")
	viper.SetDefault("llm.model", "gpt-4o-mini")
	viper.SetDefault("llm.temperature", 0.2)
	viper.SetDefault("llm.max_tokens", 1024)
	viper.SetDefault("llm.circuit_breaker.enabled", true)
	viper.SetDefault("llm.circuit_breaker.max_requests", 3)
	viper.SetDefault("llm.circuit_breaker.interval", 60)
	viper.SetDefault("llm.circuit_breaker.timeout", 30)
	viper.SetDefault("llm.circuit_breaker.ready_to_trip_ratio", 0.6)

	viper.SetDefault("contradiction.functional_predicates", []string{
		"WORKS_FOR", "LIVES_IN", "OWNS", "EMPLOYED_BY", "CEO_OF", "MARRIED_TO",
	})
	viper.SetDefault("contradiction.resolution_policy", "newest_wins")

	viper.SetDefault("view.update_policy", "check_config")
	viper.SetDefault("view.analyzer", "text_en")

	viper.SetDefault("search.initial_k", 20)
	viper.SetDefault("search.top_n", 10)
	viper.SetDefault("search.expand_factor", 5)
	viper.SetDefault("search.min_score", 0.0)
	viper.SetDefault("search.rrf_k", 60)
	viper.SetDefault("search.rerank_top_k", 10)
	viper.SetDefault("search.rerank_strategy", "weighted")
	viper.SetDefault("search.rerank_weight", 0.5)
	viper.SetDefault("search.recent_window", 7*24*time.Hour)

	viper.SetDefault("community.min_size", 2)
	viper.SetDefault("community.max_iterations", 100)

	viper.SetDefault("deadlines.search", 5*time.Second)
	viper.SetDefault("deadlines.ingestion", 30*time.Second)

	viper.SetDefault("alert.enabled", false)
	viper.SetDefault("alert.smtp_port", 587)
}

func overrideWithEnv(config *Config) {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		if config.LLM.APIKey == "" {
			config.LLM.APIKey = key
		}
		if config.Embedding.APIKey == "" {
			config.Embedding.APIKey = key
		}
	}
	if uri := os.Getenv("ARANGO_ENDPOINT"); uri != "" {
		config.Database.Endpoints = []string{uri}
	}
	if user := os.Getenv("ARANGO_USER"); user != "" {
		config.Database.Username = user
	}
	if pass := os.Getenv("ARANGO_PASSWORD"); pass != "" {
		config.Database.Password = pass
	}
	if db := os.Getenv("ARANGO_DATABASE"); db != "" {
		config.Database.Database = db
	}
	if path := os.Getenv("EXPORT_PARQUET_PATH"); path != "" {
		config.Export.ParquetPath = path
	}
}

// predicateFile is the YAML shape of an external functional-predicate table.
type predicateFile struct {
	FunctionalPredicates []string `yaml:"functional_predicates"`
}

// LoadFunctionalPredicates reads a functional-predicate table from a YAML
// file, replacing the configured set. The file format is:
//
//	functional_predicates:
//	  - WORKS_FOR
//	  - LIVES_IN
func LoadFunctionalPredicates(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read predicate table: %w", err)
	}
	var pf predicateFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse predicate table: %w", err)
	}
	return pf.FunctionalPredicates, nil
}
