// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Engines   EnginesConfig   `mapstructure:"engines"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Extract   ExtractConfig   `mapstructure:"extract"`
	Dates     DatesConfig     `mapstructure:"dates"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Quality   QualityConfig   `mapstructure:"quality"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Store     StoreConfig     `mapstructure:"store"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Enrich    EnrichConfig    `mapstructure:"enrich"`
	Index     IndexConfig     `mapstructure:"index"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CrawlerConfig governs the scrape stage.
type CrawlerConfig struct {
	Workers                   int    `mapstructure:"workers"`
	QueueDepth                int    `mapstructure:"queue_depth"`
	UserAgent                 string `mapstructure:"user_agent"`
	IgnoreRobots              bool   `mapstructure:"ignore_robots"`
	MinViableBytes            int    `mapstructure:"min_viable_bytes"`
	MaxBodyBytes              int64  `mapstructure:"max_body_bytes"`
	IncrementalThresholdHours int    `mapstructure:"incremental_threshold_hours"`
}

// EngineConfig is the shared per-engine timeout and retry block.
type EngineConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	TimeoutSeconds   int  `mapstructure:"timeout_seconds"`
	MaxAttempts      int  `mapstructure:"max_attempts"`
	BackoffInitialMs int  `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int  `mapstructure:"backoff_max_ms"`
}

// Timeout returns the configured fetch timeout.
func (e EngineConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// HeadlessEngineConfig adds browser-specific knobs.
type HeadlessEngineConfig struct {
	EngineConfig `mapstructure:",squash"`
	MaxParallel  int    `mapstructure:"max_parallel"`
	ChromePath   string `mapstructure:"chrome_path"`
}

// EnginesConfig groups the three fetch engines.
type EnginesConfig struct {
	HTTP     EngineConfig         `mapstructure:"http"`
	Colly    EngineConfig         `mapstructure:"colly"`
	Headless HeadlessEngineConfig `mapstructure:"headless"`
}

// RateLimitConfig bounds per-host concurrency and request rate.
type RateLimitConfig struct {
	PerHostPermits int     `mapstructure:"per_host_permits"`
	PerHostQPS     float64 `mapstructure:"per_host_qps"`
	Burst          int     `mapstructure:"burst"`
}

// ExtractConfig tunes the fallback block scan.
type ExtractConfig struct {
	MaxFallbackCandidates int `mapstructure:"max_fallback_candidates"`
	MinBlockChars         int `mapstructure:"min_block_chars"`
	MinGenericMatches     int `mapstructure:"min_generic_matches"`
}

// DatesConfig sets the recency window.
type DatesConfig struct {
	CutoffDays           int    `mapstructure:"cutoff_days"`
	FutureToleranceHours int    `mapstructure:"future_tolerance_hours"`
	Location             string `mapstructure:"location"`
}

// DedupConfig configures fingerprints, TTL and in-memory layers.
type DedupConfig struct {
	MatchThreshold       int     `mapstructure:"match_threshold"`
	TTLDays              int     `mapstructure:"ttl_days"`
	ContentPrefixChars   int     `mapstructure:"content_prefix_chars"`
	BloomCapacity        uint    `mapstructure:"bloom_capacity"`
	BloomFalsePositive   float64 `mapstructure:"bloom_false_positive"`
	HotCacheMB           int     `mapstructure:"hot_cache_mb"`
	SweepIntervalMinutes int     `mapstructure:"sweep_interval_minutes"`
}

// TTL returns the fact lifetime.
func (d DedupConfig) TTL() time.Duration {
	return time.Duration(d.TTLDays) * 24 * time.Hour
}

// QualityConfig holds hard minimums and scoring inputs.
type QualityConfig struct {
	MinTitleChars  int      `mapstructure:"min_title_chars"`
	MinBodyChars   int      `mapstructure:"min_body_chars"`
	MinWords       int      `mapstructure:"min_words"`
	IdealWords     int      `mapstructure:"ideal_words"`
	SpamTerms      []string `mapstructure:"spam_terms"`
	SpamRejectHits int      `mapstructure:"spam_reject_hits"`
}

// RegistryConfig points at the sources file.
type RegistryConfig struct {
	Path string `mapstructure:"path"`
}

// StoreConfig selects the run and cache store backend.
type StoreConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// StorageConfig selects the artifact blob store.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// EnrichConfig points at the enrichment service.
type EnrichConfig struct {
	Endpoint       string `mapstructure:"endpoint"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	BatchSize      int    `mapstructure:"batch_size"`
}

// IndexConfig selects the indexing adapter.
type IndexConfig struct {
	Backend    string `mapstructure:"backend"`
	QdrantAddr string `mapstructure:"qdrant_addr"`
	Collection string `mapstructure:"collection"`
	VectorSize uint64 `mapstructure:"vector_size"`
	Topic      string `mapstructure:"topic"`
}

// NotifyConfig selects the batch-ready notification transport.
type NotifyConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
	NATSURL   string `mapstructure:"nats_url"`
}

// ProgressConfig configures the progress hub.
type ProgressConfig struct {
	Enabled           bool        `mapstructure:"enabled"`
	LogEnabled        bool        `mapstructure:"log_enabled"`
	PrometheusEnabled bool        `mapstructure:"prometheus_enabled"`
	BufferSize        int         `mapstructure:"buffer_size"`
	SinkTimeoutMs     int         `mapstructure:"sink_timeout_ms"`
	Batch             BatchConfig `mapstructure:"batch"`
}

// BatchConfig bounds progress batches.
type BatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// TelemetryConfig toggles tracing. Spans are exported to Cloud Trace only
// when tracing is enabled and a project is set.
type TelemetryConfig struct {
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
	ServiceName    string  `mapstructure:"service_name"`
	ProjectID      string  `mapstructure:"project_id"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")

	v.SetDefault("crawler.workers", 4)
	v.SetDefault("crawler.queue_depth", 256)
	v.SetDefault("crawler.user_agent", "ingest-crawler/0.1")
	v.SetDefault("crawler.ignore_robots", false)
	v.SetDefault("crawler.min_viable_bytes", 512)
	v.SetDefault("crawler.max_body_bytes", 8<<20)
	v.SetDefault("crawler.incremental_threshold_hours", 12)

	v.SetDefault("engines.http.enabled", true)
	v.SetDefault("engines.http.timeout_seconds", 15)
	v.SetDefault("engines.http.max_attempts", 2)
	v.SetDefault("engines.http.backoff_initial_ms", 250)
	v.SetDefault("engines.http.backoff_max_ms", 2000)
	v.SetDefault("engines.colly.enabled", true)
	v.SetDefault("engines.colly.timeout_seconds", 20)
	v.SetDefault("engines.colly.max_attempts", 2)
	v.SetDefault("engines.colly.backoff_initial_ms", 250)
	v.SetDefault("engines.colly.backoff_max_ms", 2000)
	v.SetDefault("engines.headless.enabled", true)
	v.SetDefault("engines.headless.timeout_seconds", 45)
	v.SetDefault("engines.headless.max_attempts", 1)
	v.SetDefault("engines.headless.backoff_initial_ms", 500)
	v.SetDefault("engines.headless.backoff_max_ms", 4000)
	v.SetDefault("engines.headless.max_parallel", 1)

	v.SetDefault("ratelimit.per_host_permits", 2)
	v.SetDefault("ratelimit.per_host_qps", 0)
	v.SetDefault("ratelimit.burst", 1)

	v.SetDefault("extract.max_fallback_candidates", 20)
	v.SetDefault("extract.min_block_chars", 50)
	v.SetDefault("extract.min_generic_matches", 3)

	v.SetDefault("dates.cutoff_days", 7)
	v.SetDefault("dates.future_tolerance_hours", 24)
	v.SetDefault("dates.location", "UTC")

	v.SetDefault("dedup.match_threshold", 1)
	v.SetDefault("dedup.ttl_days", 30)
	v.SetDefault("dedup.content_prefix_chars", 500)
	v.SetDefault("dedup.bloom_capacity", 1_000_000)
	v.SetDefault("dedup.bloom_false_positive", 0.0001)
	v.SetDefault("dedup.hot_cache_mb", 64)
	v.SetDefault("dedup.sweep_interval_minutes", 60)

	v.SetDefault("quality.min_title_chars", 10)
	v.SetDefault("quality.min_body_chars", 200)
	v.SetDefault("quality.min_words", 30)
	v.SetDefault("quality.ideal_words", 400)
	v.SetDefault("quality.spam_reject_hits", 3)

	v.SetDefault("registry.path", "sources.yaml")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.sqlite_path", "ingest.db")
	v.SetDefault("store.max_conns", 8)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("store.max_conn_lifetime", time.Hour)
	v.SetDefault("store.migrate", true)

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.base_dir", "artifacts")
	v.SetDefault("storage.prefix", "runs")

	v.SetDefault("enrich.timeout_seconds", 60)
	v.SetDefault("enrich.batch_size", 32)

	v.SetDefault("index.backend", "publish")
	v.SetDefault("index.collection", "ingest_items")
	v.SetDefault("index.topic", "ingest-documents")

	v.SetDefault("notify.backend", "memory")
	v.SetDefault("notify.topic", "ingest-batches")

	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.prometheus_enabled", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.sink_timeout_ms", 2000)
	v.SetDefault("progress.batch.max_events", 64)
	v.SetDefault("progress.batch.max_wait_ms", 500)

	v.SetDefault("telemetry.service_name", "ingest-crawler")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
//
//nolint:gocyclo // flat list of independent checks
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Crawler.QueueDepth < 0 {
		return fmt.Errorf("crawler.queue_depth must be >= 0")
	}
	if !c.Engines.HTTP.Enabled && !c.Engines.Colly.Enabled && !c.Engines.Headless.Enabled {
		return fmt.Errorf("engines: at least one engine must be enabled")
	}
	for name, e := range map[string]EngineConfig{
		"http":     c.Engines.HTTP,
		"colly":    c.Engines.Colly,
		"headless": c.Engines.Headless.EngineConfig,
	} {
		if e.Enabled && e.TimeoutSeconds <= 0 {
			return fmt.Errorf("engines.%s.timeout_seconds must be > 0", name)
		}
	}
	if c.Engines.Headless.Enabled && c.Engines.Headless.MaxParallel <= 0 {
		return fmt.Errorf("engines.headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.RateLimit.PerHostPermits <= 0 {
		return fmt.Errorf("ratelimit.per_host_permits must be > 0")
	}
	if c.RateLimit.PerHostQPS < 0 {
		return fmt.Errorf("ratelimit.per_host_qps must be >= 0")
	}
	if c.Dates.CutoffDays <= 0 {
		return fmt.Errorf("dates.cutoff_days must be > 0")
	}
	if _, err := time.LoadLocation(c.Dates.Location); err != nil {
		return fmt.Errorf("dates.location: %w", err)
	}
	if c.Dedup.MatchThreshold < 1 || c.Dedup.MatchThreshold > 3 {
		return fmt.Errorf("dedup.match_threshold must be between 1 and 3")
	}
	if c.Dedup.TTLDays <= 0 {
		return fmt.Errorf("dedup.ttl_days must be > 0")
	}
	if c.Dedup.ContentPrefixChars <= 0 {
		return fmt.Errorf("dedup.content_prefix_chars must be > 0")
	}
	if c.Quality.IdealWords <= 0 {
		return fmt.Errorf("quality.ideal_words must be > 0")
	}
	if c.Quality.SpamRejectHits < 1 {
		return fmt.Errorf("quality.spam_reject_hits must be >= 1")
	}
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path must be set for the sqlite driver")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver must be memory, sqlite or postgres")
	}
	switch c.Storage.Backend {
	case "memory", "local":
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, local or gcs")
	}
	switch c.Index.Backend {
	case "publish":
	case "qdrant":
		if c.Index.QdrantAddr == "" || c.Index.VectorSize == 0 {
			return fmt.Errorf("index.qdrant_addr and index.vector_size must be set for the qdrant backend")
		}
	default:
		return fmt.Errorf("index.backend must be publish or qdrant")
	}
	switch c.Notify.Backend {
	case "memory":
	case "pubsub":
		if c.Notify.ProjectID == "" || c.Notify.Topic == "" {
			return fmt.Errorf("notify.project_id and notify.topic must be set for pubsub")
		}
	case "nats":
		if c.Notify.NATSURL == "" {
			return fmt.Errorf("notify.nats_url must be set for nats")
		}
	default:
		return fmt.Errorf("notify.backend must be memory, pubsub or nats")
	}
	return nil
}

// IncrementalThreshold converts the configured hours into a duration.
func (c Config) IncrementalThreshold() time.Duration {
	return time.Duration(c.Crawler.IncrementalThresholdHours) * time.Hour
}

// FutureTolerance converts the configured hours into a duration.
func (c Config) FutureTolerance() time.Duration {
	return time.Duration(c.Dates.FutureToleranceHours) * time.Hour
}
