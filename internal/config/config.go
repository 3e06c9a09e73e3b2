// Package config loads and validates crawler configuration via Viper.
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
	Logging   LoggingConfig   `mapstructure:"logging"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Sessions  SessionsConfig  `mapstructure:"sessions"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// CrawlerConfig governs the per-request pipeline.
type CrawlerConfig struct {
	QueueName                  string   `mapstructure:"queue_name"`
	SeedURLs                   []string `mapstructure:"seed_urls"`
	MaxRequestRetries          int      `mapstructure:"max_request_retries"`
	NavigationTimeoutSeconds   int      `mapstructure:"navigation_timeout_seconds"`
	HandlerTimeoutSeconds      int      `mapstructure:"handler_timeout_seconds"`
	MaxRequestsPerCrawl        int      `mapstructure:"max_requests_per_crawl"`
	StatsPersistIntervalSecond int      `mapstructure:"stats_persist_interval_seconds"`
}

// PoolConfig governs autoscaled concurrency.
type PoolConfig struct {
	MinConcurrency    int     `mapstructure:"min_concurrency"`
	MaxConcurrency    int     `mapstructure:"max_concurrency"`
	DesiredRatio      float64 `mapstructure:"desired_ratio"`
	ScaleUpStep       int     `mapstructure:"scale_up_step"`
	ScaleDownStep     int     `mapstructure:"scale_down_step"`
	ControlIntervalMs int     `mapstructure:"control_interval_ms"`
}

// SessionsConfig governs the session pool.
type SessionsConfig struct {
	MaxPoolSize                int     `mapstructure:"max_pool_size"`
	MaxErrorScore              float64 `mapstructure:"max_error_score"`
	ErrorScoreDecrement        float64 `mapstructure:"error_score_decrement"`
	MaxUsageCount              int     `mapstructure:"max_usage_count"`
	MaxAgeSeconds              int     `mapstructure:"max_age_seconds"`
	MaintenanceIntervalSeconds int     `mapstructure:"maintenance_interval_seconds"`
}

// SnapshotConfig governs resource sampling and overload thresholds.
type SnapshotConfig struct {
	SampleIntervalMs    int     `mapstructure:"sample_interval_ms"`
	HistorySize         int     `mapstructure:"history_size"`
	MaxUsedMemoryRatio  float64 `mapstructure:"max_used_memory_ratio"`
	MaxUsedCPURatio     float64 `mapstructure:"max_used_cpu_ratio"`
	MaxSchedulerLagMs   int     `mapstructure:"max_scheduler_lag_ms"`
	MaxClientErrorRatio float64 `mapstructure:"max_client_error_ratio"`
}

// RateLimitConfig governs per-domain politeness.
type RateLimitConfig struct {
	DefaultRPS   float64            `mapstructure:"default_rps"`
	DefaultBurst int                `mapstructure:"default_burst"`
	DomainRPS    map[string]float64 `mapstructure:"domain_rps"`
}

// ProxyConfig lists available proxies. Tiers wins over URLs when both set.
type ProxyConfig struct {
	URLs  []string   `mapstructure:"urls"`
	Tiers [][]string `mapstructure:"tiers"`
}

// FetcherConfig selects and tunes the fetch transport.
type FetcherConfig struct {
	Kind                string `mapstructure:"kind"` // "http" or "headless"
	UserAgent           string `mapstructure:"user_agent"`
	RespectRobots       bool   `mapstructure:"respect_robots"`
	TimeoutSeconds      int    `mapstructure:"timeout_seconds"`
	HeadlessMaxParallel int    `mapstructure:"headless_max_parallel"`

	// PromoteHeadless re-fetches script-rendered pages with a headless
	// browser when the plain HTTP fetcher is in use.
	PromoteHeadless bool `mapstructure:"promote_headless"`
}

// StorageConfig selects the durable key-value backend.
type StorageConfig struct {
	Provider string         `mapstructure:"provider"` // memory, redis, postgres, gcs
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	GCS      GCSConfig      `mapstructure:"gcs"`
}

// RedisConfig controls the Redis key-value backend.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	Namespace string `mapstructure:"namespace"`
}

// PostgresConfig controls the Postgres key-value backend.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// GCSConfig controls the Cloud Storage key-value backend.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// ArchiveConfig controls page body archiving from the default handler.
type ArchiveConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Backend     string `mapstructure:"backend"` // memory, local, gcs
	BaseDir     string `mapstructure:"base_dir"`
	Bucket      string `mapstructure:"bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for outcome event publishing.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLFORGE")
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
	v.SetDefault("crawler.queue_name", "default")
	v.SetDefault("crawler.max_request_retries", 3)
	v.SetDefault("crawler.navigation_timeout_seconds", 30)
	v.SetDefault("crawler.handler_timeout_seconds", 60)
	v.SetDefault("crawler.max_requests_per_crawl", 0)
	v.SetDefault("crawler.stats_persist_interval_seconds", 15)
	v.SetDefault("pool.min_concurrency", 1)
	v.SetDefault("pool.max_concurrency", 32)
	v.SetDefault("pool.desired_ratio", 0.9)
	v.SetDefault("pool.scale_up_step", 1)
	v.SetDefault("pool.scale_down_step", 1)
	v.SetDefault("pool.control_interval_ms", 1000)
	v.SetDefault("sessions.max_pool_size", 20)
	v.SetDefault("sessions.max_error_score", 3)
	v.SetDefault("sessions.error_score_decrement", 0.5)
	v.SetDefault("sessions.max_usage_count", 50)
	v.SetDefault("sessions.max_age_seconds", 3000)
	v.SetDefault("sessions.maintenance_interval_seconds", 30)
	v.SetDefault("snapshot.sample_interval_ms", 1000)
	v.SetDefault("snapshot.history_size", 30)
	v.SetDefault("snapshot.max_used_memory_ratio", 0.9)
	v.SetDefault("snapshot.max_used_cpu_ratio", 0.95)
	v.SetDefault("snapshot.max_scheduler_lag_ms", 500)
	v.SetDefault("snapshot.max_client_error_ratio", 0.3)
	v.SetDefault("ratelimit.default_rps", 10)
	v.SetDefault("ratelimit.default_burst", 1)
	v.SetDefault("fetcher.kind", "http")
	v.SetDefault("fetcher.user_agent", "crawlforge/0.1")
	v.SetDefault("fetcher.respect_robots", true)
	v.SetDefault("fetcher.timeout_seconds", 15)
	v.SetDefault("fetcher.headless_max_parallel", 2)
	v.SetDefault("fetcher.promote_headless", false)
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("storage.postgres.table", "crawlforge_kv")
	v.SetDefault("storage.redis.namespace", "crawlforge")
	v.SetDefault("storage.gcs.prefix", "crawlforge")
	v.SetDefault("archive.backend", "memory")
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("archive.content_type", "text/html; charset=utf-8")
	v.SetDefault("pubsub.topic", "crawl-events")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Pool.MaxConcurrency <= 0 {
		return fmt.Errorf("pool.max_concurrency must be > 0")
	}
	if c.Pool.MinConcurrency > c.Pool.MaxConcurrency {
		return fmt.Errorf("pool.min_concurrency %d exceeds pool.max_concurrency %d",
			c.Pool.MinConcurrency, c.Pool.MaxConcurrency)
	}
	if c.Pool.DesiredRatio <= 0 || c.Pool.DesiredRatio > 1 {
		return fmt.Errorf("pool.desired_ratio must be in (0, 1]")
	}
	if c.Crawler.QueueName == "" {
		return fmt.Errorf("crawler.queue_name must be set")
	}
	if c.Crawler.MaxRequestRetries < 0 {
		return fmt.Errorf("crawler.max_request_retries must be >= 0")
	}
	if c.Crawler.NavigationTimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.navigation_timeout_seconds must be > 0")
	}
	if c.Crawler.HandlerTimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.handler_timeout_seconds must be > 0")
	}
	if c.Sessions.MaxPoolSize <= 0 {
		return fmt.Errorf("sessions.max_pool_size must be > 0")
	}
	if c.RateLimit.DefaultRPS <= 0 {
		return fmt.Errorf("ratelimit.default_rps must be > 0")
	}
	for domain, rps := range c.RateLimit.DomainRPS {
		if rps <= 0 {
			return fmt.Errorf("ratelimit.domain_rps[%s] must be > 0", domain)
		}
	}
	switch c.Fetcher.Kind {
	case "http", "headless":
	default:
		return fmt.Errorf("fetcher.kind must be http or headless, got %q", c.Fetcher.Kind)
	}
	if c.Fetcher.Kind == "headless" && c.Fetcher.HeadlessMaxParallel <= 0 {
		return fmt.Errorf("fetcher.headless_max_parallel must be > 0 when fetcher.kind is headless")
	}
	if c.Fetcher.PromoteHeadless {
		if c.Fetcher.Kind != "http" {
			return fmt.Errorf("fetcher.promote_headless requires fetcher.kind http")
		}
		if c.Fetcher.HeadlessMaxParallel <= 0 {
			return fmt.Errorf("fetcher.headless_max_parallel must be > 0 when fetcher.promote_headless is set")
		}
	}
	switch c.Storage.Provider {
	case "memory":
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr must be set when storage.provider is redis")
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn must be set when storage.provider is postgres")
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket must be set when storage.provider is gcs")
		}
	default:
		return fmt.Errorf("storage.provider must be memory, redis, postgres, or gcs, got %q", c.Storage.Provider)
	}
	if c.Archive.Enabled {
		switch c.Archive.Backend {
		case "memory":
		case "local":
			if c.Archive.BaseDir == "" {
				return fmt.Errorf("archive.base_dir must be set when archive.backend is local")
			}
		case "gcs":
			if c.Archive.Bucket == "" {
				return fmt.Errorf("archive.bucket must be set when archive.backend is gcs")
			}
		default:
			return fmt.Errorf("archive.backend must be memory, local, or gcs, got %q", c.Archive.Backend)
		}
	}
	if c.PubSub.Enabled {
		if c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id must be set when pubsub is enabled")
		}
		if c.PubSub.Topic == "" {
			return fmt.Errorf("pubsub.topic must be set when pubsub is enabled")
		}
	}
	return nil
}

// NavigationTimeout returns the fetch phase budget as a duration.
func (c CrawlerConfig) NavigationTimeout() time.Duration {
	return time.Duration(c.NavigationTimeoutSeconds) * time.Second
}

// HandlerTimeout returns the handler phase budget as a duration.
func (c CrawlerConfig) HandlerTimeout() time.Duration {
	return time.Duration(c.HandlerTimeoutSeconds) * time.Second
}

// StatsPersistInterval returns the statistics flush cadence as a duration.
func (c CrawlerConfig) StatsPersistInterval() time.Duration {
	return time.Duration(c.StatsPersistIntervalSecond) * time.Second
}
