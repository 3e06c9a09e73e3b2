package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "default", cfg.Crawler.QueueName)
	require.Equal(t, 3, cfg.Crawler.MaxRequestRetries)
	require.Equal(t, 30*time.Second, cfg.Crawler.NavigationTimeout())
	require.Equal(t, 60*time.Second, cfg.Crawler.HandlerTimeout())
	require.Equal(t, 15*time.Second, cfg.Crawler.StatsPersistInterval())
	require.Equal(t, 32, cfg.Pool.MaxConcurrency)
	require.InDelta(t, 0.9, cfg.Pool.DesiredRatio, 1e-9)
	require.Equal(t, 20, cfg.Sessions.MaxPoolSize)
	require.Equal(t, "http", cfg.Fetcher.Kind)
	require.Equal(t, "memory", cfg.Storage.Provider)
	require.False(t, cfg.PubSub.Enabled)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
crawler:
  queue_name: products
  seed_urls: ["https://example.com"]
  max_request_retries: 5
  navigation_timeout_seconds: 10
  handler_timeout_seconds: 20
  max_requests_per_crawl: 100
pool:
  min_concurrency: 2
  max_concurrency: 8
  desired_ratio: 0.8
sessions:
  max_pool_size: 50
  max_error_score: 2.5
ratelimit:
  default_rps: 4
  domain_rps:
    example.com: 1
proxy:
  urls: ["http://proxy-a:8080", "http://proxy-b:8080"]
fetcher:
  kind: headless
  user_agent: forge-agent
  headless_max_parallel: 3
storage:
  provider: redis
  redis:
    addr: localhost:6379
pubsub:
  enabled: true
  project_id: my-project
  topic: outcomes
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "products", cfg.Crawler.QueueName)
	require.Equal(t, []string{"https://example.com"}, cfg.Crawler.SeedURLs)
	require.Equal(t, 5, cfg.Crawler.MaxRequestRetries)
	require.Equal(t, 10*time.Second, cfg.Crawler.NavigationTimeout())
	require.Equal(t, 20*time.Second, cfg.Crawler.HandlerTimeout())
	require.Equal(t, 100, cfg.Crawler.MaxRequestsPerCrawl)
	require.Equal(t, 2, cfg.Pool.MinConcurrency)
	require.Equal(t, 8, cfg.Pool.MaxConcurrency)
	require.Equal(t, 50, cfg.Sessions.MaxPoolSize)
	require.InDelta(t, 1.0, cfg.RateLimit.DomainRPS["example.com"], 1e-9)
	require.Len(t, cfg.Proxy.URLs, 2)
	require.Equal(t, "headless", cfg.Fetcher.Kind)
	require.Equal(t, "forge-agent", cfg.Fetcher.UserAgent)
	require.Equal(t, "redis", cfg.Storage.Provider)
	require.Equal(t, "localhost:6379", cfg.Storage.Redis.Addr)
	require.True(t, cfg.PubSub.Enabled)
	require.Equal(t, "outcomes", cfg.PubSub.Topic)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  provider: carrier-pigeon\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "storage.provider")
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server: ServerConfig{Port: 8080},
		Crawler: CrawlerConfig{
			QueueName:                "default",
			NavigationTimeoutSeconds: 30,
			HandlerTimeoutSeconds:    60,
		},
		Pool:      PoolConfig{MinConcurrency: 1, MaxConcurrency: 4, DesiredRatio: 0.9},
		Sessions:  SessionsConfig{MaxPoolSize: 10},
		RateLimit: RateLimitConfig{DefaultRPS: 5},
		Fetcher:   FetcherConfig{Kind: "http"},
		Storage:   StorageConfig{Provider: "memory"},
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"min exceeds max concurrency", func(c *Config) { c.Pool.MinConcurrency = 8 }, "pool.min_concurrency"},
		{"ratio out of range", func(c *Config) { c.Pool.DesiredRatio = 1.5 }, "pool.desired_ratio"},
		{"empty queue name", func(c *Config) { c.Crawler.QueueName = "" }, "crawler.queue_name"},
		{"negative retries", func(c *Config) { c.Crawler.MaxRequestRetries = -1 }, "crawler.max_request_retries"},
		{"zero navigation timeout", func(c *Config) { c.Crawler.NavigationTimeoutSeconds = 0 }, "crawler.navigation_timeout_seconds"},
		{"zero handler timeout", func(c *Config) { c.Crawler.HandlerTimeoutSeconds = 0 }, "crawler.handler_timeout_seconds"},
		{"zero session pool", func(c *Config) { c.Sessions.MaxPoolSize = 0 }, "sessions.max_pool_size"},
		{"zero default rps", func(c *Config) { c.RateLimit.DefaultRPS = 0 }, "ratelimit.default_rps"},
		{"bad domain rps", func(c *Config) { c.RateLimit.DomainRPS = map[string]float64{"example.com": -1} }, "ratelimit.domain_rps"},
		{"unknown fetcher", func(c *Config) { c.Fetcher.Kind = "carrier-pigeon" }, "fetcher.kind"},
		{"headless without parallelism", func(c *Config) {
			c.Fetcher.Kind = "headless"
			c.Fetcher.HeadlessMaxParallel = 0
		}, "fetcher.headless_max_parallel"},
		{"promotion on headless fetcher", func(c *Config) {
			c.Fetcher.Kind = "headless"
			c.Fetcher.HeadlessMaxParallel = 2
			c.Fetcher.PromoteHeadless = true
		}, "fetcher.promote_headless"},
		{"promotion without parallelism", func(c *Config) {
			c.Fetcher.PromoteHeadless = true
			c.Fetcher.HeadlessMaxParallel = 0
		}, "fetcher.headless_max_parallel"},
		{"redis without addr", func(c *Config) { c.Storage.Provider = "redis" }, "storage.redis.addr"},
		{"postgres without dsn", func(c *Config) { c.Storage.Provider = "postgres" }, "storage.postgres.dsn"},
		{"gcs without bucket", func(c *Config) { c.Storage.Provider = "gcs" }, "storage.gcs.bucket"},
		{"unknown provider", func(c *Config) { c.Storage.Provider = "tape" }, "storage.provider"},
		{"local archive without dir", func(c *Config) {
			c.Archive.Enabled = true
			c.Archive.Backend = "local"
		}, "archive.base_dir"},
		{"unknown archive backend", func(c *Config) {
			c.Archive.Enabled = true
			c.Archive.Backend = "floppy"
		}, "archive.backend"},
		{"pubsub without project", func(c *Config) {
			c.PubSub.Enabled = true
			c.PubSub.Topic = "t"
		}, "pubsub.project_id"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}
