// Package main wires together the crawlforge service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	pubsubv2 "cloud.google.com/go/pubsub/v2"
	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/crawlforge/crawlforge/internal/api"
	"github.com/crawlforge/crawlforge/internal/archive"
	"github.com/crawlforge/crawlforge/internal/autoscale"
	"github.com/crawlforge/crawlforge/internal/clock/system"
	"github.com/crawlforge/crawlforge/internal/config"
	"github.com/crawlforge/crawlforge/internal/crawl"
	"github.com/crawlforge/crawlforge/internal/crawler"
	"github.com/crawlforge/crawlforge/internal/detector"
	collyfetcher "github.com/crawlforge/crawlforge/internal/fetcher/colly"
	headlessfetcher "github.com/crawlforge/crawlforge/internal/fetcher/headless"
	"github.com/crawlforge/crawlforge/internal/hash/sha256"
	"github.com/crawlforge/crawlforge/internal/id/uuid"
	"github.com/crawlforge/crawlforge/internal/logging"
	"github.com/crawlforge/crawlforge/internal/metrics"
	"github.com/crawlforge/crawlforge/internal/proxy"
	memorypublisher "github.com/crawlforge/crawlforge/internal/publisher/memory"
	pubsubpublisher "github.com/crawlforge/crawlforge/internal/publisher/pubsub"
	"github.com/crawlforge/crawlforge/internal/ratelimit"
	"github.com/crawlforge/crawlforge/internal/requestqueue"
	"github.com/crawlforge/crawlforge/internal/session"
	"github.com/crawlforge/crawlforge/internal/snapshotter"
	"github.com/crawlforge/crawlforge/internal/storage"
	gcsstorage "github.com/crawlforge/crawlforge/internal/storage/gcs"
	localstorage "github.com/crawlforge/crawlforge/internal/storage/local"
	memorystorage "github.com/crawlforge/crawlforge/internal/storage/memory"
	postgresstorage "github.com/crawlforge/crawlforge/internal/storage/postgres"
	redisstorage "github.com/crawlforge/crawlforge/internal/storage/redis"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("crawlforge exited with error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	metrics.Init()

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	clock := system.New()
	idGen := uuid.NewGenerator()

	queue, err := requestqueue.Open(ctx, cfg.Crawler.QueueName, store, idGen, clock, logging.Component(logger, "queue"))
	if err != nil {
		return fmt.Errorf("open request queue: %w", err)
	}

	var (
		assigner session.ProxyAssigner
		reporter crawler.ProxyReporter
	)
	if len(cfg.Proxy.URLs) > 0 || len(cfg.Proxy.Tiers) > 0 {
		tiered, err := proxy.New(proxy.Config{URLs: cfg.Proxy.URLs, Tiers: cfg.Proxy.Tiers})
		if err != nil {
			return fmt.Errorf("configure proxies: %w", err)
		}
		assigner = tiered
		reporter = tiered
	}

	sessions, err := session.NewPool(ctx, session.Config{
		MaxPoolSize:         cfg.Sessions.MaxPoolSize,
		MaxErrorScore:       cfg.Sessions.MaxErrorScore,
		ErrorScoreDecrement: cfg.Sessions.ErrorScoreDecrement,
		MaxUsageCount:       cfg.Sessions.MaxUsageCount,
		MaxAge:              time.Duration(cfg.Sessions.MaxAgeSeconds) * time.Second,
		MaintenanceInterval: time.Duration(cfg.Sessions.MaintenanceIntervalSeconds) * time.Second,
	}, store, idGen, clock, assigner, logging.Component(logger, "sessions"))
	if err != nil {
		return fmt.Errorf("build session pool: %w", err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.RateLimit.DefaultRPS,
		DefaultBurst: cfg.RateLimit.DefaultBurst,
		DomainRPS:    cfg.RateLimit.DomainRPS,
	})
	limiter.ObserveDelay = metrics.ObserveRateLimitDelay

	snap := snapshotter.New(snapshotter.Config{
		SampleInterval:      time.Duration(cfg.Snapshot.SampleIntervalMs) * time.Millisecond,
		HistorySize:         cfg.Snapshot.HistorySize,
		MaxUsedMemoryRatio:  cfg.Snapshot.MaxUsedMemoryRatio,
		MaxUsedCPURatio:     cfg.Snapshot.MaxUsedCPURatio,
		MaxSchedulerLag:     time.Duration(cfg.Snapshot.MaxSchedulerLagMs) * time.Millisecond,
		MaxClientErrorRatio: cfg.Snapshot.MaxClientErrorRatio,
	}, logging.Component(logger, "snapshotter"))

	fetcher, headless, closeFetcher, err := buildFetcher(cfg.Fetcher)
	if err != nil {
		return fmt.Errorf("build fetcher: %w", err)
	}
	if closeFetcher != nil {
		defer closeFetcher()
	}

	arch, err := buildArchive(ctx, cfg.Archive)
	if err != nil {
		return fmt.Errorf("build archive: %w", err)
	}

	publisher, err := buildPublisher(ctx, cfg.PubSub)
	if err != nil {
		return fmt.Errorf("build publisher: %w", err)
	}

	stats, err := crawler.NewStatistics(ctx, store, clock)
	if err != nil {
		return fmt.Errorf("restore statistics: %w", err)
	}

	pageLog := logging.Component(logger, "pages")
	handler := func(ctx context.Context, crawlCtx *crawl.Context) error {
		fields := []zap.Field{
			zap.String("url", crawlCtx.Response.URL),
			zap.Int("status", crawlCtx.Response.StatusCode),
			zap.Int("bytes", len(crawlCtx.Response.Body)),
			zap.Duration("fetch_duration", crawlCtx.Response.Duration),
		}
		if arch != nil {
			uri, err := arch.Save(ctx, crawlCtx.Response)
			if err != nil {
				return fmt.Errorf("archive page: %w", err)
			}
			fields = append(fields, zap.String("archive_uri", uri))
		}
		pageLog.Info("page fetched", fields...)
		return nil
	}
	failure := func(_ context.Context, req *crawl.Request, err error) {
		pageLog.Warn("request exhausted retries",
			zap.String("url", req.URL),
			zap.Int("retry_count", req.RetryCount),
			zap.Error(err))
	}

	engine, err := crawler.New(crawler.Config{
		MaxRequestRetries:     cfg.Crawler.MaxRequestRetries,
		NavigationTimeout:     cfg.Crawler.NavigationTimeout(),
		RequestHandlerTimeout: cfg.Crawler.HandlerTimeout(),
		MaxRequestsPerCrawl:   cfg.Crawler.MaxRequestsPerCrawl,
		StatsPersistInterval:  cfg.Crawler.StatsPersistInterval(),
		Pool: autoscale.Config{
			MinConcurrency:          cfg.Pool.MinConcurrency,
			MaxConcurrency:          cfg.Pool.MaxConcurrency,
			DesiredConcurrencyRatio: cfg.Pool.DesiredRatio,
			ScaleUpStep:             cfg.Pool.ScaleUpStep,
			ScaleDownStep:           cfg.Pool.ScaleDownStep,
			ControlInterval:         time.Duration(cfg.Pool.ControlIntervalMs) * time.Millisecond,
		},
	}, crawler.Deps{
		Queue:           queue,
		Sessions:        sessions,
		Fetcher:         fetcher,
		HeadlessFetcher: headless,
		Handler:         handler,
		FailureHandler:  failure,
		Snapshotter:     snap,
		Detector:        detector.NewHeuristic(0),
		Limiter:         limiter,
		Proxy:           reporter,
		Publisher:       publisher,
		Statistics:      stats,
		Logger:          logging.Component(logger, "crawler"),
	})
	if err != nil {
		return fmt.Errorf("build crawler: %w", err)
	}

	if len(cfg.Crawler.SeedURLs) > 0 {
		seeds := make([]*crawl.Request, 0, len(cfg.Crawler.SeedURLs))
		for _, rawURL := range cfg.Crawler.SeedURLs {
			req, err := crawl.NewRequest(rawURL)
			if err != nil {
				return fmt.Errorf("seed url %q: %w", rawURL, err)
			}
			seeds = append(seeds, req)
		}
		if _, err := engine.AddRequests(ctx, seeds); err != nil {
			return fmt.Errorf("seed queue: %w", err)
		}
	}

	apiServer := api.NewServer(queue, queue, sessions, stats, logging.Component(logger, "api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("ops server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server error", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("ops server shutdown error", zap.Error(err))
		}
	}()

	snapshot, runErr := engine.Run(ctx)
	logger.Info("crawl finished",
		zap.Int64("requests_finished", snapshot.RequestsFinished),
		zap.Int64("requests_failed", snapshot.RequestsFailed),
		zap.Duration("runtime", snapshot.CrawlerRuntime))
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func openStore(ctx context.Context, cfg config.StorageConfig) (storage.KeyValueStore, error) {
	switch cfg.Provider {
	case "memory":
		return memorystorage.NewStore(), nil
	case "redis":
		return redisstorage.New(ctx, redisstorage.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Namespace: cfg.Redis.Namespace,
		})
	case "postgres":
		return postgresstorage.New(ctx, postgresstorage.Config{
			DSN:      cfg.Postgres.DSN,
			Table:    cfg.Postgres.Table,
			MaxConns: cfg.Postgres.MaxConns,
		})
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		return gcsstorage.New(client, gcsstorage.Config{
			Bucket: cfg.GCS.Bucket,
			Prefix: cfg.GCS.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}

// buildFetcher returns the primary fetcher and, when promotion is
// enabled, a headless fetcher for re-rendering script-heavy pages.
func buildFetcher(cfg config.FetcherConfig) (crawl.Fetcher, crawl.Fetcher, func(), error) {
	switch cfg.Kind {
	case "http":
		f := collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.UserAgent,
			RespectRobots: cfg.RespectRobots,
			Timeout:       time.Duration(cfg.TimeoutSeconds) * time.Second,
		})
		if !cfg.PromoteHeadless {
			return f, nil, nil, nil
		}
		h, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.HeadlessMaxParallel,
			UserAgent:         cfg.UserAgent,
			NavigationTimeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return f, h, h.Close, nil
	case "headless":
		f, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.HeadlessMaxParallel,
			UserAgent:         cfg.UserAgent,
			NavigationTimeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return f, nil, f.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown fetcher kind %q", cfg.Kind)
	}
}

func buildArchive(ctx context.Context, cfg config.ArchiveConfig) (*archive.Archive, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	var (
		store archive.BlobStore
		err   error
	)
	switch cfg.Backend {
	case "memory":
		store = memorystorage.NewBlobStore()
	case "local":
		store, err = localstorage.New(localstorage.Config{BaseDir: cfg.BaseDir})
	case "gcs":
		var client *gstorage.Client
		client, err = gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		store, err = gcsstorage.NewBlobStore(client, cfg.Bucket)
	default:
		err = fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return archive.New(store, sha256.New(), archive.Config{
		Prefix:      cfg.Prefix,
		ContentType: cfg.ContentType,
	})
}

func buildPublisher(ctx context.Context, cfg config.PubSubConfig) (crawl.EventPublisher, error) {
	if !cfg.Enabled {
		return memorypublisher.New(), nil
	}
	client, err := pubsubv2.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return pubsubpublisher.New(client.Publisher(cfg.Topic)), nil
}
