// Package crawler wires the work queue, session pool, and autoscaled pool
// into the per-request pipeline.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/crawlforge/crawlforge/internal/autoscale"
	"github.com/crawlforge/crawlforge/internal/crawl"
	"github.com/crawlforge/crawlforge/internal/detector"
	"github.com/crawlforge/crawlforge/internal/metrics"
	"github.com/crawlforge/crawlforge/internal/ratelimit"
	"github.com/crawlforge/crawlforge/internal/requestqueue"
	"github.com/crawlforge/crawlforge/internal/session"
	"github.com/crawlforge/crawlforge/internal/snapshotter"
)

const eventsTopic = "crawl-events"

// Config tunes the orchestrator.
type Config struct {
	MaxRequestRetries     int
	NavigationTimeout     time.Duration
	RequestHandlerTimeout time.Duration
	MaxRequestsPerCrawl   int
	StatsPersistInterval  time.Duration
	Pool                  autoscale.Config
}

func (c *Config) applyDefaults() {
	if c.MaxRequestRetries < 0 {
		c.MaxRequestRetries = 0
	} else if c.MaxRequestRetries == 0 {
		c.MaxRequestRetries = 3
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 30 * time.Second
	}
	if c.RequestHandlerTimeout <= 0 {
		c.RequestHandlerTimeout = 60 * time.Second
	}
	if c.StatsPersistInterval <= 0 {
		c.StatsPersistInterval = 15 * time.Second
	}
}

// ProxyReporter receives per-request outcome feedback so proxy tier
// selection can react to blocking. Satisfied by *proxy.Assigner.
type ProxyReporter interface {
	ReportBlocked()
	ReportGood()
}

// Deps are the orchestrator's collaborators. Queue, Sessions, Fetcher, and
// Handler are required; the rest are optional.
type Deps struct {
	Queue    *requestqueue.Queue
	Sessions *session.Pool
	Fetcher  crawl.Fetcher

	// HeadlessFetcher, when set, re-fetches pages the detector flags as
	// script-rendered so the handler sees the rendered document.
	HeadlessFetcher crawl.Fetcher

	Handler        crawl.Handler
	FailureHandler crawl.FailureHandler
	Snapshotter    *snapshotter.Snapshotter
	Detector       *detector.Heuristic
	Limiter        *ratelimit.Limiter
	Proxy          ProxyReporter
	Publisher      crawl.EventPublisher
	Statistics     *Statistics
	Logger         *zap.Logger
}

// Crawler drives requests from the queue through fetch and processing
// phases until the queue is exhausted or the run is canceled.
type Crawler struct {
	cfg   Config
	deps  Deps
	stats *Statistics
	snap  *snapshotter.Snapshotter
	log   *zap.Logger

	started atomic.Int64
}

// New validates deps and builds a Crawler. Configuration errors fail here,
// before any work starts.
func New(cfg Config, deps Deps) (*Crawler, error) {
	cfg.applyDefaults()
	if deps.Queue == nil {
		return nil, fmt.Errorf("request queue is required")
	}
	if deps.Sessions == nil {
		return nil, fmt.Errorf("session pool is required")
	}
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if deps.Handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	metrics.Init()
	snap := deps.Snapshotter
	if snap == nil {
		snap = snapshotter.New(snapshotter.Config{}, deps.Logger)
	}
	stats := deps.Statistics
	if stats == nil {
		var err error
		stats, err = NewStatistics(context.Background(), nil, systemClock{})
		if err != nil {
			return nil, err
		}
	}
	return &Crawler{
		cfg:   cfg,
		deps:  deps,
		stats: stats,
		snap:  snap,
		log:   deps.Logger.Named("crawler"),
	}, nil
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// AddRequests seeds the queue. URLs that dedup to an existing entry are
// reported in the result slice, not treated as errors.
func (c *Crawler) AddRequests(ctx context.Context, requests []*crawl.Request) ([]requestqueue.AddResult, error) {
	results := make([]requestqueue.AddResult, 0, len(requests))
	for _, req := range requests {
		res, err := c.deps.Queue.AddRequest(ctx, req, false)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Run processes the queue until it is finished or ctx is canceled. It
// always returns final statistics; the error is non-nil only for
// pool-level failures, never for individual request outcomes.
func (c *Crawler) Run(ctx context.Context) (Snapshot, error) {
	pool, err := autoscale.New(c.cfg.Pool, autoscale.Hooks{
		RunTask:     c.processOne,
		IsTaskReady: c.isTaskReady,
		IsFinished:  c.isFinished,
	}, c.snap, c.log)
	if err != nil {
		return c.stats.Snapshot(), err
	}

	c.snap.Start(ctx)
	defer c.snap.Stop()
	c.deps.Sessions.Start(ctx)
	defer c.deps.Sessions.Stop(context.WithoutCancel(ctx))

	bookkeeping := make(chan struct{})
	go c.bookkeepingLoop(ctx, pool, bookkeeping)

	c.log.Info("crawl started",
		zap.Int("min_concurrency", c.cfg.Pool.MinConcurrency),
		zap.Int("max_concurrency", c.cfg.Pool.MaxConcurrency),
	)
	runErr := pool.Run(ctx)
	close(bookkeeping)

	if err := c.stats.Persist(context.WithoutCancel(ctx)); err != nil {
		c.log.Warn("persist statistics failed", zap.Error(err))
	}
	snapshot := c.stats.Snapshot()
	c.log.Info("crawl finished",
		zap.Int64("requests_finished", snapshot.RequestsFinished),
		zap.Int64("requests_failed", snapshot.RequestsFailed),
		zap.Duration("runtime", snapshot.CrawlerRuntime),
	)
	return snapshot, runErr
}

func (c *Crawler) bookkeepingLoop(ctx context.Context, pool *autoscale.Pool, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.StatsPersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := c.stats.Persist(ctx); err != nil {
				c.log.Warn("persist statistics failed", zap.Error(err))
			}
			metrics.SetConcurrency(pool.DesiredConcurrency(), pool.CurrentConcurrency())
			metrics.SetQueuePending(c.deps.Queue.PendingCount())
			metrics.SetUsableSessions(c.deps.Sessions.UsableCount())
			current := c.snap.Current()
			if current.MemoryOverloaded {
				metrics.ObserveOverload("memory")
			}
			if current.CPUOverloaded {
				metrics.ObserveOverload("cpu")
			}
			if current.SchedulerOverloaded {
				metrics.ObserveOverload("scheduler")
			}
			if current.ClientOverloaded {
				metrics.ObserveOverload("client")
			}
		}
	}
}

func (c *Crawler) isTaskReady(context.Context) (bool, error) {
	if c.capReached() {
		return false, nil
	}
	return c.deps.Queue.PendingCount() > 0, nil
}

func (c *Crawler) isFinished(context.Context) (bool, error) {
	if c.deps.Queue.IsFinished() {
		return true, nil
	}
	return c.capReached() && c.deps.Queue.InProgressCount() == 0, nil
}

func (c *Crawler) capReached() bool {
	cap := c.cfg.MaxRequestsPerCrawl
	return cap > 0 && c.started.Load() >= int64(cap)
}

// processOne runs the full pipeline for a single request. Per-request
// failures are classified and recorded; only infrastructure errors (queue
// or session pool breakage) are returned to the autoscaled pool.
func (c *Crawler) processOne(ctx context.Context) error {
	if c.capReached() {
		return nil
	}
	req, err := c.deps.Queue.FetchNextRequest(ctx)
	if err != nil {
		return fmt.Errorf("fetch next request: %w", err)
	}
	if req == nil {
		return nil
	}
	c.started.Add(1)

	sess, err := c.deps.Sessions.GetSession(ctx)
	if err != nil {
		c.reclaimQuietly(ctx, req)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("acquire session: %w", err)
	}
	req.ProxyURL = sess.ProxyURL()

	if c.deps.Limiter != nil {
		if err := c.deps.Limiter.Wait(ctx, req.URL); err != nil {
			c.reclaimQuietly(ctx, req)
			return nil
		}
	}

	start := time.Now()
	resp, err := c.fetchPhase(ctx, req, sess)
	if err == nil {
		err = c.handlerPhase(ctx, req, sess, resp)
	}

	// A run shutdown mid-attempt is not a request failure: put the
	// request back untouched so no work is lost.
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		c.reclaimQuietly(ctx, req)
		return nil
	}

	c.classify(ctx, req, sess, err, time.Since(start))
	return nil
}

func (c *Crawler) fetchPhase(ctx context.Context, req *crawl.Request, sess crawl.Session) (crawl.FetchResponse, error) {
	navCtx, cancel := context.WithTimeout(ctx, c.cfg.NavigationTimeout)
	defer cancel()

	resp, err := c.deps.Fetcher.Fetch(navCtx, crawl.FetchRequest{
		URL:       req.URL,
		Method:    req.Method,
		Payload:   req.Payload,
		Headers:   req.Headers,
		ProxyURL:  req.ProxyURL,
		CookieJar: sess.CookieJar(),
	})
	if err != nil {
		if errors.Is(navCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return resp, crawl.NewTimeoutError(crawl.PhaseNavigation, c.cfg.NavigationTimeout)
		}
		return resp, err
	}
	if c.deps.Detector != nil && c.deps.Detector.IsBlocked(resp) {
		return resp, crawl.ErrBlocked
	}
	if crawl.IsBlockedStatus(resp.StatusCode) {
		return resp, crawl.ErrBlocked
	}
	if resp.StatusCode >= 400 {
		return resp, &crawl.StatusError{StatusCode: resp.StatusCode}
	}
	if c.deps.HeadlessFetcher != nil && c.deps.Detector != nil && c.deps.Detector.ShouldPromote(resp) {
		return c.promote(navCtx, req, sess, resp)
	}
	return resp, nil
}

// promote re-fetches a script-rendered page through the headless fetcher
// inside the same navigation window. A failed promotion keeps the plain
// response instead of failing the request.
func (c *Crawler) promote(ctx context.Context, req *crawl.Request, sess crawl.Session, plain crawl.FetchResponse) (crawl.FetchResponse, error) {
	resp, err := c.deps.HeadlessFetcher.Fetch(ctx, crawl.FetchRequest{
		URL:       req.URL,
		Method:    req.Method,
		Payload:   req.Payload,
		Headers:   req.Headers,
		ProxyURL:  req.ProxyURL,
		CookieJar: sess.CookieJar(),
	})
	if err != nil {
		c.log.Warn("headless promotion failed", zap.String("url", req.URL), zap.Error(err))
		return plain, nil
	}
	if c.deps.Detector.IsBlocked(resp) || crawl.IsBlockedStatus(resp.StatusCode) {
		return resp, crawl.ErrBlocked
	}
	if resp.StatusCode >= 400 {
		return resp, &crawl.StatusError{StatusCode: resp.StatusCode}
	}
	c.log.Debug("request promoted to headless fetch", zap.String("url", req.URL))
	return resp, nil
}

// handlerPhase runs user code under its own timer. The handler runs on a
// separate goroutine so a handler that ignores its context still yields a
// handler-phase timeout instead of stalling the slot.
func (c *Crawler) handlerPhase(ctx context.Context, req *crawl.Request, sess crawl.Session, resp crawl.FetchResponse) error {
	handlerCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestHandlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panicked: %v", r)
			}
		}()
		done <- c.deps.Handler(handlerCtx, &crawl.Context{
			Request:  req,
			Session:  sess,
			Response: resp,
			Enqueue:  c.enqueue,
		})
	}()

	select {
	case err := <-done:
		return err
	case <-handlerCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return crawl.NewTimeoutError(crawl.PhaseHandler, c.cfg.RequestHandlerTimeout)
	}
}

func (c *Crawler) enqueue(ctx context.Context, requests []*crawl.Request, forefront bool) error {
	for _, req := range requests {
		if _, err := c.deps.Queue.AddRequest(ctx, req, forefront); err != nil {
			return err
		}
	}
	return nil
}

func (c *Crawler) classify(ctx context.Context, req *crawl.Request, sess crawl.Session, err error, duration time.Duration) {
	bookCtx := context.WithoutCancel(ctx)

	if err == nil {
		if markErr := c.deps.Queue.MarkRequestHandled(bookCtx, req); markErr != nil {
			c.log.Error("mark request handled failed", zap.String("url", req.URL), zap.Error(markErr))
		}
		sess.MarkGood()
		if c.deps.Proxy != nil {
			c.deps.Proxy.ReportGood()
		}
		c.snap.RecordClientResult(false)
		c.stats.RecordSuccess(req.RetryCount, duration)
		metrics.ObserveOutcome(req.URL, "finished", duration)
		c.publishOutcome(bookCtx, req, "finished", nil)
		return
	}

	blocked := crawl.IsBlocked(err)
	c.snap.RecordClientResult(blocked)
	if blocked {
		sess.Retire()
		metrics.ObserveSessionRetired()
		if c.deps.Proxy != nil {
			c.deps.Proxy.ReportBlocked()
		}
		fields := []zap.Field{
			zap.String("url", req.URL),
			zap.String("session_id", sess.ID()),
		}
		if c.deps.Limiter != nil {
			fields = append(fields, zap.Float64("domain_rps", c.deps.Limiter.Throttle(req.URL)))
		}
		c.log.Info("session retired after blocked response", fields...)
	}

	if crawl.IsTransient(err) && !req.NoRetry && req.RetryCount < c.cfg.MaxRequestRetries {
		req.RetryCount++
		req.PushErrorMessage(err)
		if !blocked {
			sess.MarkBad(1)
		}
		if reclaimErr := c.deps.Queue.ReclaimRequest(bookCtx, req, false); reclaimErr != nil {
			c.log.Error("reclaim request failed", zap.String("url", req.URL), zap.Error(reclaimErr))
		}
		metrics.ObserveRetry()
		c.log.Debug("request reclaimed for retry",
			zap.String("url", req.URL),
			zap.Int("retry_count", req.RetryCount),
			zap.Error(err),
		)
		return
	}

	// Terminal failure: surfaced through the failure sink exactly once,
	// then marked handled so the queue can finish.
	req.PushErrorMessage(err)
	if !blocked {
		sess.MarkBad(1)
	}
	if c.deps.FailureHandler != nil {
		c.deps.FailureHandler(bookCtx, req, err)
	}
	if markErr := c.deps.Queue.MarkRequestHandled(bookCtx, req); markErr != nil {
		c.log.Error("mark failed request handled failed", zap.String("url", req.URL), zap.Error(markErr))
	}
	c.stats.RecordFailure(req.RetryCount, duration)
	metrics.ObserveOutcome(req.URL, "failed", duration)
	c.publishOutcome(bookCtx, req, "failed", err)
	c.log.Warn("request failed terminally",
		zap.String("url", req.URL),
		zap.Int("retry_count", req.RetryCount),
		zap.Error(err),
	)
}

func (c *Crawler) publishOutcome(ctx context.Context, req *crawl.Request, outcome string, cause error) {
	if c.deps.Publisher == nil {
		return
	}
	payload := map[string]any{
		"request_id":  req.ID,
		"url":         req.URL,
		"unique_key":  req.UniqueKey,
		"outcome":     outcome,
		"retry_count": req.RetryCount,
	}
	if cause != nil {
		payload["error"] = cause.Error()
	}
	if _, err := c.deps.Publisher.Publish(ctx, eventsTopic, payload); err != nil {
		c.log.Warn("publish outcome failed", zap.String("url", req.URL), zap.Error(err))
	}
}

func (c *Crawler) reclaimQuietly(ctx context.Context, req *crawl.Request) {
	if err := c.deps.Queue.ReclaimRequest(context.WithoutCancel(ctx), req, false); err != nil {
		c.log.Error("reclaim request failed", zap.String("url", req.URL), zap.Error(err))
	}
	c.started.Add(-1)
}
