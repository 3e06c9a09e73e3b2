package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crawlforge/crawlforge/internal/autoscale"
	"github.com/crawlforge/crawlforge/internal/crawl"
	"github.com/crawlforge/crawlforge/internal/detector"
	"github.com/crawlforge/crawlforge/internal/id/uuid"
	"github.com/crawlforge/crawlforge/internal/ratelimit"
	"github.com/crawlforge/crawlforge/internal/requestqueue"
	"github.com/crawlforge/crawlforge/internal/session"
	"github.com/crawlforge/crawlforge/internal/storage/memory"
)

type stubFetcher struct {
	fn func(ctx context.Context, req crawl.FetchRequest) (crawl.FetchResponse, error)
}

func (f *stubFetcher) Fetch(ctx context.Context, req crawl.FetchRequest) (crawl.FetchResponse, error) {
	if f.fn == nil {
		return crawl.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte("ok")}, nil
	}
	return f.fn(ctx, req)
}

type failureRecorder struct {
	mu       sync.Mutex
	requests []*crawl.Request
	errs     []error
}

func (r *failureRecorder) handle(_ context.Context, req *crawl.Request, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	r.errs = append(r.errs, err)
}

func (r *failureRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

type crawlerHarness struct {
	queue    *requestqueue.Queue
	sessions *session.Pool
	fetcher  *stubFetcher
	failures *failureRecorder

	// Optional collaborators picked up by newCrawler when set.
	headless crawl.Fetcher
	detect   *detector.Heuristic
	limiter  *ratelimit.Limiter
	proxy    ProxyReporter
}

func newHarness(t *testing.T) *crawlerHarness {
	t.Helper()
	ctx := context.Background()
	queue, err := requestqueue.Open(ctx, "test", memory.NewStore(), uuid.NewGenerator(), systemClock{}, zap.NewNop())
	require.NoError(t, err)
	sessions, err := session.NewPool(ctx, session.Config{MaxPoolSize: 4}, nil, uuid.NewGenerator(), systemClock{}, nil, zap.NewNop())
	require.NoError(t, err)
	return &crawlerHarness{
		queue:    queue,
		sessions: sessions,
		fetcher:  &stubFetcher{},
		failures: &failureRecorder{},
	}
}

func (h *crawlerHarness) newCrawler(t *testing.T, cfg Config, handler crawl.Handler) *Crawler {
	t.Helper()
	if cfg.Pool.ControlInterval == 0 {
		cfg.Pool.ControlInterval = 50 * time.Millisecond
	}
	c, err := New(cfg, Deps{
		Queue:           h.queue,
		Sessions:        h.sessions,
		Fetcher:         h.fetcher,
		HeadlessFetcher: h.headless,
		Handler:         handler,
		FailureHandler:  h.failures.handle,
		Detector:        h.detect,
		Limiter:         h.limiter,
		Proxy:           h.proxy,
		Logger:          zap.NewNop(),
	})
	require.NoError(t, err)
	return c
}

func (h *crawlerHarness) seed(t *testing.T, urls ...string) {
	t.Helper()
	for _, u := range urls {
		req, err := crawl.NewRequest(u)
		require.NoError(t, err)
		_, err = h.queue.AddRequest(context.Background(), req, false)
		require.NoError(t, err)
	}
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := New(Config{}, Deps{Sessions: h.sessions, Fetcher: h.fetcher, Handler: func(context.Context, *crawl.Context) error { return nil }})
	require.Error(t, err)

	_, err = New(Config{}, Deps{Queue: h.queue, Sessions: h.sessions, Fetcher: h.fetcher})
	require.Error(t, err)
}

func TestRunProcessesAllRequests(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, "https://example.com/1", "https://example.com/2", "https://example.com/3")

	var mu sync.Mutex
	handled := make(map[string]int)
	c := h.newCrawler(t, Config{Pool: autoscale.Config{MaxConcurrency: 2}}, func(_ context.Context, cctx *crawl.Context) error {
		mu.Lock()
		handled[cctx.Request.URL]++
		mu.Unlock()
		return nil
	})

	snapshot, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(3), snapshot.RequestsFinished)
	require.Equal(t, int64(0), snapshot.RequestsFailed)
	require.Len(t, handled, 3)
	for url, n := range handled {
		require.Equal(t, 1, n, "url %s handled more than once", url)
	}
	require.Equal(t, 0, h.failures.count())
}

func TestRetryBound(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, "https://example.com/flaky")

	c := h.newCrawler(t, Config{
		MaxRequestRetries: 2,
		Pool:              autoscale.Config{MaxConcurrency: 1},
	}, func(context.Context, *crawl.Context) error {
		return errors.New("handler boom")
	})

	snapshot, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(0), snapshot.RequestsFinished)
	require.Equal(t, int64(1), snapshot.RequestsFailed)

	require.Equal(t, 1, h.failures.count())
	terminal := h.failures.requests[0]
	require.Equal(t, 2, terminal.RetryCount)
	require.Len(t, terminal.ErrorMessages, 3)
	require.Equal(t, int64(1), snapshot.RetryHistogram[2])
}

func TestNoRetrySkipsRetryBudget(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, "https://example.com/once")

	c := h.newCrawler(t, Config{
		MaxRequestRetries: 5,
		Pool:              autoscale.Config{MaxConcurrency: 1},
	}, func(_ context.Context, cctx *crawl.Context) error {
		cctx.Request.NoRetry = true
		return errors.New("handler boom")
	})

	snapshot, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), snapshot.RequestsFailed)
	require.Equal(t, 1, h.failures.count())
	require.Equal(t, 0, h.failures.requests[0].RetryCount)
}

func TestNavigationTimeoutIsolation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, "https://example.com/slow")
	h.fetcher.fn = func(ctx context.Context, req crawl.FetchRequest) (crawl.FetchResponse, error) {
		<-ctx.Done()
		return crawl.FetchResponse{}, ctx.Err()
	}

	handlerRan := false
	c := h.newCrawler(t, Config{
		MaxRequestRetries: 1,
		NavigationTimeout: 100 * time.Millisecond,
		Pool:              autoscale.Config{MaxConcurrency: 1},
	}, func(context.Context, *crawl.Context) error {
		handlerRan = true
		return nil
	})

	snapshot, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), snapshot.RequestsFailed)
	require.False(t, handlerRan, "processing phase must not run after a navigation timeout")

	require.Equal(t, 1, h.failures.count())
	var timeoutErr *crawl.TimeoutError
	require.ErrorAs(t, h.failures.errs[0], &timeoutErr)
	require.Equal(t, crawl.PhaseNavigation, timeoutErr.Phase)
	require.Contains(t, h.failures.errs[0].Error(), "timed out after")
}

func TestHandlerTimeoutIsolation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, "https://example.com/stall")

	fetched := false
	h.fetcher.fn = func(_ context.Context, req crawl.FetchRequest) (crawl.FetchResponse, error) {
		fetched = true
		return crawl.FetchResponse{URL: req.URL, StatusCode: http.StatusOK}, nil
	}

	c := h.newCrawler(t, Config{
		MaxRequestRetries:     1,
		RequestHandlerTimeout: 100 * time.Millisecond,
		Pool:                  autoscale.Config{MaxConcurrency: 1},
	}, func(context.Context, *crawl.Context) error {
		time.Sleep(400 * time.Millisecond)
		return nil
	})

	snapshot, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), snapshot.RequestsFailed)
	require.True(t, fetched, "fetch phase should have completed normally")

	require.Equal(t, 1, h.failures.count())
	var timeoutErr *crawl.TimeoutError
	require.ErrorAs(t, h.failures.errs[0], &timeoutErr)
	require.Equal(t, crawl.PhaseHandler, timeoutErr.Phase)
}

func TestEndToEndRetryScenario(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, "https://example.com/a", "https://example.com/b", "https://example.com/c")

	var mu sync.Mutex
	bAttempts := 0
	var bFinal *crawl.Request
	c := h.newCrawler(t, Config{
		MaxRequestRetries: 2,
		Pool:              autoscale.Config{MaxConcurrency: 1},
	}, func(_ context.Context, cctx *crawl.Context) error {
		if cctx.Request.URL != "https://example.com/b" {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		bAttempts++
		bFinal = cctx.Request
		if bAttempts <= 2 {
			return fmt.Errorf("simulated failure %d", bAttempts)
		}
		return nil
	})

	snapshot, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(3), snapshot.RequestsFinished)
	require.Equal(t, int64(0), snapshot.RequestsFailed)
	require.Equal(t, 3, bAttempts)
	require.Equal(t, 2, bFinal.RetryCount)
	require.Equal(t, 0, h.failures.count())
}

func TestBlockedResponseRetiresSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, "https://example.com/guarded")

	var mu sync.Mutex
	attempt := 0
	sessionIDs := make(map[int]string)
	h.fetcher.fn = func(_ context.Context, req crawl.FetchRequest) (crawl.FetchResponse, error) {
		mu.Lock()
		attempt++
		n := attempt
		mu.Unlock()
		if n == 1 {
			return crawl.FetchResponse{URL: req.URL, StatusCode: http.StatusForbidden}, nil
		}
		return crawl.FetchResponse{URL: req.URL, StatusCode: http.StatusOK}, nil
	}

	c := h.newCrawler(t, Config{
		MaxRequestRetries: 2,
		Pool:              autoscale.Config{MaxConcurrency: 1},
	}, func(_ context.Context, cctx *crawl.Context) error {
		mu.Lock()
		sessionIDs[cctx.Request.RetryCount] = cctx.Session.ID()
		mu.Unlock()
		return nil
	})

	snapshot, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), snapshot.RequestsFinished)
	require.Equal(t, 2, attempt)
}

func TestMaxRequestsPerCrawlCapsWork(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t,
		"https://example.com/1",
		"https://example.com/2",
		"https://example.com/3",
		"https://example.com/4",
		"https://example.com/5",
	)

	var handled int64
	var mu sync.Mutex
	c := h.newCrawler(t, Config{
		MaxRequestsPerCrawl: 2,
		Pool:                autoscale.Config{MaxConcurrency: 1},
	}, func(context.Context, *crawl.Context) error {
		mu.Lock()
		handled++
		mu.Unlock()
		return nil
	})

	snapshot, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), snapshot.RequestsFinished)
	require.EqualValues(t, 2, handled)
	require.Equal(t, 3, h.queue.PendingCount())
}

func TestHandlerCanEnqueueDiscoveredRequests(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, "https://example.com/start")

	var mu sync.Mutex
	handled := make(map[string]bool)
	c := h.newCrawler(t, Config{Pool: autoscale.Config{MaxConcurrency: 1}}, func(ctx context.Context, cctx *crawl.Context) error {
		mu.Lock()
		handled[cctx.Request.URL] = true
		mu.Unlock()
		if cctx.Request.URL == "https://example.com/start" {
			discovered, err := crawl.NewRequest("https://example.com/found")
			if err != nil {
				return err
			}
			return cctx.Enqueue(ctx, []*crawl.Request{discovered}, false)
		}
		return nil
	})

	snapshot, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), snapshot.RequestsFinished)
	require.True(t, handled["https://example.com/found"])
}

func TestHandlerPanicIsATransientFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, "https://example.com/panicky")

	var mu sync.Mutex
	attempt := 0
	c := h.newCrawler(t, Config{
		MaxRequestRetries: 1,
		Pool:              autoscale.Config{MaxConcurrency: 1},
	}, func(context.Context, *crawl.Context) error {
		mu.Lock()
		defer mu.Unlock()
		attempt++
		if attempt == 1 {
			panic("handler exploded")
		}
		return nil
	})

	snapshot, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), snapshot.RequestsFinished)
	require.Equal(t, 2, attempt)
}

func TestShutdownReclaimsInFlightRequest(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, "https://example.com/long")

	started := make(chan struct{})
	h.fetcher.fn = func(ctx context.Context, req crawl.FetchRequest) (crawl.FetchResponse, error) {
		close(started)
		<-ctx.Done()
		return crawl.FetchResponse{}, ctx.Err()
	}

	c := h.newCrawler(t, Config{
		NavigationTimeout: time.Minute,
		Pool:              autoscale.Config{MaxConcurrency: 1},
	}, func(context.Context, *crawl.Context) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	snapshot, err := c.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, int64(0), snapshot.RequestsFinished)
	require.Equal(t, int64(0), snapshot.RequestsFailed)

	// The interrupted request is back in the queue with no retry charged.
	require.Equal(t, 1, h.queue.PendingCount())
	req, err := h.queue.FetchNextRequest(context.Background())
	require.NoError(t, err)
	require.NotNil(t, req)
	require.Equal(t, 0, req.RetryCount)
}

type proxyRecorder struct {
	mu      sync.Mutex
	blocked int
	good    int
}

func (r *proxyRecorder) ReportBlocked() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocked++
}

func (r *proxyRecorder) ReportGood() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.good++
}

func (r *proxyRecorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blocked, r.good
}

func TestOutcomesFeedProxyRotation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.proxy = &proxyRecorder{}
	h.seed(t, "https://example.com/guarded")

	var mu sync.Mutex
	attempt := 0
	h.fetcher.fn = func(_ context.Context, req crawl.FetchRequest) (crawl.FetchResponse, error) {
		mu.Lock()
		attempt++
		n := attempt
		mu.Unlock()
		if n == 1 {
			return crawl.FetchResponse{URL: req.URL, StatusCode: http.StatusForbidden}, nil
		}
		return crawl.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte("ok")}, nil
	}

	c := h.newCrawler(t, Config{
		MaxRequestRetries: 2,
		Pool:              autoscale.Config{MaxConcurrency: 1},
	}, func(context.Context, *crawl.Context) error { return nil })

	snapshot, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), snapshot.RequestsFinished)

	blocked, good := h.proxy.(*proxyRecorder).counts()
	require.Equal(t, 1, blocked)
	require.Equal(t, 1, good)
}

func TestBlockedResponseThrottlesDomain(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.limiter = ratelimit.New(ratelimit.Config{DefaultRPS: 50, DefaultBurst: 10})
	h.seed(t, "https://example.com/guarded")

	var mu sync.Mutex
	attempt := 0
	h.fetcher.fn = func(_ context.Context, req crawl.FetchRequest) (crawl.FetchResponse, error) {
		mu.Lock()
		attempt++
		n := attempt
		mu.Unlock()
		if n == 1 {
			return crawl.FetchResponse{URL: req.URL, StatusCode: http.StatusTooManyRequests}, nil
		}
		return crawl.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte("ok")}, nil
	}

	c := h.newCrawler(t, Config{
		MaxRequestRetries: 2,
		Pool:              autoscale.Config{MaxConcurrency: 1},
	}, func(context.Context, *crawl.Context) error { return nil })

	snapshot, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), snapshot.RequestsFinished)
	require.Equal(t, 25.0, h.limiter.DomainRate("https://example.com/guarded"))
}

func TestScriptRenderedPageIsRefetchedHeadless(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.detect = detector.NewHeuristic(0)
	h.seed(t, "https://example.com/spa")

	// The plain transport sees only the application shell.
	h.fetcher.fn = func(_ context.Context, req crawl.FetchRequest) (crawl.FetchResponse, error) {
		return crawl.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(`<div id="root"></div>`)}, nil
	}
	h.headless = &stubFetcher{fn: func(_ context.Context, req crawl.FetchRequest) (crawl.FetchResponse, error) {
		return crawl.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte("<p>rendered content</p>")}, nil
	}}

	var mu sync.Mutex
	var body string
	c := h.newCrawler(t, Config{Pool: autoscale.Config{MaxConcurrency: 1}}, func(_ context.Context, cctx *crawl.Context) error {
		mu.Lock()
		body = string(cctx.Response.Body)
		mu.Unlock()
		return nil
	})

	snapshot, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), snapshot.RequestsFinished)
	require.Equal(t, "<p>rendered content</p>", body)
}

func TestFailedPromotionKeepsPlainResponse(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.detect = detector.NewHeuristic(0)
	h.seed(t, "https://example.com/spa")

	h.fetcher.fn = func(_ context.Context, req crawl.FetchRequest) (crawl.FetchResponse, error) {
		return crawl.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(`<div id="app"></div>`)}, nil
	}
	h.headless = &stubFetcher{fn: func(context.Context, crawl.FetchRequest) (crawl.FetchResponse, error) {
		return crawl.FetchResponse{}, errors.New("browser crashed")
	}}

	var mu sync.Mutex
	var body string
	c := h.newCrawler(t, Config{Pool: autoscale.Config{MaxConcurrency: 1}}, func(_ context.Context, cctx *crawl.Context) error {
		mu.Lock()
		body = string(cctx.Response.Body)
		mu.Unlock()
		return nil
	})

	snapshot, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), snapshot.RequestsFinished)
	require.Equal(t, int64(0), snapshot.RequestsFailed)
	require.Equal(t, `<div id="app"></div>`, body)
}
