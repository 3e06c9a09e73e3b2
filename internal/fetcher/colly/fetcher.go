// Package collyfetcher implements plain-HTTP fetching using gocolly.
package collyfetcher

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/crawlforge/crawlforge/internal/crawl"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Fetcher implements crawl.Fetcher with a fresh collector clone per
// attempt so proxy and cookie state never leak between requests.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP request using a collector clone bound to
// the attempt's proxy and cookie jar. The passed ctx carries the
// navigation deadline; cancellation aborts the wait but not an in-flight
// TCP exchange, which the per-collector timeout bounds instead.
func (f *Fetcher) Fetch(ctx context.Context, request crawl.FetchRequest) (crawl.FetchResponse, error) {
	var (
		result   crawl.FetchResponse
		fetchErr error
	)
	start := time.Now()

	collector, err := f.buildCollector(request, start, &result, &fetchErr)
	if err != nil {
		return crawl.FetchResponse{}, err
	}
	if err := f.runCollector(ctx, collector, request, &fetchErr); err != nil {
		return crawl.FetchResponse{}, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	request crawl.FetchRequest,
	start time.Time,
	result *crawl.FetchResponse,
	fetchErr *error,
) (*colly.Collector, error) {
	collector := f.baseCollector.Clone()

	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	transport, err := newHTTPTransport(request.ProxyURL)
	if err != nil {
		return nil, err
	}
	collector.WithTransport(transport)
	if request.CookieJar != nil {
		collector.SetCookieJar(request.CookieJar)
	}

	collector.OnRequest(func(r *colly.Request) {
		for key, values := range request.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		*result = crawl.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		// Colly reports non-2xx statuses through OnError. Keep the
		// response so the caller can classify the status itself.
		if r != nil && r.StatusCode != 0 {
			*result = crawl.FetchResponse{
				URL:        r.Request.URL.String(),
				StatusCode: r.StatusCode,
				Headers:    cloneHeaders(r.Headers),
				Body:       append([]byte(nil), r.Body...),
				Duration:   time.Since(start),
			}
			return
		}
		*fetchErr = err
	})
	return collector, nil
}

func (f *Fetcher) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	request crawl.FetchRequest,
	fetchErr *error,
) error {
	done := make(chan error, 1)
	go func() {
		method := request.Method
		if method == "" || method == http.MethodGet {
			done <- collector.Visit(request.URL)
			return
		}
		done <- collector.Request(method, request.URL, bytes.NewReader(request.Payload), nil, nil)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("visit %s: %w", request.URL, err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("fetch %s: %w", request.URL, *fetchErr)
		}
		return nil
	}
}

func cloneHeaders(h *http.Header) http.Header {
	if h == nil {
		return make(http.Header)
	}
	return h.Clone()
}

func newHTTPTransport(proxyURL string) (*http.Transport, error) {
	proxy := http.ProxyFromEnvironment
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		proxy = http.ProxyURL(u)
	}
	return &http.Transport{
		Proxy: proxy,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}, nil
}
