// Package ratelimit enforces per-domain politeness using token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttling never pushes a domain below this floor, so a hostile host
// slows the crawl down instead of stalling it.
const minThrottledRPS = 0.1

// Config holds the default bucket parameters and optional per-domain
// overrides keyed by hostname.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	DomainRPS    map[string]float64
}

// Limiter hands out tokens per target domain. Domains without an override
// share the default rate. A zero or negative default disables limiting.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
	domainRates  map[string]rate.Limit

	// ObserveDelay, when set, receives the time a caller spent blocked.
	ObserveDelay func(domain string, d time.Duration)
}

// New creates a Limiter from cfg.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	domainRates := make(map[string]rate.Limit, len(cfg.DomainRPS))
	for domain, rps := range cfg.DomainRPS {
		if rps > 0 {
			domainRates[domain] = rate.Limit(rps)
		}
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
		domainRates:  domainRates,
	}
}

// Wait blocks until a token is available for rawURL's domain or ctx ends.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	limiter := l.limiterFor(domainOf(rawURL))

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if l.ObserveDelay != nil {
		if d := time.Since(start); d > time.Millisecond {
			l.ObserveDelay(domainOf(rawURL), d)
		}
	}
	return nil
}

// SetDomainRate replaces the rate for a single domain at runtime. Used to
// slow down a host that started answering with throttling statuses.
func (l *Limiter) SetDomainRate(domain string, rps float64) {
	r := rate.Limit(rps)
	if rps <= 0 {
		r = rate.Inf
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.domainRates[domain] = r
	if limiter, ok := l.limiters[domain]; ok {
		limiter.SetLimit(r)
	}
}

// Throttle halves the rate for rawURL's domain in response to blocking
// or throttling statuses, routing the change through SetDomainRate so an
// existing bucket slows down immediately. An unlimited domain drops to
// one request per second first. Returns the rate now in effect.
func (l *Limiter) Throttle(rawURL string) float64 {
	domain := domainOf(rawURL)
	l.mu.Lock()
	current := l.defaultRate
	if override, ok := l.domainRates[domain]; ok {
		current = override
	}
	l.mu.Unlock()

	next := 1.0
	if current != rate.Inf {
		next = math.Max(float64(current)/2, minThrottledRPS)
	}
	l.SetDomainRate(domain, next)
	return next
}

// DomainRate reports the requests-per-second currently applied to
// rawURL's domain. Zero means unlimited.
func (l *Limiter) DomainRate(rawURL string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.defaultRate
	if override, ok := l.domainRates[domainOf(rawURL)]; ok {
		r = override
	}
	if r == rate.Inf {
		return 0
	}
	return float64(r)
}

func (l *Limiter) limiterFor(domain string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok := l.limiters[domain]; ok {
		return limiter
	}
	r := l.defaultRate
	if override, ok := l.domainRates[domain]; ok {
		r = override
	}
	limiter := rate.NewLimiter(r, l.defaultBurst)
	l.limiters[domain] = limiter
	return limiter
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}
