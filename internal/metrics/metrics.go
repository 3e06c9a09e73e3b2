// Package metrics exposes Prometheus collectors for the crawl engine.
package metrics

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal           *prometheus.CounterVec
	requestRetriesTotal     prometheus.Counter
	requestDurationSeconds  *prometheus.HistogramVec
	sessionsRetiredTotal    prometheus.Counter
	desiredConcurrency      prometheus.Gauge
	currentConcurrency      prometheus.Gauge
	queuePendingRequests    prometheus.Gauge
	usableSessions          prometheus.Gauge
	rateLimitDelaysSeconds  *prometheus.HistogramVec
	snapshotOverloadedTotal *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		requestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_requests_total",
				Help: "Total terminal request outcomes, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		requestRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawl_request_retries_total",
				Help: "Total transient failures that were reclaimed for retry.",
			},
		)

		requestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawl_request_duration_seconds",
				Help:    "Histogram of end-to-end request durations, labeled by site.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 45},
			},
			[]string{"site"},
		)

		sessionsRetiredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawl_sessions_retired_total",
				Help: "Total sessions retired after blocking or score exhaustion.",
			},
		)

		desiredConcurrency = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawl_desired_concurrency",
				Help: "Concurrency the autoscaled pool is currently aiming for.",
			},
		)

		currentConcurrency = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawl_current_concurrency",
				Help: "Tasks currently in flight in the autoscaled pool.",
			},
		)

		queuePendingRequests = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawl_queue_pending_requests",
				Help: "Requests waiting in the queue, excluding in-progress ones.",
			},
		)

		usableSessions = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawl_usable_sessions",
				Help: "Sessions currently eligible for handout.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawl_rate_limit_delays_seconds",
				Help:    "Histogram of politeness limiter wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		snapshotOverloadedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_snapshot_overloaded_total",
				Help: "Overloaded snapshots, labeled by dimension.",
			},
			[]string{"dimension"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveOutcome records a terminal request outcome and its duration.
func ObserveOutcome(site string, outcome string, duration time.Duration) {
	sanitized := SanitizeSite(site)
	requestsTotal.WithLabelValues(sanitized, outcome).Inc()
	if duration > 0 {
		requestDurationSeconds.WithLabelValues(sanitized).Observe(duration.Seconds())
	}
}

// ObserveRetry increments the retry counter.
func ObserveRetry() {
	requestRetriesTotal.Inc()
}

// ObserveSessionRetired increments the retired sessions counter.
func ObserveSessionRetired() {
	sessionsRetiredTotal.Inc()
}

// SetConcurrency records the pool's desired and current concurrency.
func SetConcurrency(desired, current int) {
	desiredConcurrency.Set(float64(desired))
	currentConcurrency.Set(float64(current))
}

// SetQueuePending records the number of waiting requests.
func SetQueuePending(n int) {
	queuePendingRequests.Set(float64(n))
}

// SetUsableSessions records the number of sessions eligible for handout.
func SetUsableSessions(n int) {
	usableSessions.Set(float64(n))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveOverload increments the overload counter for one snapshot dimension.
func ObserveOverload(dimension string) {
	snapshotOverloadedTotal.WithLabelValues(dimension).Inc()
}
