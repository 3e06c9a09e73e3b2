package crawl

import (
	"context"
	"net/http"
	"time"
)

// FetchRequest captures everything a fetch strategy needs for one attempt.
type FetchRequest struct {
	URL       string
	Method    string
	Payload   []byte
	Headers   http.Header
	ProxyURL  string
	CookieJar http.CookieJar
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Fetcher retrieves a page. Concrete strategies (plain HTTP, headless
// browser) are selected at construction; the orchestrator depends only on
// this shape. The passed context carries the navigation-phase deadline.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Session is the slice of a pooled identity visible to handlers and the
// orchestrator.
type Session interface {
	ID() string
	CookieJar() http.CookieJar
	ProxyURL() string
	MarkGood()
	MarkBad(weight float64)
	Retire()
}

// EnqueueFunc adds discovered requests back into the work queue. Safe to
// call from inside a running handler; the add goes through the queue's
// normal locking contract.
type EnqueueFunc func(ctx context.Context, requests []*Request, forefront bool) error

// Context is handed to the user-supplied handler for each request. The
// fetched response is populated before the processing phase starts.
type Context struct {
	Request  *Request
	Session  Session
	Response FetchResponse
	Enqueue  EnqueueFunc
}

// Handler is the user-supplied processing phase. Returning an error marks
// the attempt failed; the orchestrator owns retry accounting.
type Handler func(ctx context.Context, crawlCtx *Context) error

// FailureHandler is invoked once per request whose retries are exhausted or
// whose error is non-retryable. The only required output interface besides
// normal success handling.
type FailureHandler func(ctx context.Context, request *Request, err error)

// Clock returns the current time (seam for tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces request and session IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// EventPublisher pushes terminal request outcomes to an external consumer.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}
