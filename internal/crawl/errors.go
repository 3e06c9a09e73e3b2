package crawl

import (
	"errors"
	"fmt"
	"time"
)

// Phase names the two independently-timed stages of handling one request.
type Phase string

// Phases of request processing. Each owns its own timer; a timeout in one
// never reports as a timeout in the other.
const (
	PhaseNavigation Phase = "navigation"
	PhaseHandler    Phase = "request handler"
)

// ErrBlocked signals that a response was identified as the target blocking
// this identity (captcha page, 403/429, proxy refusal). The session in use
// is retired and the attempt is retried with a fresh identity.
var ErrBlocked = errors.New("request was blocked")

// ErrFatal wraps errors that must not be retried regardless of budget.
var ErrFatal = errors.New("non-retryable error")

// TimeoutError reports that one processing phase exceeded its budget.
type TimeoutError struct {
	Phase Phase
	Limit time.Duration
}

// Error renders the phase and configured limit.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Phase, e.Limit)
}

// NewTimeoutError builds a TimeoutError for the given phase.
func NewTimeoutError(phase Phase, limit time.Duration) *TimeoutError {
	return &TimeoutError{Phase: phase, Limit: limit}
}

// StatusError reports a non-success HTTP status from the fetch phase.
type StatusError struct {
	StatusCode int
}

// Error renders the status code.
func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status %d", e.StatusCode)
}

// retriableStatusCodes are the fetch statuses treated as transient.
var retriableStatusCodes = map[int]struct{}{
	408: {},
	429: {},
	500: {},
	502: {},
	503: {},
	504: {},
}

// blockedStatusCodes are the statuses treated as a blocked-identity signal.
var blockedStatusCodes = map[int]struct{}{
	401: {},
	403: {},
	429: {},
}

// IsBlockedStatus reports whether code indicates the identity was blocked.
func IsBlockedStatus(code int) bool {
	_, ok := blockedStatusCodes[code]
	return ok
}

// IsBlocked reports whether err carries a blocked-identity signal.
func IsBlocked(err error) bool {
	if errors.Is(err, ErrBlocked) {
		return true
	}
	var statusErr *StatusError
	return errors.As(err, &statusErr) && IsBlockedStatus(statusErr.StatusCode)
}

// IsTransient classifies err as retryable. Phase timeouts, network errors,
// retriable statuses, and blocked signals are transient; anything wrapped
// in ErrFatal is not. Unknown errors (including handler errors) default to
// transient so user code gets its retry budget.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrFatal) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		_, ok := retriableStatusCodes[statusErr.StatusCode]
		return ok || IsBlockedStatus(statusErr.StatusCode)
	}
	return true
}
