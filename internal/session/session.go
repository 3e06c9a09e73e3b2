// Package session manages the pool of rotating identities (cookie jar +
// proxy affinity + error score) the crawler uses to avoid correlated
// blocking.
package session

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/crawlforge/crawlforge/internal/crawl"
)

// Session is one rotating identity. A session whose error score crosses its
// maximum is retired and never handed out again; its ID is never reused.
type Session struct {
	mu sync.Mutex

	id            string
	jar           http.CookieJar
	proxyURL      string
	errorScore    float64
	usageCount    int
	maxErrorScore float64
	maxUsageCount int
	createdAt     time.Time
	expiresAt     time.Time
	retired       bool

	scoreDecrement float64
	clock          crawl.Clock
}

func newSession(id, proxyURL string, cfg Config, clock crawl.Clock) (*Session, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	now := clock.Now()
	return &Session{
		id:             id,
		jar:            jar,
		proxyURL:       proxyURL,
		maxErrorScore:  cfg.MaxErrorScore,
		maxUsageCount:  cfg.MaxUsageCount,
		createdAt:      now,
		expiresAt:      now.Add(cfg.MaxAge),
		scoreDecrement: cfg.ErrorScoreDecrement,
		clock:          clock,
	}, nil
}

// ID returns the stable session identifier.
func (s *Session) ID() string {
	return s.id
}

// CookieJar returns the jar bound to this identity.
func (s *Session) CookieJar() http.CookieJar {
	return s.jar
}

// ProxyURL returns the sticky proxy binding, empty when none is configured.
func (s *Session) ProxyURL() string {
	return s.proxyURL
}

// MarkGood decays the error score after a successful use, so a session that
// stops erroring recovers eligibility over time.
func (s *Session) MarkGood() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorScore -= s.scoreDecrement
	if s.errorScore < 0 {
		s.errorScore = 0
	}
}

// MarkBad increases the error score by weight. Crossing the maximum retires
// the session.
func (s *Session) MarkBad(weight float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if weight <= 0 {
		weight = 1
	}
	s.errorScore += weight
	if s.errorScore >= s.maxErrorScore {
		s.retired = true
	}
}

// Retire removes the session from the eligible set immediately and
// irreversibly.
func (s *Session) Retire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retired = true
}

// ErrorScore returns the current accumulated score.
func (s *Session) ErrorScore() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorScore
}

// UsageCount returns how many times the session was handed out.
func (s *Session) UsageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usageCount
}

// IsUsable reports whether the session may be handed out: not retired, not
// expired, under its usage cap, and below its error ceiling.
func (s *Session) IsUsable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usableLocked()
}

func (s *Session) usableLocked() bool {
	if s.retired {
		return false
	}
	if s.errorScore >= s.maxErrorScore {
		return false
	}
	if s.maxUsageCount > 0 && s.usageCount >= s.maxUsageCount {
		return false
	}
	return s.clock.Now().Before(s.expiresAt)
}

// checkout records one handout while verifying usability atomically.
func (s *Session) checkout() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.usableLocked() {
		return false
	}
	s.usageCount++
	return true
}

// decay applies the exponential maintenance-cycle decay.
func (s *Session) decay(factor float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorScore *= factor
}

func (s *Session) snapshot() persistedSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return persistedSession{
		ID:         s.id,
		ProxyURL:   s.proxyURL,
		ErrorScore: s.errorScore,
		UsageCount: s.usageCount,
		CreatedAt:  s.createdAt,
		ExpiresAt:  s.expiresAt,
		Retired:    s.retired,
	}
}
