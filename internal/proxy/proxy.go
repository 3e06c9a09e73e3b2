// Package proxy assigns upstream proxies to crawl sessions. Proxies are
// organized into tiers ordered from cheapest to most evasive; rotation
// escalates a tier only when the current one keeps getting blocked.
package proxy

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
)

// ErrNoProxies is returned when a configuration contains no usable URLs.
var ErrNoProxies = errors.New("no proxies configured")

// Streak lengths that move the active tier. Escalation reacts fast to a
// blocking wall; de-escalation needs a sustained clean run before giving
// a cheaper tier another chance.
const (
	escalateAfter   = 3
	deescalateAfter = 10
)

// Config describes the available proxies. Either URLs (a single flat tier)
// or Tiers may be set; Tiers wins when both are present.
type Config struct {
	URLs  []string
	Tiers [][]string
}

// Assigner hands out sticky proxy URLs: each session keeps the proxy it
// was born with, and new sessions rotate round-robin within the active
// tier. ReportBlocked and ReportGood move the active tier up or down.
type Assigner struct {
	mu         sync.Mutex
	tiers      [][]string
	activeTier int
	next       int
	bySession  map[string]string

	// Consecutive outcome counters on the active tier. Tracking streaks
	// rather than totals keeps a single flaky response from burning a
	// tier or a lone success from prematurely dropping one.
	blockedStreak int
	goodStreak    int
}

// New validates cfg and builds an Assigner. All URLs must parse.
func New(cfg Config) (*Assigner, error) {
	tiers := cfg.Tiers
	if len(tiers) == 0 && len(cfg.URLs) > 0 {
		tiers = [][]string{cfg.URLs}
	}
	if len(tiers) == 0 {
		return nil, ErrNoProxies
	}
	for _, tier := range tiers {
		if len(tier) == 0 {
			return nil, fmt.Errorf("proxy tier must not be empty")
		}
		for _, raw := range tier {
			u, err := url.Parse(raw)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return nil, fmt.Errorf("invalid proxy url %q", raw)
			}
		}
	}
	return &Assigner{
		tiers:     tiers,
		bySession: make(map[string]string),
	}, nil
}

// NewURL returns the proxy assigned to sessionID, creating a sticky
// assignment from the active tier on first use.
func (a *Assigner) NewURL(sessionID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if assigned, ok := a.bySession[sessionID]; ok {
		return assigned
	}
	tier := a.tiers[a.activeTier]
	assigned := tier[a.next%len(tier)]
	a.next++
	a.bySession[sessionID] = assigned
	return assigned
}

// ReportBlocked records a blocked response from the active tier and
// escalates to the next tier after a streak.
func (a *Assigner) ReportBlocked() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.goodStreak = 0
	a.blockedStreak++
	if a.blockedStreak >= escalateAfter && a.activeTier < len(a.tiers)-1 {
		a.activeTier++
		a.blockedStreak = 0
		a.next = 0
	}
}

// ReportGood resets the blocked streak. A sustained run of clean
// responses steps the active tier back toward the cheapest one so a
// temporary block does not pin the crawl on expensive proxies forever.
func (a *Assigner) ReportGood() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.blockedStreak = 0
	a.goodStreak++
	if a.goodStreak >= deescalateAfter && a.activeTier > 0 {
		a.activeTier--
		a.goodStreak = 0
		a.next = 0
	}
}

// Forget drops the sticky assignment for a retired session so its proxy
// slot rotates back into use.
func (a *Assigner) Forget(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.bySession, sessionID)
}

// ActiveTier reports the zero-based tier currently used for new sessions.
func (a *Assigner) ActiveTier() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeTier
}
