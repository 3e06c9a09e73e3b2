package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crawlforge/crawlforge/internal/crawl"
	"github.com/crawlforge/crawlforge/internal/storage"
)

const stateKey = "sessions/state"

// ProxyAssigner hands out a sticky proxy URL for a new session and is
// told when a session is pruned so the assignment can be released.
// Optional.
type ProxyAssigner interface {
	NewURL(sessionID string) string
	Forget(sessionID string)
}

// Config tunes the pool and the sessions it creates.
type Config struct {
	MaxPoolSize         int
	MaxErrorScore       float64
	ErrorScoreDecrement float64
	MaxUsageCount       int
	MaxAge              time.Duration
	MaintenanceInterval time.Duration
	ScoreDecayFactor    float64
}

func (c *Config) applyDefaults() {
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = 20
	}
	if c.MaxErrorScore <= 0 {
		c.MaxErrorScore = 3
	}
	if c.ErrorScoreDecrement <= 0 {
		c.ErrorScoreDecrement = 0.5
	}
	if c.MaxUsageCount < 0 {
		c.MaxUsageCount = 0
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 50 * time.Minute
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = 10 * time.Second
	}
	if c.ScoreDecayFactor <= 0 || c.ScoreDecayFactor >= 1 {
		c.ScoreDecayFactor = 0.5
	}
}

type persistedSession struct {
	ID         string    `json:"id"`
	ProxyURL   string    `json:"proxy_url,omitempty"`
	ErrorScore float64   `json:"error_score"`
	UsageCount int       `json:"usage_count"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Retired    bool      `json:"retired"`
}

type persistedState struct {
	Sessions []persistedSession `json:"sessions"`
}

// Pool owns a bounded collection of sessions: hands them out, retires bad
// ones, and replenishes on a maintenance timer independent of request
// processing.
type Pool struct {
	cfg    Config
	store  storage.KeyValueStore
	idGen  crawl.IDGenerator
	clock  crawl.Clock
	proxy  ProxyAssigner
	logger *zap.Logger

	mu       sync.Mutex
	sessions []*Session
	created  int

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewPool builds a pool and restores persisted state when a store is
// configured. Cookie jars are not recoverable across restarts, so restored
// sessions keep their scores and counters but start with fresh jars.
func NewPool(
	ctx context.Context,
	cfg Config,
	store storage.KeyValueStore,
	idGen crawl.IDGenerator,
	clock crawl.Clock,
	proxy ProxyAssigner,
	logger *zap.Logger,
) (*Pool, error) {
	cfg.applyDefaults()
	if idGen == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		cfg:     cfg,
		store:   store,
		idGen:   idGen,
		clock:   clock,
		proxy:   proxy,
		logger:  logger,
		stopped: make(chan struct{}),
	}
	if store != nil {
		if err := p.restore(ctx); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Pool) restore(ctx context.Context) error {
	value, err := p.store.Get(ctx, stateKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load session pool state: %w", err)
	}
	var state persistedState
	if err := json.Unmarshal(value, &state); err != nil {
		return fmt.Errorf("decode session pool state: %w", err)
	}
	now := p.clock.Now()
	restored := 0
	for _, ps := range state.Sessions {
		if ps.Retired || !now.Before(ps.ExpiresAt) {
			continue
		}
		s, err := newSession(ps.ID, ps.ProxyURL, p.cfg, p.clock)
		if err != nil {
			return err
		}
		s.errorScore = ps.ErrorScore
		s.usageCount = ps.UsageCount
		s.createdAt = ps.CreatedAt
		s.expiresAt = ps.ExpiresAt
		p.sessions = append(p.sessions, s)
		restored++
	}
	p.created = restored
	if restored > 0 {
		p.logger.Info("session pool restored", zap.Int("sessions", restored))
	}
	return nil
}

// Start launches the maintenance loop.
func (p *Pool) Start(ctx context.Context) {
	go p.maintainLoop(ctx)
}

// Stop terminates the maintenance loop and persists final state.
func (p *Pool) Stop(ctx context.Context) {
	p.stopOnce.Do(func() { close(p.stopped) })
	if err := p.persist(ctx); err != nil {
		p.logger.Warn("persist session pool state failed", zap.Error(err))
	}
}

func (p *Pool) maintainLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopped:
			return
		case <-ticker.C:
			p.maintain(ctx)
		}
	}
}

// maintain prunes retired and expired sessions, decays scores, replenishes
// the pool, and persists state for crash recovery.
func (p *Pool) maintain(ctx context.Context) {
	p.mu.Lock()
	target := len(p.sessions)
	if target > p.cfg.MaxPoolSize {
		target = p.cfg.MaxPoolSize
	}
	kept := p.sessions[:0]
	pruned := 0
	for _, s := range p.sessions {
		if s.IsUsable() {
			s.decay(p.cfg.ScoreDecayFactor)
			kept = append(kept, s)
		} else {
			if p.proxy != nil {
				p.proxy.Forget(s.ID())
			}
			pruned++
		}
	}
	p.sessions = kept
	missing := target - len(p.sessions)
	for i := 0; i < missing; i++ {
		s, err := p.createSessionLocked()
		if err != nil {
			p.logger.Warn("session replenish failed", zap.Error(err))
			break
		}
		p.sessions = append(p.sessions, s)
	}
	p.mu.Unlock()

	if pruned > 0 {
		p.logger.Debug("session maintenance", zap.Int("pruned", pruned), zap.Int("replenished", missing))
	}
	if err := p.persist(ctx); err != nil {
		p.logger.Warn("persist session pool state failed", zap.Error(err))
	}
}

func (p *Pool) createSessionLocked() (*Session, error) {
	id, err := p.idGen.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	proxyURL := ""
	if p.proxy != nil {
		proxyURL = p.proxy.NewURL(id)
	}
	s, err := newSession(id, proxyURL, p.cfg, p.clock)
	if err != nil {
		return nil, err
	}
	p.created++
	return s, nil
}

// GetSession returns a usable session, creating one lazily while the pool
// is below MaxPoolSize. When every session is retired or over cap the call
// blocks until the maintenance cycle frees capacity or ctx ends.
func (p *Pool) GetSession(ctx context.Context) (*Session, error) {
	for {
		if s := p.tryGetSession(); s != nil {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("session pool wait: %w", ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (p *Pool) tryGetSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	usable := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		if s.IsUsable() {
			usable = append(usable, s)
		}
	}

	if len(p.sessions) < p.cfg.MaxPoolSize {
		s, err := p.createSessionLocked()
		if err != nil {
			p.logger.Warn("session create failed", zap.Error(err))
			return nil
		}
		p.sessions = append(p.sessions, s)
		if s.checkout() {
			return s
		}
		return nil
	}

	// Random pick spreads load across identities instead of burning the
	// first usable one.
	for len(usable) > 0 {
		i := rand.Intn(len(usable))
		s := usable[i]
		if s.checkout() {
			return s
		}
		usable = append(usable[:i], usable[i+1:]...)
	}
	return nil
}

// UsableCount returns the number of sessions currently eligible for
// handout.
func (p *Pool) UsableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.sessions {
		if s.IsUsable() {
			n++
		}
	}
	return n
}

// Size returns the number of sessions currently held (usable or not).
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func (p *Pool) persist(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	p.mu.Lock()
	state := persistedState{Sessions: make([]persistedSession, 0, len(p.sessions))}
	for _, s := range p.sessions {
		state.Sessions = append(state.Sessions, s.snapshot())
	}
	p.mu.Unlock()

	value, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode session pool state: %w", err)
	}
	if err := p.store.Put(ctx, stateKey, value); err != nil {
		return fmt.Errorf("persist session pool state: %w", err)
	}
	return nil
}
