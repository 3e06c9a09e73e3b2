// Package autoscale implements a generic concurrent task runner whose
// concurrency level adapts to system health. It knows nothing about
// requests or crawling; the orchestrator plugs in via three callbacks, and
// the pool alone decides how many of them run at once.
package autoscale

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crawlforge/crawlforge/internal/snapshotter"
)

// State is the pool lifecycle state.
type State string

// Pool states.
const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateStopped  State = "stopped"
)

// Hooks are the three callbacks the pool drives. RunTask executes one unit
// of work; IsTaskReady reports whether a unit could be started right now;
// IsFinished reports that the source is exhausted (not merely idle).
type Hooks struct {
	RunTask     func(ctx context.Context) error
	IsTaskReady func(ctx context.Context) (bool, error)
	IsFinished  func(ctx context.Context) (bool, error)
}

// Config bounds and tunes the scaling behavior.
type Config struct {
	MinConcurrency           int
	MaxConcurrency           int
	DesiredConcurrencyRatio  float64
	ScaleUpStep              int
	ScaleDownStep            int
	ControlInterval          time.Duration
	HysteresisSamples        int
	MaxConsecutivePoolErrors int
}

func (c *Config) validate() error {
	if c.MinConcurrency <= 0 {
		c.MinConcurrency = 1
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 32
	}
	if c.MinConcurrency > c.MaxConcurrency {
		return fmt.Errorf("minConcurrency %d exceeds maxConcurrency %d", c.MinConcurrency, c.MaxConcurrency)
	}
	if c.DesiredConcurrencyRatio <= 0 || c.DesiredConcurrencyRatio > 1 {
		c.DesiredConcurrencyRatio = 0.9
	}
	if c.ScaleUpStep <= 0 {
		c.ScaleUpStep = 1
	}
	if c.ScaleDownStep <= 0 {
		c.ScaleDownStep = 1
	}
	if c.ControlInterval <= 0 {
		c.ControlInterval = time.Second
	}
	if c.HysteresisSamples <= 0 {
		c.HysteresisSamples = 5
	}
	if c.MaxConsecutivePoolErrors <= 0 {
		c.MaxConsecutivePoolErrors = 10
	}
	return nil
}

// Pool runs tasks at an adaptive concurrency level. desiredConcurrency has
// a single writer (the control tick inside the Run loop); readers go
// through the mutex.
type Pool struct {
	cfg    Config
	hooks  Hooks
	snap   *snapshotter.Snapshotter
	logger *zap.Logger

	mu           sync.Mutex
	state        State
	desired      int
	current      int
	consecErrors int
	fatalErr     error

	wake chan struct{}
}

// New validates the configuration and builds a Pool.
func New(cfg Config, hooks Hooks, snap *snapshotter.Snapshotter, logger *zap.Logger) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if hooks.RunTask == nil || hooks.IsTaskReady == nil || hooks.IsFinished == nil {
		return nil, fmt.Errorf("all pool hooks are required")
	}
	if snap == nil {
		return nil, fmt.Errorf("snapshotter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:     cfg,
		hooks:   hooks,
		snap:    snap,
		logger:  logger,
		state:   StateIdle,
		desired: cfg.MinConcurrency,
		wake:    make(chan struct{}, 1),
	}, nil
}

// CurrentConcurrency returns the number of tasks in flight.
func (p *Pool) CurrentConcurrency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// DesiredConcurrency returns the current scaling target.
func (p *Pool) DesiredConcurrency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.desired
}

// State returns the lifecycle state.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pool) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Run drives tasks until the source reports finished, the context is
// cancelled, or too many consecutive pool-level errors occur. Per-task
// failures are counted but never abort the run on their own.
func (p *Pool) Run(ctx context.Context) error {
	p.setState(StateRunning)
	defer p.setState(StateStopped)

	var wg sync.WaitGroup
	ticker := time.NewTicker(p.cfg.ControlInterval)
	defer ticker.Stop()
	idle := time.NewTicker(50 * time.Millisecond)
	defer idle.Stop()

	drain := func() {
		p.setState(StateDraining)
		wg.Wait()
	}

	for {
		select {
		case <-ctx.Done():
			drain()
			return ctx.Err()
		case <-ticker.C:
			p.adjustDesiredConcurrency()
		case <-p.wake:
		case <-idle.C:
		}

		if err := p.takeFatal(); err != nil {
			drain()
			return err
		}

		finished, err := p.spawnUpToDesired(ctx, &wg)
		if err != nil {
			drain()
			return err
		}
		if finished && p.CurrentConcurrency() == 0 {
			drain()
			return nil
		}
	}
}

func (p *Pool) takeFatal() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fatalErr
}

// spawnUpToDesired starts tasks while there is capacity and ready work. The
// returned bool reports source exhaustion.
func (p *Pool) spawnUpToDesired(ctx context.Context, wg *sync.WaitGroup) (bool, error) {
	for {
		if ctx.Err() != nil {
			return false, nil
		}
		p.mu.Lock()
		hasCapacity := p.current < p.desired
		p.mu.Unlock()
		if !hasCapacity {
			return false, nil
		}

		finished, err := p.hooks.IsFinished(ctx)
		if err != nil {
			return false, fmt.Errorf("isFinished check: %w", err)
		}
		if finished {
			return true, nil
		}

		ready, err := p.hooks.IsTaskReady(ctx)
		if err != nil {
			return false, fmt.Errorf("isTaskReady check: %w", err)
		}
		if !ready {
			return false, nil
		}

		p.mu.Lock()
		p.current++
		p.mu.Unlock()
		wg.Add(1)
		go p.runOne(ctx, wg)
	}
}

func (p *Pool) runOne(ctx context.Context, wg *sync.WaitGroup) {
	var taskErr error
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", zap.Any("panic", r))
			taskErr = fmt.Errorf("task panic: %v", r)
		}
		p.recordTaskOutcome(taskErr)
		p.mu.Lock()
		p.current--
		p.mu.Unlock()
		// Work-conserving: a freed slot immediately tries to pull again.
		select {
		case p.wake <- struct{}{}:
		default:
		}
		wg.Done()
	}()

	taskErr = p.hooks.RunTask(ctx)
}

// recordTaskOutcome tracks consecutive pool-level task errors and arms the
// fatal abort once the threshold is crossed.
func (p *Pool) recordTaskOutcome(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		p.consecErrors = 0
		return
	}
	p.consecErrors++
	p.logger.Error("pool task failed", zap.Error(err), zap.Int("consecutive", p.consecErrors))
	if p.consecErrors >= p.cfg.MaxConsecutivePoolErrors && p.fatalErr == nil {
		p.fatalErr = fmt.Errorf("aborting run after %d consecutive pool failures: %w", p.consecErrors, err)
	}
}

// adjustDesiredConcurrency runs once per control interval on the Run loop.
// Any overloaded dimension scales down; scale-up additionally requires the
// pool to be saturated and the recent history clean.
func (p *Pool) adjustDesiredConcurrency() {
	snap := p.snap.Current()
	recentOverload := p.snap.OverloadedInLast(p.cfg.HysteresisSamples)

	p.mu.Lock()
	defer p.mu.Unlock()

	if snap.AnyOverloaded() {
		next := p.desired - p.cfg.ScaleDownStep
		if next < p.cfg.MinConcurrency {
			next = p.cfg.MinConcurrency
		}
		if next != p.desired {
			p.logger.Debug("scaling down",
				zap.Int("desired", next),
				zap.Bool("memory", snap.MemoryOverloaded),
				zap.Bool("cpu", snap.CPUOverloaded),
				zap.Bool("scheduler", snap.SchedulerOverloaded),
				zap.Bool("client", snap.ClientOverloaded),
			)
		}
		p.desired = next
		return
	}

	saturated := float64(p.current) >= math.Ceil(float64(p.desired)*p.cfg.DesiredConcurrencyRatio)
	if !saturated || recentOverload {
		return
	}
	next := p.desired + p.cfg.ScaleUpStep
	if next > p.cfg.MaxConcurrency {
		next = p.cfg.MaxConcurrency
	}
	if next != p.desired {
		p.logger.Debug("scaling up", zap.Int("desired", next))
	}
	p.desired = next
}
