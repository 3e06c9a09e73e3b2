// Package snapshotter samples system health on a fixed interval and keeps a
// rolling history of per-dimension overload verdicts. The autoscaled pool
// reads those verdicts to decide whether to grow or shrink concurrency.
package snapshotter

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
)

// Config tunes the sampling thresholds.
type Config struct {
	SampleInterval      time.Duration
	HistorySize         int
	MaxUsedMemoryRatio  float64
	MaxUsedCPURatio     float64
	MaxSchedulerLag     time.Duration
	MaxClientErrorRatio float64
	MinClientSamples    int
}

func (c *Config) applyDefaults() {
	if c.SampleInterval <= 0 {
		c.SampleInterval = time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 30
	}
	if c.MaxUsedMemoryRatio <= 0 {
		c.MaxUsedMemoryRatio = 0.9
	}
	if c.MaxUsedCPURatio <= 0 {
		c.MaxUsedCPURatio = 0.95
	}
	if c.MaxSchedulerLag <= 0 {
		c.MaxSchedulerLag = 50 * time.Millisecond
	}
	if c.MaxClientErrorRatio <= 0 {
		c.MaxClientErrorRatio = 0.3
	}
	if c.MinClientSamples <= 0 {
		c.MinClientSamples = 5
	}
}

// Snapshot is one sampling round across all dimensions.
type Snapshot struct {
	At                  time.Time
	MemoryOverloaded    bool
	CPUOverloaded       bool
	SchedulerOverloaded bool
	ClientOverloaded    bool
}

// AnyOverloaded reports whether any dimension crossed its threshold.
func (s Snapshot) AnyOverloaded() bool {
	return s.MemoryOverloaded || s.CPUOverloaded || s.SchedulerOverloaded || s.ClientOverloaded
}

// Snapshotter runs the sampling loop. Memory and CPU come from gopsutil,
// scheduler lag from ticker drift (the Go analogue of event-loop lag), and
// the client dimension from error reports fed in by the orchestrator.
type Snapshotter struct {
	cfg    Config
	logger *zap.Logger

	memoryRatio func(ctx context.Context) (float64, error)
	cpuRatio    func(ctx context.Context) (float64, error)

	mu            sync.Mutex
	history       []Snapshot
	clientTotal   int
	clientErrored int

	stopOnce sync.Once
	stopped  chan struct{}
}

// New builds a Snapshotter. Call Start to begin sampling.
func New(cfg Config, logger *zap.Logger) *Snapshotter {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Snapshotter{
		cfg:         cfg,
		logger:      logger,
		memoryRatio: systemMemoryRatio,
		cpuRatio:    systemCPURatio,
		stopped:     make(chan struct{}),
	}
}

func systemMemoryRatio(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent / 100, nil
}

func systemCPURatio(ctx context.Context) (float64, error) {
	// Interval 0 measures utilization since the previous call.
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(percents) == 0 {
		return 0, err
	}
	return percents[0] / 100, nil
}

// Start launches the sampling loop and returns immediately. The loop ends
// when ctx is cancelled or Stop is called.
func (s *Snapshotter) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop terminates the sampling loop.
func (s *Snapshotter) Stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

func (s *Snapshotter) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SampleInterval)
	defer ticker.Stop()
	expected := time.Now().Add(s.cfg.SampleInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopped:
			return
		case now := <-ticker.C:
			lag := now.Sub(expected)
			expected = now.Add(s.cfg.SampleInterval)
			s.sample(ctx, now, lag)
		}
	}
}

func (s *Snapshotter) sample(ctx context.Context, now time.Time, lag time.Duration) {
	snap := Snapshot{
		At:                  now,
		SchedulerOverloaded: lag > s.cfg.MaxSchedulerLag,
	}

	if ratio, err := s.memoryRatio(ctx); err != nil {
		s.logger.Warn("memory sample failed", zap.Error(err))
	} else {
		snap.MemoryOverloaded = ratio >= s.cfg.MaxUsedMemoryRatio
	}

	if ratio, err := s.cpuRatio(ctx); err != nil {
		s.logger.Warn("cpu sample failed", zap.Error(err))
	} else {
		snap.CPUOverloaded = ratio >= s.cfg.MaxUsedCPURatio
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.clientTotal >= s.cfg.MinClientSamples {
		ratio := float64(s.clientErrored) / float64(s.clientTotal)
		snap.ClientOverloaded = ratio >= s.cfg.MaxClientErrorRatio
	}
	s.clientTotal = 0
	s.clientErrored = 0

	s.history = append(s.history, snap)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
}

// RecordClientResult feeds one request outcome into the client-error
// dimension. Rate-limit style failures (429, detected blocking) count as
// errored.
func (s *Snapshotter) RecordClientResult(errored bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientTotal++
	if errored {
		s.clientErrored++
	}
}

// Current returns the most recent snapshot; the zero Snapshot before the
// first sampling round.
func (s *Snapshotter) Current() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		return Snapshot{}
	}
	return s.history[len(s.history)-1]
}

// OverloadedInLast reports whether any of the last n snapshots saw any
// dimension overloaded. Used by the pool for scale-up hysteresis.
func (s *Snapshotter) OverloadedInLast(n int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.history) {
		n = len(s.history)
	}
	for i := len(s.history) - n; i < len(s.history); i++ {
		if s.history[i].AnyOverloaded() {
			return true
		}
	}
	return false
}

// IsMemoryOverloaded reports the latest memory verdict.
func (s *Snapshotter) IsMemoryOverloaded() bool { return s.Current().MemoryOverloaded }

// IsCPUOverloaded reports the latest CPU verdict.
func (s *Snapshotter) IsCPUOverloaded() bool { return s.Current().CPUOverloaded }

// IsSchedulerOverloaded reports the latest scheduler-lag verdict.
func (s *Snapshotter) IsSchedulerOverloaded() bool { return s.Current().SchedulerOverloaded }

// IsClientOverloaded reports the latest client-error verdict.
func (s *Snapshotter) IsClientOverloaded() bool { return s.Current().ClientOverloaded }
