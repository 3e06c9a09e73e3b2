package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crawlforge/crawlforge/internal/crawl"
	"github.com/crawlforge/crawlforge/internal/storage"
)

const statsKey = "stats/state"

// Statistics aggregates terminal request outcomes for one crawl. Counters
// survive restarts when a store is configured: a resumed crawl continues
// from the persisted totals.
type Statistics struct {
	mu        sync.Mutex
	store     storage.KeyValueStore
	clock     crawl.Clock
	startedAt time.Time
	state     statsState
}

type statsState struct {
	RequestsFinished  int64         `json:"requests_finished"`
	RequestsFailed    int64         `json:"requests_failed"`
	RetryHistogram    map[int]int64 `json:"retry_histogram"`
	DurationTotal     time.Duration `json:"duration_total"`
	DurationMin       time.Duration `json:"duration_min"`
	DurationMax       time.Duration `json:"duration_max"`
	PreviousRuntime   time.Duration `json:"previous_runtime"`
	TerminalDurations int64         `json:"terminal_durations"`
}

// Snapshot is a point-in-time copy of the aggregate counters.
type Snapshot struct {
	RequestsFinished int64         `json:"requests_finished"`
	RequestsFailed   int64         `json:"requests_failed"`
	RetryHistogram   map[int]int64 `json:"retry_histogram"`
	DurationMin      time.Duration `json:"duration_min"`
	DurationMax      time.Duration `json:"duration_max"`
	DurationAvg      time.Duration `json:"duration_avg"`
	DurationTotal    time.Duration `json:"duration_total"`
	CrawlerRuntime   time.Duration `json:"crawler_runtime"`
}

// NewStatistics builds a Statistics, restoring persisted counters when a
// store is configured.
func NewStatistics(ctx context.Context, store storage.KeyValueStore, clock crawl.Clock) (*Statistics, error) {
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	s := &Statistics{
		store:     store,
		clock:     clock,
		startedAt: clock.Now(),
		state:     statsState{RetryHistogram: make(map[int]int64)},
	}
	if store == nil {
		return s, nil
	}
	value, err := store.Get(ctx, statsKey)
	if errors.Is(err, storage.ErrNotFound) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load statistics: %w", err)
	}
	if err := json.Unmarshal(value, &s.state); err != nil {
		return nil, fmt.Errorf("decode statistics: %w", err)
	}
	if s.state.RetryHistogram == nil {
		s.state.RetryHistogram = make(map[int]int64)
	}
	return s, nil
}

// RecordSuccess accounts one finished request.
func (s *Statistics) RecordSuccess(retryCount int, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.RequestsFinished++
	s.recordTerminal(retryCount, duration)
}

// RecordFailure accounts one request routed to the failure sink.
func (s *Statistics) RecordFailure(retryCount int, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.RequestsFailed++
	s.recordTerminal(retryCount, duration)
}

func (s *Statistics) recordTerminal(retryCount int, duration time.Duration) {
	s.state.RetryHistogram[retryCount]++
	s.state.DurationTotal += duration
	s.state.TerminalDurations++
	if s.state.DurationMin == 0 || duration < s.state.DurationMin {
		s.state.DurationMin = duration
	}
	if duration > s.state.DurationMax {
		s.state.DurationMax = duration
	}
}

// Snapshot returns a copy of the counters including the current runtime.
func (s *Statistics) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	histogram := make(map[int]int64, len(s.state.RetryHistogram))
	for k, v := range s.state.RetryHistogram {
		histogram[k] = v
	}
	var avg time.Duration
	if s.state.TerminalDurations > 0 {
		avg = s.state.DurationTotal / time.Duration(s.state.TerminalDurations)
	}
	return Snapshot{
		RequestsFinished: s.state.RequestsFinished,
		RequestsFailed:   s.state.RequestsFailed,
		RetryHistogram:   histogram,
		DurationMin:      s.state.DurationMin,
		DurationMax:      s.state.DurationMax,
		DurationAvg:      avg,
		DurationTotal:    s.state.DurationTotal,
		CrawlerRuntime:   s.state.PreviousRuntime + s.clock.Now().Sub(s.startedAt),
	}
}

// Persist writes the counters to the store. No-op without a store.
func (s *Statistics) Persist(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	s.mu.Lock()
	state := s.state
	state.RetryHistogram = make(map[int]int64, len(s.state.RetryHistogram))
	for k, v := range s.state.RetryHistogram {
		state.RetryHistogram[k] = v
	}
	state.PreviousRuntime = s.state.PreviousRuntime + s.clock.Now().Sub(s.startedAt)
	s.mu.Unlock()

	value, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode statistics: %w", err)
	}
	if err := s.store.Put(ctx, statsKey, value); err != nil {
		return fmt.Errorf("persist statistics: %w", err)
	}
	return nil
}
