// Package requestqueue implements the deduplicating, durable work queue
// that feeds the crawler. Entries move through available → in-progress →
// handled; the queue is the sole authority for uniqueKey deduplication and
// guarantees no entry is handed to two concurrent workers.
package requestqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/crawlforge/crawlforge/internal/crawl"
	"github.com/crawlforge/crawlforge/internal/storage"
)

// State is the lifecycle state of one queue entry.
type State string

// Entry states persisted with each request.
const (
	StateAvailable  State = "available"
	StateInProgress State = "in-progress"
	StateHandled    State = "handled"
)

// AddResult reports the outcome of AddRequest.
type AddResult struct {
	RequestID         string
	WasAlreadyPresent bool
	WasAlreadyHandled bool
}

type entry struct {
	request *crawl.Request
	state   State
	seq     int64
}

type persistedEntry struct {
	Request *crawl.Request `json:"request"`
	State   State          `json:"state"`
	Seq     int64          `json:"seq"`
}

// Queue is a durable FIFO request queue with a forefront override. The
// in-memory index is the hot path; every mutation is written through to the
// key-value store so the durable representation stays the source of truth.
type Queue struct {
	name   string
	store  storage.KeyValueStore
	idGen  crawl.IDGenerator
	clock  crawl.Clock
	logger *zap.Logger

	mu           sync.Mutex
	entries      map[string]*entry // request ID -> entry
	byUniqueKey  map[string]string // uniqueKey -> request ID
	order        []string          // available request IDs, head first
	inProgress   map[string]struct{}
	handledCount int
	headSeq      int64
	tailSeq      int64
}

// Open loads or creates the named queue. Persisted in-progress entries are
// assumed abandoned by a crashed worker and become available again.
func Open(
	ctx context.Context,
	name string,
	store storage.KeyValueStore,
	idGen crawl.IDGenerator,
	clock crawl.Clock,
	logger *zap.Logger,
) (*Queue, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if idGen == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		name:        name,
		store:       store,
		idGen:       idGen,
		clock:       clock,
		logger:      logger,
		entries:     make(map[string]*entry),
		byUniqueKey: make(map[string]string),
		inProgress:  make(map[string]struct{}),
		tailSeq:     1,
	}
	if err := q.restore(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) keyPrefix() string {
	return "queue/" + q.name + "/"
}

func (q *Queue) entryKey(requestID string) string {
	return q.keyPrefix() + requestID
}

func (q *Queue) restore(ctx context.Context) error {
	keys, err := q.store.List(ctx, q.keyPrefix())
	if err != nil {
		return fmt.Errorf("list queue entries: %w", err)
	}
	loaded := make([]*entry, 0, len(keys))
	reclaimed := 0
	for _, key := range keys {
		value, err := q.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return fmt.Errorf("load queue entry %s: %w", key, err)
		}
		var persisted persistedEntry
		if err := json.Unmarshal(value, &persisted); err != nil {
			return fmt.Errorf("decode queue entry %s: %w", key, err)
		}
		if persisted.Request == nil || persisted.Request.ID == "" {
			continue
		}
		ent := &entry{
			request: persisted.Request,
			state:   persisted.State,
			seq:     persisted.Seq,
		}
		if ent.state == StateInProgress {
			if err := q.requeueAbandoned(ctx, key); err != nil {
				return err
			}
			ent.state = StateAvailable
			reclaimed++
		}
		loaded = append(loaded, ent)
	}

	sort.Slice(loaded, func(i, j int) bool { return loaded[i].seq < loaded[j].seq })
	for _, ent := range loaded {
		q.entries[ent.request.ID] = ent
		q.byUniqueKey[ent.request.UniqueKey] = ent.request.ID
		switch ent.state {
		case StateAvailable:
			q.order = append(q.order, ent.request.ID)
		case StateHandled:
			q.handledCount++
		}
		if ent.seq < q.headSeq {
			q.headSeq = ent.seq
		}
		if ent.seq >= q.tailSeq {
			q.tailSeq = ent.seq + 1
		}
	}
	if len(loaded) > 0 {
		q.logger.Info("request queue restored",
			zap.String("queue", q.name),
			zap.Int("entries", len(loaded)),
			zap.Int("reclaimed_in_progress", reclaimed),
		)
	}
	return nil
}

func (q *Queue) persist(ctx context.Context, ent *entry) error {
	value, err := json.Marshal(persistedEntry{
		Request: ent.request,
		State:   ent.state,
		Seq:     ent.seq,
	})
	if err != nil {
		return fmt.Errorf("encode queue entry: %w", err)
	}
	if err := q.store.Put(ctx, q.entryKey(ent.request.ID), value); err != nil {
		return fmt.Errorf("persist queue entry: %w", err)
	}
	return nil
}

// requeueAbandoned flips a persisted in-progress entry back to available
// under the store's exclusive key lock, so two processes recovering the
// same queue cannot clobber each other's writes.
func (q *Queue) requeueAbandoned(ctx context.Context, key string) error {
	err := q.store.Update(ctx, key, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, nil
		}
		var persisted persistedEntry
		if err := json.Unmarshal(current, &persisted); err != nil {
			return nil, fmt.Errorf("decode queue entry: %w", err)
		}
		if persisted.State != StateInProgress {
			return current, nil
		}
		persisted.State = StateAvailable
		value, err := json.Marshal(persisted)
		if err != nil {
			return nil, fmt.Errorf("encode queue entry: %w", err)
		}
		return value, nil
	})
	if err != nil {
		return fmt.Errorf("requeue abandoned entry %s: %w", key, err)
	}
	return nil
}

// AddRequest inserts req unless an entry with the same uniqueKey already
// exists. Duplicate adds report the existing entry without mutating it;
// re-adding a handled request is a no-op reported as both present and
// handled. With forefront the new entry goes to the head of the queue.
func (q *Queue) AddRequest(ctx context.Context, req *crawl.Request, forefront bool) (AddResult, error) {
	if req == nil {
		return AddResult{}, fmt.Errorf("request is required")
	}
	if strings.TrimSpace(req.URL) == "" {
		return AddResult{}, fmt.Errorf("request url is required")
	}
	if err := req.EnsureUniqueKey(); err != nil {
		return AddResult{}, fmt.Errorf("compute unique key: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if existingID, ok := q.byUniqueKey[req.UniqueKey]; ok {
		existing := q.entries[existingID]
		return AddResult{
			RequestID:         existingID,
			WasAlreadyPresent: true,
			WasAlreadyHandled: existing.state == StateHandled,
		}, nil
	}

	if req.ID == "" {
		id, err := q.idGen.NewID()
		if err != nil {
			return AddResult{}, fmt.Errorf("generate request id: %w", err)
		}
		req.ID = id
	}

	ent := &entry{request: req, state: StateAvailable}
	if forefront {
		q.headSeq--
		ent.seq = q.headSeq
	} else {
		ent.seq = q.tailSeq
		q.tailSeq++
	}
	if err := q.persist(ctx, ent); err != nil {
		return AddResult{}, err
	}

	q.entries[req.ID] = ent
	q.byUniqueKey[req.UniqueKey] = req.ID
	if forefront {
		q.order = append([]string{req.ID}, q.order...)
	} else {
		q.order = append(q.order, req.ID)
	}
	return AddResult{RequestID: req.ID}, nil
}

// FetchNextRequest atomically selects the head available entry, transitions
// it to in-progress, and returns it. Returns nil when nothing is available;
// callers distinguish a drained queue from pending in-progress work via
// InProgressCount.
func (q *Queue) FetchNextRequest(ctx context.Context) (*crawl.Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.order) > 0 {
		id := q.order[0]
		q.order = q.order[1:]
		ent, ok := q.entries[id]
		if !ok || ent.state != StateAvailable {
			continue
		}
		ent.state = StateInProgress
		if err := q.persist(ctx, ent); err != nil {
			ent.state = StateAvailable
			q.order = append([]string{id}, q.order...)
			return nil, err
		}
		q.inProgress[id] = struct{}{}
		return ent.request, nil
	}
	return nil, nil
}

// MarkRequestHandled transitions an in-progress entry to handled and
// records the terminal timestamp.
func (q *Queue) MarkRequestHandled(ctx context.Context, req *crawl.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ent, err := q.ownedEntry(req)
	if err != nil {
		return err
	}
	now := q.clock.Now()
	req.HandledAt = &now
	ent.state = StateHandled
	if err := q.persist(ctx, ent); err != nil {
		ent.state = StateInProgress
		req.HandledAt = nil
		return err
	}
	delete(q.inProgress, req.ID)
	q.handledCount++
	return nil
}

// ReclaimRequest returns an in-progress entry to available so another
// worker can pick it up. Retry accounting is the orchestrator's
// responsibility, not the queue's.
func (q *Queue) ReclaimRequest(ctx context.Context, req *crawl.Request, forefront bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ent, err := q.ownedEntry(req)
	if err != nil {
		return err
	}
	ent.state = StateAvailable
	if err := q.persist(ctx, ent); err != nil {
		ent.state = StateInProgress
		return err
	}
	delete(q.inProgress, req.ID)
	if forefront {
		q.order = append([]string{req.ID}, q.order...)
	} else {
		q.order = append(q.order, req.ID)
	}
	return nil
}

func (q *Queue) ownedEntry(req *crawl.Request) (*entry, error) {
	if req == nil || req.ID == "" {
		return nil, fmt.Errorf("request with id is required")
	}
	ent, ok := q.entries[req.ID]
	if !ok {
		return nil, fmt.Errorf("request %s is not in queue %s", req.ID, q.name)
	}
	if ent.state != StateInProgress {
		return nil, fmt.Errorf("request %s is not in progress (state %s)", req.ID, ent.state)
	}
	return ent, nil
}

// IsFinished reports whether no available and no in-progress entries
// remain.
func (q *Queue) IsFinished() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order) == 0 && len(q.inProgress) == 0
}

// PendingCount returns the number of available entries.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// InProgressCount returns the number of entries currently locked by
// workers.
func (q *Queue) InProgressCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inProgress)
}

// HandledCount returns the number of terminal entries.
func (q *Queue) HandledCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.handledCount
}

// Drop deletes the queue and all persisted entries.
func (q *Queue) Drop(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for id := range q.entries {
		if err := q.store.Delete(ctx, q.entryKey(id)); err != nil {
			return fmt.Errorf("drop queue entry %s: %w", id, err)
		}
	}
	q.entries = make(map[string]*entry)
	q.byUniqueKey = make(map[string]string)
	q.order = nil
	q.inProgress = make(map[string]struct{})
	q.handledCount = 0
	return nil
}
