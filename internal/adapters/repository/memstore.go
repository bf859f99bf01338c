package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/podium/internal/domain/clock"
	"github.com/okian/podium/internal/domain/model"
	"github.com/okian/podium/pkg/logger"
	"github.com/okian/podium/pkg/metrics"
)

// MemoryStore keeps entities and events in process memory.
//
// Transactions hold the write lock for their whole lifetime and stage their
// writes, which are applied only when the transaction function succeeds.
type MemoryStore struct {
	mu       sync.RWMutex
	entities []model.Entity    // insertion order
	byID     map[string]int    // id -> index into entities
	byName   map[string]string // name -> id
	events   []model.Event     // append order, which is also timestamp order
	seq      int64
	closed   bool

	opts options
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		byID:   make(map[string]int),
		byName: make(map[string]string),
		opts:   defaultOptions(),
	}
	for _, opt := range opts {
		opt(&s.opts)
	}
	s.opts.log = s.opts.log.Named("repository.memory")
	return s
}

func defaultOptions() options {
	return options{
		clock:           clock.New(),
		log:             logger.Get(),
		newID:           uuid.NewString,
		maxOpenConns:    10,
		connMaxLifetime: 30 * time.Minute,
		retry:           defaultRetryConfig,
	}
}

// CreateEntity registers name with score 0.
func (s *MemoryStore) CreateEntity(ctx context.Context, name string) (model.Entity, error) {
	const op = "memory.create_entity"
	defer observe(op, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.Entity{}, fail(op, ErrClosed)
	}
	if _, taken := s.byName[name]; taken {
		return model.Entity{}, fail(op, model.ErrDuplicateName)
	}
	e := model.Entity{ID: s.opts.newID(), Name: name, CreatedAt: s.opts.clock.Tick()}
	s.byID[e.ID] = len(s.entities)
	s.byName[name] = e.ID
	s.entities = append(s.entities, e)
	return e, nil
}

// ListEntities returns a copy of every entity in insertion order.
func (s *MemoryStore) ListEntities(ctx context.Context) ([]model.Entity, error) {
	const op = "memory.list_entities"
	defer observe(op, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fail(op, ErrClosed)
	}
	out := make([]model.Entity, len(s.entities))
	copy(out, s.entities)
	return out, nil
}

// FindEntity returns the entity with id.
func (s *MemoryStore) FindEntity(ctx context.Context, id string) (model.Entity, error) {
	const op = "memory.find_entity"
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return model.Entity{}, fail(op, ErrClosed)
	}
	return s.findLocked(op, id)
}

func (s *MemoryStore) findLocked(op, id string) (model.Entity, error) {
	i, ok := s.byID[id]
	if !ok {
		return model.Entity{}, fmt.Errorf("%s: %w", op, model.ErrNotFound)
	}
	return s.entities[i], nil
}

// CountEntities returns the number of entities.
func (s *MemoryStore) CountEntities(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, fail("memory.count_entities", ErrClosed)
	}
	return len(s.entities), nil
}

// CountEvents returns the number of events.
func (s *MemoryStore) CountEvents(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, fail("memory.count_events", ErrClosed)
	}
	return len(s.events), nil
}

// PageEvents reads one page newest first under a single read lock.
func (s *MemoryStore) PageEvents(ctx context.Context, offset, limit int) ([]model.HistoryEntry, int, error) {
	const op = "memory.page_events"
	defer observe(op, time.Now())

	if offset < 0 || limit < 1 {
		return nil, 0, model.Invalid("offset must be >= 0 and limit >= 1")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, 0, fail(op, ErrClosed)
	}

	total := len(s.events)
	out := make([]model.HistoryEntry, 0, min(limit, max(total-offset, 0)))
	for i := total - 1 - offset; i >= 0 && len(out) < limit; i-- {
		ev := s.events[i]
		entry := model.HistoryEntry{Event: ev}
		if idx, ok := s.byID[ev.EntityID]; ok {
			entry.EntityName = s.entities[idx].Name
		}
		out = append(out, entry)
	}
	return out, total, nil
}

// Atomically runs fn with exclusive access and applies its staged writes
// only when fn returns nil.
func (s *MemoryStore) Atomically(ctx context.Context, fn func(Tx) error) error {
	const op = "memory.atomically"
	defer observe(op, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fail(op, ErrClosed)
	}

	tx := &memTx{s: s, scores: make(map[string]int64)}
	if err := fn(tx); err != nil {
		metrics.RecordStoreRollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		metrics.RecordStoreRollback()
		return fail(op, err)
	}
	for id, score := range tx.scores {
		s.entities[s.byID[id]].Score = score
	}
	s.seq = tx.seq(0)
	s.events = append(s.events, tx.events...)
	return nil
}

// Ping reports ErrStoreUnavailable once the store is closed.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fail("memory.ping", ErrClosed)
	}
	return nil
}

// Close marks the store closed. Later calls fail with ErrStoreUnavailable.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// memTx stages writes on top of the locked MemoryStore.
type memTx struct {
	s      *MemoryStore
	scores map[string]int64
	events []model.Event
}

func (t *memTx) seq(extra int64) int64 { return t.s.seq + int64(len(t.events)) + extra }

func (t *memTx) FindEntity(ctx context.Context, id string) (model.Entity, error) {
	e, err := t.s.findLocked("memory.tx.find_entity", id)
	if err != nil {
		return model.Entity{}, err
	}
	if score, ok := t.scores[id]; ok {
		e.Score = score
	}
	return e, nil
}

func (t *memTx) UpdateScore(ctx context.Context, id string, score int64) error {
	const op = "memory.tx.update_score"
	if _, ok := t.s.byID[id]; !ok {
		return fmt.Errorf("%s: %w", op, model.ErrNotFound)
	}
	if score < 0 {
		return fmt.Errorf("%s: %w", op, model.Invalid("score must be >= 0"))
	}
	t.scores[id] = score
	return nil
}

func (t *memTx) AppendEvent(ctx context.Context, entityID string, delta int64) (model.Event, error) {
	const op = "memory.tx.append_event"
	if _, ok := t.s.byID[entityID]; !ok {
		return model.Event{}, fmt.Errorf("%s: %w", op, model.ErrNotFound)
	}
	if delta < 1 {
		return model.Event{}, fmt.Errorf("%s: %w", op, model.Invalid("delta must be >= 1"))
	}
	ev := model.Event{
		ID:       t.s.opts.newID(),
		EntityID: entityID,
		Delta:    delta,
		At:       t.s.opts.clock.Tick(),
		Seq:      t.seq(1),
	}
	t.events = append(t.events, ev)
	return ev, nil
}

// observe records the latency of a store operation.
func observe(op string, start time.Time) {
	metrics.RecordStoreLatency(op, float64(time.Since(start).Microseconds())/1000.0)
}

// fail classifies err and counts it.
func fail(op string, err error) error {
	err = classify(op, err)
	metrics.RecordStoreError(op, errorKind(err))
	return err
}
