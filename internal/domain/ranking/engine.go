package ranking

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/okian/podium/internal/domain/model"
	"github.com/okian/podium/pkg/logger"
	"github.com/okian/podium/pkg/metrics"
)

// Source lists every entity in insertion order.
type Source interface {
	ListEntities(ctx context.Context) ([]model.Entity, error)
}

// Engine holds the latest ranking snapshot.
//
// Refresh reads the source and stamps the result with the next generation
// while holding the engine lock, so a higher generation always reflects a
// read that started after the previous one finished.
type Engine struct {
	src Source
	log logger.Logger
	now func() time.Time

	mu  sync.Mutex // serializes refreshes
	gen uint64

	current atomic.Pointer[model.Snapshot]
	dirty   atomic.Uint64 // bumped by Invalidate
	clean   atomic.Uint64 // dirty value observed by the last successful refresh

	sf singleflight.Group
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithNow overrides the time source used for ComputedAt.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates an engine over src. The cache starts empty.
func NewEngine(src Source, opts ...Option) *Engine {
	e := &Engine{
		src: src,
		log: logger.Get().Named("ranking"),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Refresh recomputes the snapshot from the source.
func (e *Engine) Refresh(ctx context.Context) (model.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	mark := e.dirty.Load()
	entities, err := e.src.ListEntities(ctx)
	if err != nil {
		metrics.RecordErrorByComponent("ranking", "source")
		return model.Snapshot{}, fmt.Errorf("ranking refresh: %w", err)
	}

	e.gen++
	snap := model.Snapshot{
		Generation: e.gen,
		ComputedAt: e.now().UTC(),
		Entries:    Compute(entities),
	}
	e.current.Store(&snap)
	e.clean.Store(mark)

	metrics.RecordRankingRecompute(float64(time.Since(start).Microseconds())/1000.0, len(entities))
	metrics.UpdateSnapshotGeneration(snap.Generation)
	return snap, nil
}

// Current returns the cached snapshot, refreshing it first when a mutation
// invalidated it. Concurrent callers share one refresh only when they saw the
// same invalidation mark, so a caller never joins a refresh that read the
// source before its own Invalidate. If the refresh fails the last good
// snapshot is served; an error is returned only when none exists yet.
func (e *Engine) Current(ctx context.Context) (model.Snapshot, error) {
	mark := e.dirty.Load()
	cached := e.current.Load()
	if cached != nil && e.clean.Load() >= mark {
		return *cached, nil
	}

	v, err, _ := e.sf.Do(strconv.FormatUint(mark, 10), func() (any, error) {
		return e.Refresh(context.WithoutCancel(ctx))
	})
	if err != nil {
		if last := e.current.Load(); last != nil {
			e.log.Warn(ctx, "serving stale ranking snapshot",
				logger.Uint64("generation", last.Generation), logger.Error(err))
			return *last, nil
		}
		return model.Snapshot{}, err
	}
	return v.(model.Snapshot), nil
}

// Cached returns the last computed snapshot without touching the source.
func (e *Engine) Cached() (model.Snapshot, bool) {
	if s := e.current.Load(); s != nil {
		return *s, true
	}
	return model.Snapshot{}, false
}

// Invalidate marks the cached snapshot stale.
func (e *Engine) Invalidate() {
	e.dirty.Add(1)
}

// Generation returns the generation of the cached snapshot, or 0.
func (e *Engine) Generation() uint64 {
	if s := e.current.Load(); s != nil {
		return s.Generation
	}
	return 0
}
