// Package worker runs the broadcaster workers that turn "ranking changed"
// notices into fresh snapshots delivered to every observer.
package worker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/okian/podium/internal/domain/model"
	"github.com/okian/podium/pkg/logger"
	"github.com/okian/podium/pkg/metrics"
)

const (
	defaultAttempts     = 3
	defaultRetryDelay   = 50 * time.Millisecond
	defaultMaxDelay     = 2 * time.Second
	poolShutdownTimeout = 30 * time.Second
)

// Refresher recomputes the ranking snapshot.
type Refresher interface {
	Refresh(ctx context.Context) (model.Snapshot, error)
}

// Hub delivers a snapshot to every subscription.
type Hub interface {
	Broadcast(snap model.Snapshot) int
}

// Queue defines how workers receive notices.
type Queue interface {
	Dequeue(ctx context.Context) <-chan model.Notice
	Len(ctx context.Context) int
}

// Broadcaster consumes notices. Notices already buffered when one arrives
// are folded into the same refresh, since one snapshot taken after all of
// them reflects every mutation they announce.
type Broadcaster struct {
	queue     Queue
	refresher Refresher
	hub       Hub
	name      string

	attempts   int
	retryDelay time.Duration
	maxDelay   time.Duration

	shutdown chan struct{}
	done     chan struct{}
	once     sync.Once

	logger logger.Logger
}

// NewBroadcaster creates a broadcaster worker.
func NewBroadcaster(q Queue, r Refresher, h Hub, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		queue:      q,
		refresher:  r,
		hub:        h,
		name:       "broadcaster",
		attempts:   defaultAttempts,
		retryDelay: defaultRetryDelay,
		maxDelay:   defaultMaxDelay,
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
		logger:     logger.Get(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.Named(b.name)
	return b
}

// Run consumes notices until the queue closes, Stop is called or ctx ends.
func (b *Broadcaster) Run(ctx context.Context) {
	defer close(b.done)

	notices := b.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.shutdown:
			return
		case n, ok := <-notices:
			if !ok {
				return
			}
			metrics.RecordQueueDequeue()
			folded, open := b.drain(notices)
			if err := b.process(ctx, n, folded); err != nil {
				b.logger.Error(ctx, "broadcast failed", logger.Error(err))
			}
			if !open {
				return
			}
		}
	}
}

// drain empties whatever is already buffered. It reports how many notices
// were folded and whether the channel is still open.
func (b *Broadcaster) drain(notices <-chan model.Notice) (int, bool) {
	folded := 0
	for {
		select {
		case _, ok := <-notices:
			if !ok {
				return folded, false
			}
			metrics.RecordQueueDequeue()
			folded++
		default:
			return folded, true
		}
	}
}

// process refreshes the snapshot and broadcasts it.
func (b *Broadcaster) process(ctx context.Context, n model.Notice, folded int) error {
	start := time.Now()
	defer func() {
		metrics.RecordWorkerProcessingLatency(float64(time.Since(start).Microseconds()) / 1000.0)
		metrics.UpdateQueueSize(b.queue.Len(ctx))
	}()
	if folded > 0 {
		metrics.RecordNoticesCoalesced(folded)
	}

	var (
		snap model.Snapshot
		err  error
	)
	// The refresh stays pending until it succeeds. After the fast attempts
	// the delay is capped at maxDelay.
	for attempt := 1; ; attempt++ {
		snap, err = b.refresher.Refresh(ctx)
		if err == nil {
			break
		}
		switch {
		case attempt < b.attempts:
			b.logger.Warn(ctx, "refresh failed",
				logger.Int("attempt", attempt), logger.String("entity_id", n.EntityID), logger.Error(err))
		case attempt == b.attempts:
			metrics.RecordWorkerError()
			metrics.RecordErrorByComponent("broadcaster", "refresh")
			b.logger.Error(ctx, "refresh still failing, broadcast pending",
				logger.Int("attempt", attempt), logger.String("entity_id", n.EntityID), logger.Error(err))
		default:
			b.logger.Debug(ctx, "pending refresh failed", logger.Int("attempt", attempt), logger.Error(err))
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("refresh after %s of %s: %w", n.Kind, n.EntityID, ctx.Err())
		case <-b.shutdown:
			return fmt.Errorf("refresh after %s of %s abandoned at shutdown: %w", n.Kind, n.EntityID, err)
		case <-time.After(b.backoff(attempt)):
		}
	}

	reached := b.hub.Broadcast(snap)
	b.logger.Debug(ctx, "snapshot broadcast",
		logger.Uint64("generation", snap.Generation),
		logger.Int("subscribers", reached),
		logger.Int("coalesced", folded),
		logger.String("kind", string(n.Kind)),
	)
	return nil
}

// backoff returns the wait before the next refresh attempt.
func (b *Broadcaster) backoff(attempt int) time.Duration {
	d := b.retryDelay * time.Duration(attempt)
	if d > b.maxDelay {
		return b.maxDelay
	}
	return d
}

func (b *Broadcaster) signal() {
	b.once.Do(func() { close(b.shutdown) })
}

// Stop signals the worker to exit and waits for it.
func (b *Broadcaster) Stop(ctx context.Context) error {
	b.signal()
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s stop: %w", b.name, ctx.Err())
	}
}

// Done is closed when Run returns.
func (b *Broadcaster) Done() <-chan struct{} { return b.done }

// Pool runs several broadcasters over one queue.
type Pool struct {
	workers []*Broadcaster
	queue   Queue
	logger  logger.Logger
}

// NewPool creates workerCount broadcasters. Fewer than one means one.
func NewPool(workerCount int, q Queue, r Refresher, h Hub, opts ...Option) *Pool {
	if workerCount < 1 {
		workerCount = 1
	}
	p := &Pool{
		workers: make([]*Broadcaster, workerCount),
		queue:   q,
		logger:  logger.Get().Named("broadcaster-pool"),
	}
	for i := range p.workers {
		wopts := append([]Option{WithName("broadcaster-" + strconv.Itoa(i))}, opts...)
		p.workers[i] = NewBroadcaster(q, r, h, wopts...)
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Start launches every worker.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		go w.Run(ctx)
	}
	metrics.UpdateWorkerCount(len(p.workers))
}

// Shutdown closes the queue, lets the workers drain it and waits for them.
func (p *Pool) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	var timedOut int
	for i, w := range p.workers {
		select {
		case <-w.Done():
		case <-ctx.Done():
			// A worker stuck on a pending refresh gives up now.
			w.signal()
			timedOut++
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
		}
	}
	metrics.UpdateWorkerCount(0)
	if timedOut > 0 {
		return fmt.Errorf("%d broadcaster(s) did not stop: %w", timedOut, ctx.Err())
	}
	return nil
}
