// Package queue carries "ranking changed" notices from the mutation path to
// the broadcaster workers.
//
// The queue is bounded and never blocks a mutation. A notice that does not
// fit can be dropped: a full queue already holds a pending notice, and the
// refresh it triggers runs after the dropped mutation committed.
package queue

import (
	"context"
	"sync"

	"github.com/okian/podium/internal/domain/model"
	"github.com/okian/podium/pkg/metrics"
)

const defaultQueueCapacity = 1024

// Queue provides non-blocking enqueue and channel-based dequeue semantics.
type Queue interface {
	// Publish adds a notice. It fails with ErrFull or ErrClosed instead of
	// blocking.
	Publish(ctx context.Context, n model.Notice) error
	// Enqueue adds a notice. Returns false if the queue is full or closed.
	Enqueue(ctx context.Context, n model.Notice) bool
	// Dequeue returns the channel workers receive from. It is closed by Close.
	Dequeue(ctx context.Context) <-chan model.Notice
	// Len returns the number of pending notices.
	Len(ctx context.Context) int
	Close() error
	IsClosed() bool
}

// InMemoryQueue implements Queue using a buffered channel.
type InMemoryQueue struct {
	notices  chan model.Notice
	capacity int

	mu     sync.RWMutex
	closed bool
}

var _ Queue = (*InMemoryQueue)(nil)

// NewInMemoryQueue creates a queue with the configured capacity.
func NewInMemoryQueue(opts ...Option) *InMemoryQueue {
	q := &InMemoryQueue{capacity: defaultQueueCapacity}
	for _, opt := range opts {
		opt(q)
	}
	q.notices = make(chan model.Notice, q.capacity)

	metrics.UpdateQueueCapacity(q.capacity)
	metrics.UpdateQueueSize(0)
	return q
}

// Publish adds a notice without blocking.
func (q *InMemoryQueue) Publish(ctx context.Context, n model.Notice) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		metrics.RecordErrorByComponent("queue", "closed")
		return ErrClosed
	}
	select {
	case q.notices <- n:
		metrics.RecordQueueEnqueue()
		metrics.UpdateQueueSize(len(q.notices))
		return nil
	case <-ctx.Done():
		metrics.RecordErrorByComponent("queue", "context_cancelled")
		return ctx.Err()
	default:
		metrics.RecordQueueDrop()
		return ErrFull
	}
}

// Enqueue adds a notice without blocking and reports whether it was queued.
func (q *InMemoryQueue) Enqueue(ctx context.Context, n model.Notice) bool {
	return q.Publish(ctx, n) == nil
}

// Dequeue returns the underlying channel so consumers can drain it.
func (q *InMemoryQueue) Dequeue(ctx context.Context) <-chan model.Notice {
	return q.notices
}

// Len returns the number of pending notices.
func (q *InMemoryQueue) Len(ctx context.Context) int {
	size := len(q.notices)
	metrics.UpdateQueueSize(size)
	return size
}

// Capacity returns the configured capacity.
func (q *InMemoryQueue) Capacity() int { return q.capacity }

// Close stops accepting notices. Pending notices stay readable until the
// channel is drained.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	close(q.notices)
	q.closed = true
	return nil
}

// IsClosed returns true if the queue has been closed.
func (q *InMemoryQueue) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
