// Package fanout delivers ranking snapshots to connected observers.
//
// Every subscription owns a one-slot mailbox. A newer snapshot replaces one
// the observer has not read yet, and a snapshot whose generation is not
// newer than the last one offered is discarded. Observers therefore see a
// strictly increasing sequence of generations, and a slow observer only
// ever holds one pending snapshot without slowing anybody else down.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/okian/podium/internal/domain/model"
	"github.com/okian/podium/pkg/logger"
	"github.com/okian/podium/pkg/metrics"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("hub closed")

// SnapshotSource provides the snapshot a new subscription starts with.
type SnapshotSource interface {
	Current(ctx context.Context) (model.Snapshot, error)
}

// Hub tracks the active subscriptions.
type Hub struct {
	source SnapshotSource
	log    logger.Logger

	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(l logger.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

// NewHub creates a hub whose new subscriptions start from source.
func NewHub(source SnapshotSource, opts ...Option) *Hub {
	h := &Hub{
		source: source,
		log:    logger.Get().Named("fanout"),
		subs:   make(map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a new observer and offers it the current snapshot.
//
// The subscription is registered before the snapshot is fetched, so a
// broadcast racing with Subscribe is never lost; if that broadcast is newer
// than the fetched snapshot, the fetched one is discarded.
func (h *Hub) Subscribe(ctx context.Context) (*Subscription, error) {
	sub := &Subscription{
		id:   uuid.NewString(),
		hub:  h,
		ch:   make(chan model.Snapshot, 1),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.subs[sub.id] = sub
	n := len(h.subs)
	h.mu.Unlock()
	metrics.UpdateSubscriberCount(n)

	snap, err := h.source.Current(ctx)
	if err != nil {
		h.Unsubscribe(sub)
		return nil, fmt.Errorf("initial snapshot: %w", err)
	}
	sub.offer(snap)

	h.log.Debug(ctx, "subscribed",
		logger.String("subscription_id", sub.id),
		logger.Uint64("generation", snap.Generation),
		logger.Int("subscribers", n),
	)
	return sub, nil
}

// Unsubscribe removes sub. Calling it more than once is a no-op.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.once.Do(func() {
		h.mu.Lock()
		delete(h.subs, sub.id)
		n := len(h.subs)
		h.mu.Unlock()

		sub.mu.Lock()
		sub.closed = true
		close(sub.done)
		sub.mu.Unlock()

		metrics.UpdateSubscriberCount(n)
	})
}

// Broadcast offers snap to every active subscription and returns how many
// accepted it. It never blocks on an observer.
func (h *Hub) Broadcast(snap model.Snapshot) int {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	accepted := 0
	for _, s := range subs {
		if s.offer(snap) {
			accepted++
		}
	}
	metrics.RecordBroadcast(len(subs))
	return accepted
}

// ReportDeliveryFailure is called by the transport when writing to an
// observer failed. The failure is logged and the subscription removed; it
// never reaches the mutation that produced the snapshot.
func (h *Hub) ReportDeliveryFailure(ctx context.Context, sub *Subscription, err error) {
	if sub == nil {
		return
	}
	metrics.RecordDeliveryError()
	metrics.RecordErrorByComponent("fanout", "delivery")
	h.log.Warn(ctx, "observer dropped",
		logger.String("subscription_id", sub.id),
		logger.Error(fmt.Errorf("%w: %w", model.ErrBroadcastDelivery, err)),
	)
	h.Unsubscribe(sub)
}

// Count returns the number of active subscriptions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close unsubscribes everyone and rejects new subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		h.Unsubscribe(s)
	}
}
