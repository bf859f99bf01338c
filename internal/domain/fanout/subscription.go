package fanout

import (
	"sync"

	"github.com/okian/podium/internal/domain/model"
	"github.com/okian/podium/pkg/metrics"
)

// Subscription is one observer's view of the hub.
type Subscription struct {
	id  string
	hub *Hub

	mu      sync.Mutex
	ch      chan model.Snapshot // capacity 1, only written under mu
	last    uint64
	offered bool
	closed  bool

	done chan struct{}
	once sync.Once
}

// ID returns the subscription id.
func (s *Subscription) ID() string { return s.id }

// C delivers snapshots in strictly increasing generation order. It is never
// closed; select on Done to learn about unsubscription.
func (s *Subscription) C() <-chan model.Snapshot { return s.ch }

// Done is closed once the subscription is removed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close unsubscribes from the hub.
func (s *Subscription) Close() { s.hub.Unsubscribe(s) }

// LastGeneration returns the generation of the newest snapshot offered.
func (s *Subscription) LastGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// offer places snap in the mailbox unless it is not newer than what the
// observer already got. An unread older snapshot is replaced.
func (s *Subscription) offer(snap model.Snapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || (s.offered && snap.Generation <= s.last) {
		return false
	}
	select {
	case <-s.ch:
		metrics.RecordDeliverySuperseded()
	default:
	}
	s.ch <- snap
	s.last = snap.Generation
	s.offered = true
	metrics.RecordDelivery()
	return true
}
