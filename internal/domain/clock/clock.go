// Package clock provides the timestamp source for the event log.
//
// Timestamps follow the Lamport rule applied to wall time: every tick returns
// max(wall, last+1), so the log stays strictly increasing even when the wall
// clock stalls or steps backwards.
package clock

import (
	"sync"
	"time"
)

// Monotonic hands out strictly increasing timestamps. Safe for concurrent use.
type Monotonic struct {
	mu   sync.Mutex
	last int64 // unix nanoseconds of the previous tick
	now  func() time.Time
}

// Option configures a Monotonic clock.
type Option func(*Monotonic)

// WithNow replaces the wall clock source.
func WithNow(now func() time.Time) Option {
	return func(m *Monotonic) {
		if now != nil {
			m.now = now
		}
	}
}

// New returns a clock backed by time.Now.
func New(opts ...Option) *Monotonic {
	m := &Monotonic{now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Tick returns the next timestamp.
func (m *Monotonic) Tick() time.Time {
	wall := m.now().UnixNano()
	m.mu.Lock()
	if wall <= m.last {
		wall = m.last + 1
	}
	m.last = wall
	m.mu.Unlock()
	return time.Unix(0, wall).UTC()
}

// Observe advances the clock past t. Stores call it with the newest
// persisted timestamp when they open, so a restart never reuses a value.
func (m *Monotonic) Observe(t time.Time) {
	v := t.UnixNano()
	m.mu.Lock()
	if v > m.last {
		m.last = v
	}
	m.mu.Unlock()
}

// Last returns the most recent timestamp without advancing the clock.
func (m *Monotonic) Last() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Unix(0, m.last).UTC()
}
