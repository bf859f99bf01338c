// Package points decides how many points a claim awards.
package points

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Default award range, inclusive.
const (
	DefaultMin int64 = 1
	DefaultMax int64 = 10
)

// Policy returns the delta for one claim. Implementations must be safe for
// concurrent use and always return a positive value.
type Policy interface {
	Next() int64
}

// Option applies a configuration option to the RandomPolicy.
type Option func(*RandomPolicy)

// WithRange sets the inclusive award range. Invalid ranges are ignored.
func WithRange(lo, hi int64) Option {
	return func(p *RandomPolicy) {
		if lo >= 1 && hi >= lo {
			p.min, p.max = lo, hi
		}
	}
}

// WithSeed makes the sequence deterministic.
func WithSeed(seed int64) Option {
	return func(p *RandomPolicy) {
		p.rng = rand.New(rand.NewSource(seed)) //nolint:gosec // not used for security
	}
}

// RandomPolicy awards a uniformly random integer in [min, max].
type RandomPolicy struct {
	mu  sync.Mutex
	rng *rand.Rand
	min int64
	max int64
}

// NewRandomPolicy creates a policy over [DefaultMin, DefaultMax].
func NewRandomPolicy(opts ...Option) *RandomPolicy {
	p := &RandomPolicy{
		min: DefaultMin,
		max: DefaultMax,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // not used for security
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Next returns the next delta.
func (p *RandomPolicy) Next() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.min + p.rng.Int63n(p.max-p.min+1)
}

// Range returns the inclusive bounds.
func (p *RandomPolicy) Range() (int64, int64) { return p.min, p.max }

// String implements fmt.Stringer.
func (p *RandomPolicy) String() string { return fmt.Sprintf("uniform[%d,%d]", p.min, p.max) }

// Fixed always awards the same amount. Useful for deterministic tests and
// load runs.
type Fixed int64

// Next returns the fixed delta.
func (f Fixed) Next() int64 { return int64(f) }
