// Package ratelimit bounds how often a client may claim points.
//
// Both limiters count requests in fixed windows per key. The in-memory one
// is per process; the Redis one is shared by every replica using the same
// Redis.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Config is the limit applied to every key.
type Config struct {
	// Limit is the number of requests allowed per window. Must be > 0.
	Limit int
	// Window is the length of one counting window. Must be > 0.
	Window time.Duration
}

// Validate checks that both fields are positive.
func (c Config) Validate() error {
	if c.Limit <= 0 {
		return fmt.Errorf("rate limit must be > 0 (got %d)", c.Limit)
	}
	if c.Window <= 0 {
		return fmt.Errorf("rate window must be > 0 (got %s)", c.Window)
	}
	return nil
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration // zero when allowed
}

// Limiter decides whether a request for key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

type bucket struct {
	count     int
	windowEnd time.Time
}

// InMemory is a fixed-window limiter kept in process memory.
type InMemory struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

// InMemoryOption configures an InMemory limiter.
type InMemoryOption func(*InMemory)

// WithNow sets the time source.
func WithNow(now func() time.Time) InMemoryOption {
	return func(l *InMemory) {
		if now != nil {
			l.now = now
		}
	}
}

// NewInMemory creates an in-memory limiter.
func NewInMemory(cfg Config, opts ...InMemoryOption) (*InMemory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &InMemory{cfg: cfg, now: time.Now, buckets: make(map[string]*bucket)}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Allow counts one request for key.
func (l *InMemory) Allow(ctx context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok || !now.Before(b.windowEnd) {
		l.buckets[key] = &bucket{count: 1, windowEnd: now.Add(l.cfg.Window)}
		return Decision{Allowed: true, Remaining: l.cfg.Limit - 1}, nil
	}
	if b.count < l.cfg.Limit {
		b.count++
		return Decision{Allowed: true, Remaining: l.cfg.Limit - b.count}, nil
	}
	return Decision{RetryAfter: b.windowEnd.Sub(now)}, nil
}

// Cleanup removes expired buckets.
func (l *InMemory) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, b := range l.buckets {
		if !now.Before(b.windowEnd) {
			delete(l.buckets, key)
		}
	}
}

// Len returns the number of tracked keys.
func (l *InMemory) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// RunCleanup calls Cleanup every interval until ctx ends.
func (l *InMemory) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * l.cfg.Window
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Cleanup()
		}
	}
}
