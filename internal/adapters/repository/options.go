package repository

import (
	"time"

	"github.com/okian/podium/internal/domain/clock"
	"github.com/okian/podium/pkg/logger"
)

// options are shared by every Store implementation.
type options struct {
	clock           *clock.Monotonic
	log             logger.Logger
	newID           func() string
	maxOpenConns    int
	connMaxLifetime time.Duration
	retry           retryConfig
}

// Option applies a configuration option to a Store.
type Option func(*options)

// WithClock sets the timestamp source for appended events.
func WithClock(c *clock.Monotonic) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithIDGenerator replaces the uuid generator for entity and event ids.
func WithIDGenerator(gen func() string) Option {
	return func(o *options) {
		if gen != nil {
			o.newID = gen
		}
	}
}

// WithMaxOpenConns caps the SQL connection pool. SQLite always uses one.
func WithMaxOpenConns(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxOpenConns = n
		}
	}
}

// WithConnMaxLifetime sets how long a pooled SQL connection is reused.
func WithConnMaxLifetime(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.connMaxLifetime = d
		}
	}
}

// WithRetry sets the retry budget for transient SQLite errors.
func WithRetry(maxRetries int, baseDelay, maxDelay time.Duration) Option {
	return func(o *options) {
		if maxRetries >= 0 && baseDelay > 0 && maxDelay >= baseDelay {
			o.retry = retryConfig{maxRetries: maxRetries, baseDelay: baseDelay, maxDelay: maxDelay}
		}
	}
}
