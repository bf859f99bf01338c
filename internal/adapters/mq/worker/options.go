package worker

import (
	"time"

	"github.com/okian/podium/pkg/logger"
)

// Option applies a configuration option to a Broadcaster.
type Option func(*Broadcaster)

// WithName sets the worker name for identification and logging.
func WithName(name string) Option {
	return func(b *Broadcaster) {
		if name != "" {
			b.name = name
		}
	}
}

// WithLogger sets a custom logger for the worker.
func WithLogger(l logger.Logger) Option {
	return func(b *Broadcaster) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithRetry sets how often a failed refresh is retried and the base delay
// between attempts.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(b *Broadcaster) {
		if attempts >= 1 && delay > 0 {
			b.attempts = attempts
			b.retryDelay = delay
		}
	}
}

// WithMaxRetryDelay caps the wait between attempts of a refresh that keeps
// failing.
func WithMaxRetryDelay(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.maxDelay = d
		}
	}
}
