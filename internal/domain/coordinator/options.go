package coordinator

import (
	"time"

	"github.com/okian/podium/internal/domain/points"
	"github.com/okian/podium/pkg/logger"
)

// Option applies a configuration option to the Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithPolicy sets how many points a claim awards.
func WithPolicy(p points.Policy) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.policy = p
		}
	}
}

// WithNotifier sets where "ranking changed" notices go.
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) {
		if n != nil {
			c.notify = n
		}
	}
}

// WithMutationTimeout bounds how long a single mutation may take once
// started. Non-positive values are ignored.
func WithMutationTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}
