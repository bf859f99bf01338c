package ratelimit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "podium:ratelimit:"

// Redis is a fixed-window limiter shared through Redis. Each window is one
// counter key that expires with the window.
type Redis struct {
	client redis.UniversalClient
	cfg    Config
	prefix string
}

// RedisOption configures a Redis limiter.
type RedisOption func(*Redis)

// WithKeyPrefix sets the prefix of every counter key.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// NewRedis creates a limiter on client.
func NewRedis(client redis.UniversalClient, cfg Config, opts ...RedisOption) (*Redis, error) {
	if client == nil {
		return nil, fmt.Errorf("redis limiter: nil client")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Redis{client: client, cfg: cfg, prefix: defaultKeyPrefix}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Allow counts one request for key.
func (r *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	k := r.prefix + key
	n, err := r.client.Incr(ctx, k).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("redis incr: %w", err)
	}
	if n == 1 {
		if err := r.client.PExpire(ctx, k, r.cfg.Window).Err(); err != nil {
			return Decision{}, fmt.Errorf("redis pexpire: %w", err)
		}
	}
	if n <= int64(r.cfg.Limit) {
		return Decision{Allowed: true, Remaining: r.cfg.Limit - int(n)}, nil
	}

	ttl, err := r.client.PTTL(ctx, k).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("redis pttl: %w", err)
	}
	if ttl < 0 {
		// The key lost its expiry; restart the window.
		if err := r.client.PExpire(ctx, k, r.cfg.Window).Err(); err != nil {
			return Decision{}, fmt.Errorf("redis pexpire: %w", err)
		}
		ttl = r.cfg.Window
	}
	return Decision{RetryAfter: ttl}, nil
}

// Ping reports whether Redis is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
