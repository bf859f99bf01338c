package dedupe

import "time"

// Option applies a configuration option to the in-memory cache.
type Option func(*inMemoryCache)

// WithMaxSize sets the maximum number of keys kept. Zero or negative keeps
// every key.
func WithMaxSize(maxSize int) Option {
	return func(c *inMemoryCache) {
		c.maxSize = maxSize
	}
}

// WithTTL expires keys older than ttl. Zero keeps them until evicted.
func WithTTL(ttl time.Duration) Option {
	return func(c *inMemoryCache) {
		if ttl >= 0 {
			c.ttl = ttl
		}
	}
}

// WithNow sets the time source used for expiry.
func WithNow(now func() time.Time) Option {
	return func(c *inMemoryCache) {
		if now != nil {
			c.now = now
		}
	}
}
