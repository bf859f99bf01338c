// Package dedupe remembers the outcome of idempotent claims.
package dedupe

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/okian/podium/internal/domain/model"
	"github.com/okian/podium/pkg/metrics"
)

// MaxKeyLength is the longest idempotency key accepted.
const MaxKeyLength = 128

// ClaimFunc performs the claim guarded by a key.
type ClaimFunc func(ctx context.Context) (model.ClaimResult, error)

// Cache maps idempotency keys to claim results.
type Cache interface {
	// Do runs fn at most once per key. A repeated key for the same entity
	// returns the stored result with Replayed set; concurrent callers with
	// the same key share one execution. A key already used for a different
	// entity fails with model.ErrInvalidInput. Failed claims are not stored.
	// An empty key runs fn unconditionally.
	Do(ctx context.Context, key, entityID string, fn ClaimFunc) (model.ClaimResult, error)

	// Forget drops key so the next request with it runs again.
	Forget(ctx context.Context, key string)

	Size() int64
}

// node is one entry of the insertion-ordered list.
type node struct {
	key      string
	entityID string
	result   model.ClaimResult
	stored   time.Time
	prev     *node
	next     *node
}

func (n *node) reset() {
	*n = node{}
}

type outcome struct {
	result model.ClaimResult
	replay bool
}

// inMemoryCache keeps at most maxSize entries and evicts the oldest first.
type inMemoryCache struct {
	mu      sync.Mutex
	entries map[string]*node
	pending map[string]string // key -> entity id of the running claim
	head    *node             // newest
	tail    *node             // oldest
	maxSize int
	ttl     time.Duration
	now     func() time.Time
	size    atomic.Int64

	group    singleflight.Group
	nodePool sync.Pool
}

// NewInMemoryCache creates a bounded in-memory cache.
func NewInMemoryCache(opts ...Option) Cache {
	c := &inMemoryCache{
		maxSize: 10000,
		now:     time.Now,
		entries: make(map[string]*node),
		pending: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.nodePool = sync.Pool{New: func() any { return &node{} }}
	return c
}

func (c *inMemoryCache) Do(ctx context.Context, key, entityID string, fn ClaimFunc) (model.ClaimResult, error) {
	if key == "" {
		return fn(ctx)
	}
	if len(key) > MaxKeyLength {
		return model.ClaimResult{}, model.Invalid("idempotency key longer than %d bytes", MaxKeyLength)
	}

	c.mu.Lock()
	if n := c.lookup(key); n != nil {
		c.mu.Unlock()
		return replay(n.entityID, n.result, key, entityID)
	}
	if owner, ok := c.pending[key]; ok && owner != entityID {
		c.mu.Unlock()
		return model.ClaimResult{}, conflict(key)
	}
	c.pending[key] = entityID
	c.mu.Unlock()

	ran := false
	v, err, _ := c.group.Do(key, func() (any, error) {
		ran = true
		defer c.clearPending(key)

		// An earlier flight for key may have finished after the check above.
		c.mu.Lock()
		if n := c.lookup(key); n != nil {
			c.mu.Unlock()
			if n.entityID != entityID {
				return nil, conflict(key)
			}
			return outcome{result: n.result, replay: true}, nil
		}
		c.mu.Unlock()

		res, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		c.record(key, entityID, res)
		return outcome{result: res}, nil
	})
	if err != nil {
		return model.ClaimResult{}, err
	}

	o := v.(outcome)
	o.result.Replayed = o.replay || !ran
	if o.result.Replayed {
		metrics.RecordIdempotentReplay()
	}
	return o.result, nil
}

func replay(owner string, res model.ClaimResult, key, entityID string) (model.ClaimResult, error) {
	if owner != entityID {
		return model.ClaimResult{}, conflict(key)
	}
	metrics.RecordIdempotentReplay()
	res.Replayed = true
	return res, nil
}

func conflict(key string) error {
	return model.Invalid("idempotency key %q was used for another entity", key)
}

func (c *inMemoryCache) clearPending(key string) {
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
}

// lookup returns the live entry for key. Must be called with c.mu held.
func (c *inMemoryCache) lookup(key string) *node {
	n, ok := c.entries[key]
	if !ok {
		return nil
	}
	if c.ttl > 0 && c.now().Sub(n.stored) > c.ttl {
		c.unlink(n)
		return nil
	}
	return n
}

func (c *inMemoryCache) record(key, entityID string, res model.ClaimResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.unlink(old)
	}
	if c.maxSize > 0 && len(c.entries) >= c.maxSize && c.tail != nil {
		c.unlink(c.tail)
	}

	n := c.nodePool.Get().(*node)
	n.key, n.entityID, n.result, n.stored = key, entityID, res, c.now()
	n.next = c.head
	if c.head != nil {
		c.head.prev = n
	}
	c.head = n
	if c.tail == nil {
		c.tail = n
	}
	c.entries[key] = n
	c.size.Add(1)
}

// unlink removes n from the list and the map. Must be called with c.mu held.
func (c *inMemoryCache) unlink(n *node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		c.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		c.tail = n.prev
	}
	delete(c.entries, n.key)
	n.reset()
	c.nodePool.Put(n)
	c.size.Add(-1)
}

func (c *inMemoryCache) Forget(ctx context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.entries[key]; ok {
		c.unlink(n)
	}
}

func (c *inMemoryCache) Size() int64 {
	return c.size.Load()
}
