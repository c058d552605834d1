package cache

import (
	"context"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hupe1980/ivfgo/internal/resource"
)

const minBlockEstimate = 512

// LRUBlockCache bounds cached blocks by total bytes. The underlying
// LRU evicts by entry count; the byte budget is enforced on Set by
// dropping oldest entries first. If a resource.Controller is given,
// cached bytes count against its memory limit and a denied reservation
// skips caching.
type LRUBlockCache struct {
	capacity int64
	size     atomic.Int64
	inner    *lru.Cache[Key, []byte]
	rc       *resource.Controller

	// mu serializes Set and Invalidate so size bookkeeping stays
	// consistent with evictions. Get goes through lock-free.
	mu sync.Mutex

	hits   atomic.Int64
	misses atomic.Int64
}

// NewLRUBlockCache creates a cache holding at most capacity bytes.
func NewLRUBlockCache(capacity int64, rc *resource.Controller) (*LRUBlockCache, error) {
	c := &LRUBlockCache{capacity: capacity, rc: rc}

	// The entry bound only has to be generous enough that the byte
	// budget, not the count, is the binding constraint.
	maxEntries := int(capacity / minBlockEstimate)
	if maxEntries < 16 {
		maxEntries = 16
	}

	inner, err := lru.NewWithEvict[Key, []byte](maxEntries, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.inner = inner
	return c, nil
}

func (c *LRUBlockCache) onEvict(_ Key, value []byte) {
	n := int64(len(value))
	c.size.Add(-n)
	c.rc.ReleaseMemory(n)
}

// Get returns a cached block.
func (c *LRUBlockCache) Get(_ context.Context, key Key) ([]byte, bool) {
	if v, ok := c.inner.Get(key); ok {
		c.hits.Add(1)
		return v, true
	}
	c.misses.Add(1)
	return nil, false
}

// Set caches a block. Blocks larger than the whole budget are not
// cached at all.
func (c *LRUBlockCache) Set(_ context.Context, key Key, b []byte) {
	itemSize := int64(len(b))
	if itemSize == 0 || itemSize > c.capacity {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Replacing re-adds under fresh accounting.
	c.inner.Remove(key)

	for c.size.Load()+itemSize > c.capacity {
		if _, _, ok := c.inner.RemoveOldest(); !ok {
			break
		}
	}

	if err := c.rc.AcquireMemory(itemSize); err != nil {
		return
	}

	c.inner.Add(key, b)
	c.size.Add(itemSize)
}

// Invalidate removes entries matching the predicate.
func (c *LRUBlockCache) Invalidate(predicate func(key Key) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range c.inner.Keys() {
		if predicate(key) {
			c.inner.Remove(key)
		}
	}
}

// Stats returns hit and miss counts since creation.
func (c *LRUBlockCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Size returns the cached byte total.
func (c *LRUBlockCache) Size() int64 {
	return c.size.Load()
}

// Close drops all entries, returning their memory to the controller.
func (c *LRUBlockCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Purge()
	return nil
}
