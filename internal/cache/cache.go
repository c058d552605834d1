// Package cache holds decoded artifact blocks so repeated probes of
// the same partitions do not re-read the blob store. Entries are
// immutable byte blocks keyed by artifact path and block index.
package cache

import "context"

// Key identifies one cached block of one artifact.
type Key struct {
	// Path is the blob name of the artifact.
	Path string
	// Block is the block index within the artifact.
	Block uint64
}

// BlockCache is a byte-oriented cache for immutable blocks. Returned
// slices must be treated as read-only.
type BlockCache interface {
	// Get returns a cached block, ok=false if missing.
	Get(ctx context.Context, key Key) ([]byte, bool)
	// Set caches a block. The cache may decline (size, memory limits).
	Set(ctx context.Context, key Key, b []byte)
	// Invalidate removes entries matching the predicate.
	Invalidate(predicate func(key Key) bool)
	// Stats returns hit and miss counters.
	Stats() (hits, misses int64)
	// Close releases held memory.
	Close() error
}
