package cache

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/ivfgo/internal/resource"
)

func TestLRUBlockCache_GetSet(t *testing.T) {
	c, err := NewLRUBlockCache(1024, nil)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	key := Key{Path: "idx/vec.ivf", Block: 3}

	_, ok := c.Get(ctx, key)
	assert.False(t, ok)

	c.Set(ctx, key, []byte("block-data"))

	got, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, []byte("block-data"), got)

	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestLRUBlockCache_ByteBudgetEviction(t *testing.T) {
	c, err := NewLRUBlockCache(100, nil)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	block := make([]byte, 40)

	for i := 0; i < 3; i++ {
		c.Set(ctx, Key{Path: "a", Block: uint64(i)}, block)
	}

	// Three 40-byte blocks exceed 100 bytes; the oldest is gone.
	_, ok := c.Get(ctx, Key{Path: "a", Block: 0})
	assert.False(t, ok)

	_, ok = c.Get(ctx, Key{Path: "a", Block: 2})
	assert.True(t, ok)

	assert.LessOrEqual(t, c.Size(), int64(100))
}

func TestLRUBlockCache_OversizedBlockNotCached(t *testing.T) {
	c, err := NewLRUBlockCache(64, nil)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	c.Set(ctx, Key{Path: "a", Block: 0}, make([]byte, 65))

	_, ok := c.Get(ctx, Key{Path: "a", Block: 0})
	assert.False(t, ok)
	assert.Zero(t, c.Size())
}

func TestLRUBlockCache_Replace(t *testing.T) {
	c, err := NewLRUBlockCache(1024, nil)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	key := Key{Path: "a", Block: 0}

	c.Set(ctx, key, make([]byte, 100))
	c.Set(ctx, key, make([]byte, 10))

	assert.Equal(t, int64(10), c.Size())

	got, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Len(t, got, 10)
}

func TestLRUBlockCache_Invalidate(t *testing.T) {
	c, err := NewLRUBlockCache(4096, nil)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		c.Set(ctx, Key{Path: "keep", Block: uint64(i)}, []byte{1})
		c.Set(ctx, Key{Path: "drop", Block: uint64(i)}, []byte{2})
	}

	c.Invalidate(func(key Key) bool { return key.Path == "drop" })

	for i := 0; i < 4; i++ {
		_, ok := c.Get(ctx, Key{Path: "drop", Block: uint64(i)})
		assert.False(t, ok)

		_, ok = c.Get(ctx, Key{Path: "keep", Block: uint64(i)})
		assert.True(t, ok)
	}
	assert.Equal(t, int64(4), c.Size())
}

func TestLRUBlockCache_ResourceAccounting(t *testing.T) {
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 100})

	c, err := NewLRUBlockCache(1024, rc)
	require.NoError(t, err)

	ctx := context.Background()
	c.Set(ctx, Key{Path: "a", Block: 0}, make([]byte, 60))
	assert.Equal(t, int64(60), rc.MemoryUsage())

	// Controller denies the reservation, so the block is not cached.
	c.Set(ctx, Key{Path: "a", Block: 1}, make([]byte, 60))
	_, ok := c.Get(ctx, Key{Path: "a", Block: 1})
	assert.False(t, ok)
	assert.Equal(t, int64(60), rc.MemoryUsage())

	// Close returns everything.
	require.NoError(t, c.Close())
	assert.Equal(t, int64(0), rc.MemoryUsage())
}

func TestLRUBlockCache_CloseReleasesAll(t *testing.T) {
	c, err := NewLRUBlockCache(4096, nil)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		c.Set(ctx, Key{Path: fmt.Sprintf("p%d", i), Block: 0}, make([]byte, 16))
	}
	assert.Equal(t, int64(128), c.Size())

	require.NoError(t, c.Close())
	assert.Zero(t, c.Size())
}
