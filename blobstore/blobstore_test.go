package blobstore

import (
	"context"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/ivfgo/internal/cache"
)

// storeUnderTest builds each Store implementation against the same
// conformance checks.
func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()

	local, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	blockCache, err := cache.NewLRUBlockCache(1<<20, nil)
	require.NoError(t, err)
	t.Cleanup(func() { blockCache.Close() })

	return map[string]Store{
		"memory":  NewMemoryStore(),
		"local":   local,
		"caching": NewCachingStore(NewMemoryStore(), blockCache, 64),
	}
}

func TestStoreConformance(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Open(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			data := []byte("ivf partition payload")
			require.NoError(t, store.Put(ctx, "idx/a.ivf", data))
			require.NoError(t, store.Put(ctx, "idx/b.ivf", []byte("other")))
			require.NoError(t, store.Put(ctx, "man/current", []byte("m1")))

			blob, err := store.Open(ctx, "idx/a.ivf")
			require.NoError(t, err)
			assert.Equal(t, int64(len(data)), blob.Size())

			got, err := ReadAll(ctx, blob)
			require.NoError(t, err)
			assert.Equal(t, data, got)
			require.NoError(t, blob.Close())

			names, err := store.List(ctx, "idx/")
			require.NoError(t, err)
			assert.Equal(t, []string{"idx/a.ivf", "idx/b.ivf"}, names)

			all, err := store.List(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 3)

			require.NoError(t, store.Delete(ctx, "idx/a.ivf"))
			_, err = store.Open(ctx, "idx/a.ivf")
			assert.ErrorIs(t, err, ErrNotFound)

			// Deleting twice is fine.
			assert.NoError(t, store.Delete(ctx, "idx/a.ivf"))
		})
	}
}

func TestStoreReadAt(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			data := []byte("0123456789abcdef")
			require.NoError(t, store.Put(ctx, "blob", data))

			blob, err := store.Open(ctx, "blob")
			require.NoError(t, err)
			defer blob.Close()

			buf := make([]byte, 4)
			n, err := blob.ReadAt(ctx, buf, 10)
			require.NoError(t, err)
			assert.Equal(t, 4, n)
			assert.Equal(t, []byte("abcd"), buf)

			// Read crossing the end returns the tail plus EOF.
			n, err = blob.ReadAt(ctx, buf, 14)
			assert.ErrorIs(t, err, io.EOF)
			assert.Equal(t, 2, n)
			assert.Equal(t, []byte("ef"), buf[:n])

			_, err = blob.ReadAt(ctx, buf, 100)
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestStorePutOverwrites(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Put(ctx, "blob", []byte("first version")))
			require.NoError(t, store.Put(ctx, "blob", []byte("second")))

			got, err := Fetch(ctx, store, "blob")
			require.NoError(t, err)
			assert.Equal(t, []byte("second"), got)
		})
	}
}

func TestLocalStoreMappable(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	data := []byte("mapped artifact contents")
	require.NoError(t, store.Put(ctx, "a.ivf", data))

	blob, err := store.Open(ctx, "a.ivf")
	require.NoError(t, err)
	defer blob.Close()

	m, ok := blob.(Mappable)
	require.True(t, ok)

	mapped, err := m.Bytes()
	require.NoError(t, err)
	assert.Equal(t, data, mapped)
}

func TestLocalStorePutLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "deep/nested/blob", []byte("x")))

	var files []string
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, filepath.Base(path))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"blob"}, files)
}

func TestMemoryStoreSnapshotIsolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "blob", []byte("old")))

	blob, err := store.Open(ctx, "blob")
	require.NoError(t, err)
	defer blob.Close()

	require.NoError(t, store.Put(ctx, "blob", []byte("new")))

	// The open handle still sees the version it opened.
	got, err := ReadAll(ctx, blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), got)
}

func TestCachingStoreServesFromCache(t *testing.T) {
	blockCache, err := cache.NewLRUBlockCache(1<<20, nil)
	require.NoError(t, err)
	defer blockCache.Close()

	inner := NewMemoryStore()
	store := NewCachingStore(inner, blockCache, 64)

	ctx := context.Background()
	data := make([]byte, 1000)
	rng := rand.New(rand.NewSource(1))
	rng.Read(data)
	require.NoError(t, store.Put(ctx, "blob", data))

	blob, err := store.Open(ctx, "blob")
	require.NoError(t, err)
	defer blob.Close()

	buf := make([]byte, 300)
	n, err := blob.ReadAt(ctx, buf, 100)
	require.NoError(t, err)
	assert.Equal(t, data[100:400], buf[:n])

	// Same range again: all blocks cached now.
	hitsBefore, _ := blockCache.Stats()
	n, err = blob.ReadAt(ctx, buf, 100)
	require.NoError(t, err)
	assert.Equal(t, data[100:400], buf[:n])

	hitsAfter, _ := blockCache.Stats()
	assert.Greater(t, hitsAfter, hitsBefore)
}

func TestCachingStoreUnalignedReads(t *testing.T) {
	blockCache, err := cache.NewLRUBlockCache(1<<20, nil)
	require.NoError(t, err)
	defer blockCache.Close()

	store := NewCachingStore(NewMemoryStore(), blockCache, 16)

	ctx := context.Background()
	data := make([]byte, 259) // not a multiple of the block size
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, store.Put(ctx, "blob", data))

	blob, err := store.Open(ctx, "blob")
	require.NoError(t, err)
	defer blob.Close()

	for _, tc := range []struct{ off, n int }{
		{0, 259}, {1, 31}, {15, 2}, {250, 9}, {128, 100},
	} {
		buf := make([]byte, tc.n)
		n, err := blob.ReadAt(ctx, buf, int64(tc.off))
		require.NoError(t, err, "off=%d n=%d", tc.off, tc.n)
		assert.Equal(t, data[tc.off:tc.off+tc.n], buf[:n])
	}
}

func TestCachingStoreInvalidatesOnPut(t *testing.T) {
	blockCache, err := cache.NewLRUBlockCache(1<<20, nil)
	require.NoError(t, err)
	defer blockCache.Close()

	store := NewCachingStore(NewMemoryStore(), blockCache, 16)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "blob", []byte("version-one-data")))

	blob, err := store.Open(ctx, "blob")
	require.NoError(t, err)
	_, err = ReadAll(ctx, blob)
	require.NoError(t, err)
	blob.Close()

	require.NoError(t, store.Put(ctx, "blob", []byte("version-two-data")))

	got, err := Fetch(ctx, store, "blob")
	require.NoError(t, err)
	assert.Equal(t, []byte("version-two-data"), got)
}
