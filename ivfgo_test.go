package ivfgo_test

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/ivfgo"
	"github.com/hupe1980/ivfgo/blobstore"
	"github.com/hupe1980/ivfgo/index"
	"github.com/hupe1980/ivfgo/scalar"
)

const (
	testRows = 300
	testDim  = 32
)

// testSource builds a source with one vector column "embedding" and
// one int column "price". Row ids are sparse on purpose. Coordinates
// are small integers so exact distances are integers and brute-force
// rankings match the index bit for bit.
func testSource(t *testing.T) (*ivfgo.MemorySource, []uint64, []float32) {
	t.Helper()

	rng := rand.New(rand.NewSource(7))
	rowIDs := make([]uint64, testRows)
	vectors := make([]float32, 0, testRows*testDim)
	prices := make([]scalar.Value, testRows)
	for i := range rowIDs {
		rowIDs[i] = uint64(1000 + i*3)
		for d := 0; d < testDim; d++ {
			vectors = append(vectors, float32(rng.Intn(100)))
		}
		prices[i] = scalar.Int(int64(i % 100))
	}

	src := ivfgo.NewMemorySource()
	require.NoError(t, src.AddVectorColumn("embedding", testDim, vectors, rowIDs))
	require.NoError(t, src.AddScalarColumn("price", scalar.KindInt, prices, rowIDs))
	return src, rowIDs, vectors
}

func openDataset(t *testing.T, src ivfgo.Source, opts ...ivfgo.Option) (*ivfgo.Dataset, *blobstore.MemoryStore) {
	t.Helper()

	store := blobstore.NewMemoryStore()
	ds, err := ivfgo.Open(context.Background(), src, store, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close() })
	return ds, store
}

func blobsWithSuffix(t *testing.T, store blobstore.Store, suffix string) []string {
	t.Helper()

	names, err := store.List(context.Background(), "")
	require.NoError(t, err)
	var out []string
	for _, n := range names {
		if strings.HasSuffix(n, suffix) {
			out = append(out, n)
		}
	}
	return out
}

// bruteForceL2 returns the ids of the k rows nearest to query by
// squared euclidean distance, ties by row id, considering only rows
// accepted by keep (nil keeps all).
func bruteForceL2(rowIDs []uint64, vectors []float32, dim int, query []float32, k int, keep func(uint64) bool) []uint64 {
	type cand struct {
		id   uint64
		dist float64
	}
	cands := make([]cand, 0, len(rowIDs))
	for i, id := range rowIDs {
		if keep != nil && !keep(id) {
			continue
		}
		var sum float64
		for d := 0; d < dim; d++ {
			diff := float64(vectors[i*dim+d]) - float64(query[d])
			sum += diff * diff
		}
		cands = append(cands, cand{id: id, dist: sum})
	}
	sort.Slice(cands, func(a, b int) bool {
		if cands[a].dist != cands[b].dist {
			return cands[a].dist < cands[b].dist
		}
		return cands[a].id < cands[b].id
	})
	if len(cands) > k {
		cands = cands[:k]
	}
	ids := make([]uint64, len(cands))
	for i, c := range cands {
		ids[i] = c.id
	}
	return ids
}

// gatedSource blocks vector column reads while the gate is on, so
// tests can observe a build mid-flight.
type gatedSource struct {
	*ivfgo.MemorySource
	gate    atomic.Bool
	started chan struct{}
	release chan struct{}
}

func newGatedSource(inner *ivfgo.MemorySource) *gatedSource {
	return &gatedSource{
		MemorySource: inner,
		started:      make(chan struct{}, 8),
		release:      make(chan struct{}),
	}
}

func (s *gatedSource) ReadVectorColumn(ctx context.Context, name string) (*ivfgo.VectorColumnData, error) {
	if s.gate.Load() {
		select {
		case s.started <- struct{}{}:
		default:
		}
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.MemorySource.ReadVectorColumn(ctx, name)
}

func TestOpenValidatesArguments(t *testing.T) {
	ctx := context.Background()
	src, _, _ := testSource(t)

	var invalid *ivfgo.InvalidParameterError
	_, err := ivfgo.Open(ctx, nil, blobstore.NewMemoryStore())
	require.ErrorAs(t, err, &invalid)

	_, err = ivfgo.Open(ctx, src, nil)
	require.ErrorAs(t, err, &invalid)
}

func TestCreateVectorIndexDefaults(t *testing.T) {
	ctx := context.Background()
	src, _, _ := testSource(t)
	ds, _ := openDataset(t, src)

	report, err := ds.CreateIndex(ctx, index.IvfPq(index.WithSeed(42)))
	require.NoError(t, err)

	assert.Equal(t, "embedding_idx", report.Name)
	assert.Equal(t, "embedding", report.Column)
	assert.Equal(t, index.KindVector, report.Kind)
	assert.Equal(t, testRows, report.Rows)
	assert.Equal(t, 18, report.NumPartitions) // ceil(sqrt(300))
	assert.Equal(t, 2, report.NumSubVectors)  // 32/16
	assert.Equal(t, 8, report.NumBits)
	assert.Positive(t, report.ArtifactBytes)
	assert.Positive(t, report.TotalDuration)

	infos := ds.ListIndices()
	require.Len(t, infos, 1)
	info := infos[0]
	assert.Equal(t, "embedding_idx", info.Name)
	assert.Equal(t, "embedding", info.Column)
	assert.Equal(t, index.StateReady, info.State)
	assert.Equal(t, uint64(testRows), info.Rows)
	require.NotNil(t, info.Vector)
	assert.Equal(t, "L2", info.Vector.Metric)
	assert.Equal(t, testDim, info.Vector.Dimension)
	assert.Equal(t, 18, info.Vector.NumPartitions)
	assert.Equal(t, 256, info.Vector.SampleRate)
	assert.Equal(t, 50, info.Vector.MaxIterations)
	assert.Equal(t, int64(42), info.Vector.Seed)
}

func TestCreateScalarIndex(t *testing.T) {
	ctx := context.Background()
	src, _, _ := testSource(t)
	ds, store := openDataset(t, src)

	report, err := ds.CreateIndex(ctx, index.BTree(), ivfgo.WithIndexColumn("price"))
	require.NoError(t, err)

	assert.Equal(t, "price_idx", report.Name)
	assert.Equal(t, "price", report.Column)
	assert.Equal(t, index.KindBTree, report.Kind)
	assert.Equal(t, testRows, report.Rows)
	assert.Positive(t, report.ArtifactBytes)

	infos := ds.ListIndices()
	require.Len(t, infos, 1)
	require.NotNil(t, infos[0].BTree)
	assert.Equal(t, 4096, infos[0].BTree.BlockSize)

	require.Len(t, blobsWithSuffix(t, store, ".btri"), 1)
}

func TestCreateIndexColumnResolution(t *testing.T) {
	ctx := context.Background()

	var colErr *ivfgo.ColumnResolutionError

	t.Run("no vector column", func(t *testing.T) {
		src := ivfgo.NewMemorySource()
		require.NoError(t, src.AddScalarColumn("price", scalar.KindInt, []scalar.Value{scalar.Int(1)}, []uint64{1}))
		ds, _ := openDataset(t, src)

		_, err := ds.CreateIndex(ctx, index.IvfPq())
		require.ErrorAs(t, err, &colErr)
		assert.ErrorContains(t, err, "no vector column found")
	})

	t.Run("several vector columns", func(t *testing.T) {
		src := ivfgo.NewMemorySource()
		require.NoError(t, src.AddVectorColumn("a", 2, []float32{1, 2}, []uint64{1}))
		require.NoError(t, src.AddVectorColumn("b", 2, []float32{3, 4}, []uint64{1}))
		ds, _ := openDataset(t, src)

		_, err := ds.CreateIndex(ctx, index.IvfPq())
		require.ErrorAs(t, err, &colErr)
		assert.ErrorContains(t, err, "specify the column")
	})

	src, _, _ := testSource(t)
	ds, _ := openDataset(t, src)

	t.Run("scalar requires explicit column", func(t *testing.T) {
		_, err := ds.CreateIndex(ctx, index.BTree())
		require.ErrorAs(t, err, &colErr)
		assert.ErrorContains(t, err, "requires an explicit column")
	})

	t.Run("unknown column", func(t *testing.T) {
		_, err := ds.CreateIndex(ctx, index.IvfPq(), ivfgo.WithIndexColumn("missing"))
		require.ErrorAs(t, err, &colErr)
		assert.ErrorContains(t, err, "does not exist")
	})

	t.Run("vector index on scalar column", func(t *testing.T) {
		_, err := ds.CreateIndex(ctx, index.IvfPq(), ivfgo.WithIndexColumn("price"))
		require.ErrorAs(t, err, &colErr)
		assert.ErrorContains(t, err, "not a vector column")
	})

	t.Run("scalar index on vector column", func(t *testing.T) {
		_, err := ds.CreateIndex(ctx, index.BTree(), ivfgo.WithIndexColumn("embedding"))
		require.ErrorAs(t, err, &colErr)
		assert.ErrorContains(t, err, "not a scalar column")
	})
}

func TestCreateIndexReplace(t *testing.T) {
	ctx := context.Background()
	src, _, _ := testSource(t)
	ds, store := openDataset(t, src)

	_, err := ds.CreateIndex(ctx, index.IvfPq(index.WithSeed(1)))
	require.NoError(t, err)

	before := ds.ListIndices()
	require.Len(t, before, 1)
	artifactsBefore := blobsWithSuffix(t, store, ".ivfq")
	require.Len(t, artifactsBefore, 1)

	// Replacement is on by default: same name, fresh version.
	_, err = ds.CreateIndex(ctx, index.IvfPq(index.WithSeed(2)))
	require.NoError(t, err)

	after := ds.ListIndices()
	require.Len(t, after, 1)
	assert.NotEqual(t, before[0].ID, after[0].ID)

	// The replaced artifact is gone; exactly one remains under a new
	// name.
	artifactsAfter := blobsWithSuffix(t, store, ".ivfq")
	require.Len(t, artifactsAfter, 1)
	assert.NotEqual(t, artifactsBefore[0], artifactsAfter[0])

	// With replacement disabled the collision is an error and the
	// existing index stays.
	_, err = ds.CreateIndex(ctx, index.IvfPq(index.WithSeed(3)), ivfgo.WithReplace(false))
	var exists *ivfgo.IndexExistsError
	require.ErrorAs(t, err, &exists)
	assert.ErrorContains(t, err, "already exists")

	unchanged := ds.ListIndices()
	require.Len(t, unchanged, 1)
	assert.Equal(t, after[0].ID, unchanged[0].ID)
}

func TestCreateIndexNamed(t *testing.T) {
	ctx := context.Background()
	src, _, _ := testSource(t)
	ds, _ := openDataset(t, src)

	report, err := ds.CreateIndex(ctx, index.IvfPq(index.WithSeed(1)), ivfgo.WithIndexName("ann"))
	require.NoError(t, err)
	assert.Equal(t, "ann", report.Name)

	infos := ds.ListIndices()
	require.Len(t, infos, 1)
	assert.Equal(t, "ann", infos[0].Name)
}

func TestCreateIndexBuildInProgress(t *testing.T) {
	ctx := context.Background()
	inner, _, _ := testSource(t)
	src := newGatedSource(inner)
	ds, _ := openDataset(t, src)

	src.gate.Store(true)
	done := make(chan error, 1)
	go func() {
		_, err := ds.CreateIndex(ctx, index.IvfPq(index.WithSeed(1)))
		done <- err
	}()
	<-src.started

	infos := ds.ListIndices()
	require.Len(t, infos, 1)
	assert.Equal(t, index.StateBuilding, infos[0].State)
	assert.Equal(t, "embedding", infos[0].Column)
	assert.Equal(t, index.KindVector, infos[0].Kind)

	// A second build under the same name fails fast instead of
	// queueing, and so does a drop.
	var busy *ivfgo.BuildInProgressError
	_, err := ds.CreateIndex(ctx, index.IvfPq(index.WithSeed(2)))
	require.ErrorAs(t, err, &busy)

	err = ds.DropIndex(ctx, "embedding_idx")
	require.ErrorAs(t, err, &busy)

	close(src.release)
	require.NoError(t, <-done)

	infos = ds.ListIndices()
	require.Len(t, infos, 1)
	assert.Equal(t, index.StateReady, infos[0].State)
}

func TestCreateIndexCancellation(t *testing.T) {
	ctx := context.Background()
	inner, _, _ := testSource(t)
	src := newGatedSource(inner)
	ds, store := openDataset(t, src)

	src.gate.Store(true)
	buildCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		_, err := ds.CreateIndex(buildCtx, index.IvfPq(index.WithSeed(1)))
		done <- err
	}()
	<-src.started

	cancel()
	err := <-done
	require.ErrorIs(t, err, context.Canceled)

	// The registry reverted and nothing reached the store.
	assert.Empty(t, ds.ListIndices())
	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, names)

	// The name is free again.
	src.gate.Store(false)
	_, err = ds.CreateIndex(ctx, index.IvfPq(index.WithSeed(1)))
	require.NoError(t, err)
}

func TestReplaceKeepsServingReaders(t *testing.T) {
	ctx := context.Background()
	inner, _, vectors := testSource(t)
	src := newGatedSource(inner)
	ds, store := openDataset(t, src)

	_, err := ds.CreateIndex(ctx, index.IvfPq(index.WithSeed(1)))
	require.NoError(t, err)
	v1 := ds.ListIndices()[0].ID

	src.gate.Store(true)
	done := make(chan error, 1)
	go func() {
		_, err := ds.CreateIndex(ctx, index.IvfPq(index.WithSeed(2)))
		done <- err
	}()
	<-src.started

	// The name shows up twice mid-replace: the Building version and
	// the Ready one that keeps serving.
	infos := ds.ListIndices()
	require.Len(t, infos, 2)
	assert.Equal(t, index.StateBuilding, infos[0].State)
	assert.Equal(t, index.StateReady, infos[1].State)
	assert.Equal(t, v1, infos[1].ID)

	query := vectors[:testDim]
	results, err := ds.VectorSearch(query).K(3).Execute(ctx)
	require.NoError(t, err)
	require.Len(t, results, 3)

	close(src.release)
	require.NoError(t, <-done)
	src.gate.Store(false)

	infos = ds.ListIndices()
	require.Len(t, infos, 1)
	assert.Equal(t, index.StateReady, infos[0].State)
	assert.NotEqual(t, v1, infos[0].ID)

	// Old artifact cleaned up, searches keep working on the new
	// version.
	require.Len(t, blobsWithSuffix(t, store, ".ivfq"), 1)
	results, err = ds.VectorSearch(query).K(3).Execute(ctx)
	require.NoError(t, err)
	require.Len(t, results, 3)
}

func TestDropIndex(t *testing.T) {
	ctx := context.Background()
	src, _, vectors := testSource(t)
	ds, store := openDataset(t, src)

	_, err := ds.CreateIndex(ctx, index.IvfPq(index.WithSeed(1)))
	require.NoError(t, err)
	_, err = ds.CreateIndex(ctx, index.BTree(), ivfgo.WithIndexColumn("price"))
	require.NoError(t, err)

	require.NoError(t, ds.DropIndex(ctx, "embedding_idx"))

	infos := ds.ListIndices()
	require.Len(t, infos, 1)
	assert.Equal(t, "price_idx", infos[0].Name)
	assert.Empty(t, blobsWithSuffix(t, store, ".ivfq"))

	// Searches no longer route to the dropped index.
	var notFound *ivfgo.IndexNotFoundError
	_, err = ds.VectorSearch(vectors[:testDim]).Execute(ctx)
	require.ErrorAs(t, err, &notFound)

	// Dropping again, or dropping an unknown name, is an error.
	err = ds.DropIndex(ctx, "embedding_idx")
	require.ErrorAs(t, err, &notFound)
	err = ds.DropIndex(ctx, "nope")
	require.ErrorAs(t, err, &notFound)
}

func TestManifestRestore(t *testing.T) {
	ctx := context.Background()
	src, rowIDs, vectors := testSource(t)

	store := blobstore.NewMemoryStore()
	ds, err := ivfgo.Open(ctx, src, store)
	require.NoError(t, err)

	_, err = ds.CreateIndex(ctx, index.IvfPq(index.WithSeed(1)))
	require.NoError(t, err)
	_, err = ds.CreateIndex(ctx, index.BTree(), ivfgo.WithIndexColumn("price"))
	require.NoError(t, err)

	before := ds.ListIndices()
	require.NoError(t, ds.Close())

	// Reopen from the same store; the registry comes back from the
	// manifest and artifacts open lazily. A block cache in front of
	// the store must not change results.
	ds2, err := ivfgo.Open(ctx, src, store, ivfgo.WithBlockCache(1<<20))
	require.NoError(t, err)
	defer ds2.Close()

	assert.Equal(t, before, ds2.ListIndices())

	k := 5
	want := bruteForceL2(rowIDs, vectors, testDim, vectors[:testDim], k, nil)
	results, err := ds2.VectorSearch(vectors[:testDim]).
		K(k).
		NProbes(18).
		RefineFactor(60).
		Execute(ctx)
	require.NoError(t, err)
	got := make([]uint64, len(results))
	for i, r := range results {
		got[i] = r.RowID
	}
	assert.Equal(t, want, got)

	rows, err := ds2.Filter(scalar.Lt(scalar.Int(10))).Column("price").Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), rows.GetCardinality())
}

func TestClosedDataset(t *testing.T) {
	ctx := context.Background()
	src, _, vectors := testSource(t)
	ds, _ := openDataset(t, src)

	_, err := ds.CreateIndex(ctx, index.IvfPq(index.WithSeed(1)))
	require.NoError(t, err)

	require.NoError(t, ds.Close())
	require.NoError(t, ds.Close())

	_, err = ds.CreateIndex(ctx, index.IvfPq(index.WithSeed(1)))
	require.ErrorIs(t, err, ivfgo.ErrClosed)

	err = ds.DropIndex(ctx, "embedding_idx")
	require.ErrorIs(t, err, ivfgo.ErrClosed)

	_, err = ds.VectorSearch(vectors[:testDim]).Execute(ctx)
	require.ErrorIs(t, err, ivfgo.ErrClosed)

	_, err = ds.Filter(scalar.Eq(scalar.Int(1))).Execute(ctx)
	require.ErrorIs(t, err, ivfgo.ErrClosed)

	assert.Empty(t, ds.ListIndices())
}

func TestCreateIndexInsufficientData(t *testing.T) {
	ctx := context.Background()

	src := ivfgo.NewMemorySource()
	rowIDs := make([]uint64, 20)
	vectors := make([]float32, 20*8)
	for i := range rowIDs {
		rowIDs[i] = uint64(i)
		vectors[i*8] = float32(i)
	}
	require.NoError(t, src.AddVectorColumn("embedding", 8, vectors, rowIDs))
	ds, _ := openDataset(t, src)

	// The default 8-bit codebooks need 256 training rows.
	_, err := ds.CreateIndex(ctx, index.IvfPq(index.WithSeed(1)))
	var insufficient *ivfgo.InsufficientDataError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 256, insufficient.Required)
	assert.Equal(t, 20, insufficient.Actual)
	assert.ErrorContains(t, err, "insufficient data")

	// Nothing was published.
	assert.Empty(t, ds.ListIndices())
}

func TestCreateIndexWarnings(t *testing.T) {
	ctx := context.Background()

	const rows, dim = 40, 10
	src := ivfgo.NewMemorySource()
	rng := rand.New(rand.NewSource(3))
	rowIDs := make([]uint64, rows)
	vectors := make([]float32, 0, rows*dim)
	for i := range rowIDs {
		rowIDs[i] = uint64(i)
		for d := 0; d < dim; d++ {
			vectors = append(vectors, rng.Float32())
		}
	}
	require.NoError(t, src.AddVectorColumn("embedding", dim, vectors, rowIDs))
	ds, _ := openDataset(t, src)

	report, err := ds.CreateIndex(ctx, index.IvfPq(
		index.WithSeed(1),
		index.WithNumBits(2),
		index.WithNumPartitions(50),
	))
	require.NoError(t, err)

	// Partition count clamps to the row count, and dimension 10 forces
	// a single sub-vector.
	assert.Equal(t, rows, report.NumPartitions)
	assert.Equal(t, 1, report.NumSubVectors)
	require.NotEmpty(t, report.Warnings)
	joined := strings.Join(report.Warnings, "\n")
	assert.Contains(t, joined, "clamped")
	assert.Contains(t, joined, "divisible by neither")
}

func TestMemoryLimitFailsBuild(t *testing.T) {
	ctx := context.Background()
	src, _, _ := testSource(t)
	ds, _ := openDataset(t, src, ivfgo.WithMemoryLimit(1000))

	// The column alone needs 300*32*4 bytes of training budget.
	_, err := ds.CreateIndex(ctx, index.IvfPq(index.WithSeed(1)))
	require.ErrorContains(t, err, "memory limit")
	assert.Empty(t, ds.ListIndices())
}

func TestMetricsCollector(t *testing.T) {
	ctx := context.Background()
	src, _, vectors := testSource(t)

	metrics := ivfgo.NewBasicMetricsCollector()
	ds, _ := openDataset(t, src, ivfgo.WithMetricsCollector(metrics))

	_, err := ds.CreateIndex(ctx, index.IvfPq(index.WithSeed(1)))
	require.NoError(t, err)
	_, err = ds.CreateIndex(ctx, index.BTree(), ivfgo.WithIndexColumn("price"))
	require.NoError(t, err)

	_, err = ds.VectorSearch(vectors[:testDim]).K(3).Execute(ctx)
	require.NoError(t, err)
	_, err = ds.Filter(scalar.Gte(scalar.Int(50))).Column("price").Execute(ctx)
	require.NoError(t, err)
	require.NoError(t, ds.DropIndex(ctx, "price_idx"))

	snap := metrics.Snapshot()
	assert.Equal(t, int64(2), snap.BuildCount)
	assert.Zero(t, snap.BuildErrors)
	assert.Positive(t, snap.BuildDuration)
	assert.Equal(t, int64(1), snap.SearchCount)
	assert.Equal(t, int64(1), snap.FilterCount)
	assert.Equal(t, int64(1), snap.DropCount)
	assert.Zero(t, snap.DropErrors)
	assert.Equal(t, int64(1), snap.ReadyIndexes)
}

func TestManifestHistory(t *testing.T) {
	ctx := context.Background()
	src, _, _ := testSource(t)
	ds, store := openDataset(t, src, ivfgo.WithManifestHistory(1))

	_, err := ds.CreateIndex(ctx, index.IvfPq(index.WithSeed(1)))
	require.NoError(t, err)
	_, err = ds.CreateIndex(ctx, index.BTree(), ivfgo.WithIndexColumn("price"))
	require.NoError(t, err)
	_, err = ds.CreateIndex(ctx, index.IvfPq(index.WithSeed(2)), ivfgo.WithIndexName("ann"))
	require.NoError(t, err)

	names, err := store.List(ctx, "MANIFEST-")
	require.NoError(t, err)
	assert.Len(t, names, 1)
}
