package ivf

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/ivfgo/distance"
)

// clusteredVectors builds n vectors in `groups` tight, well-separated
// clusters and returns the flattened data plus the group of each row.
func clusteredVectors(t *testing.T, n, dim, groups int, seed int64) ([]float32, []int) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	vecs := make([]float32, 0, n*dim)
	membership := make([]int, n)
	for i := 0; i < n; i++ {
		g := i % groups
		membership[i] = g
		for d := 0; d < dim; d++ {
			vecs = append(vecs, float32(g)*100+rng.Float32())
		}
	}
	return vecs, membership
}

func TestDefaultNumPartitions(t *testing.T) {
	assert.Equal(t, 1, DefaultNumPartitions(0))
	assert.Equal(t, 1, DefaultNumPartitions(1))
	assert.Equal(t, 10, DefaultNumPartitions(100))
	assert.Equal(t, 11, DefaultNumPartitions(101))
	assert.Equal(t, 100, DefaultNumPartitions(10000))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{NumPartitions: 0, Dim: 4})
	assert.Error(t, err)

	_, err = New(Config{NumPartitions: 2, Dim: 0})
	assert.Error(t, err)
}

func TestTrainAssign(t *testing.T) {
	ctx := context.Background()
	vecs, membership := clusteredVectors(t, 400, 8, 4, 1)

	p, err := New(Config{NumPartitions: 4, Dim: 8, Metric: distance.MetricL2, Seed: 7})
	require.NoError(t, err)
	require.False(t, p.Trained())

	require.NoError(t, p.Train(ctx, vecs))
	require.True(t, p.Trained())
	assert.Len(t, p.Centroids(), 4*8)

	parts, err := p.Assign(ctx, vecs)
	require.NoError(t, err)
	require.Len(t, parts, 400)

	// Rows from the same group land in the same partition, rows from
	// different groups in different ones.
	groupPart := map[int]uint32{}
	for i, g := range membership {
		if seen, ok := groupPart[g]; ok {
			assert.Equal(t, seen, parts[i])
		} else {
			groupPart[g] = parts[i]
		}
	}
	distinct := map[uint32]bool{}
	for _, part := range groupPart {
		distinct[part] = true
	}
	assert.Len(t, distinct, 4)
}

func TestTrain_TooFewRows(t *testing.T) {
	p, err := New(Config{NumPartitions: 8, Dim: 2, Metric: distance.MetricL2})
	require.NoError(t, err)
	err = p.Train(context.Background(), []float32{1, 2, 3, 4})
	assert.Error(t, err)
}

func TestTrain_Deterministic(t *testing.T) {
	ctx := context.Background()
	vecs, _ := clusteredVectors(t, 256, 4, 4, 2)

	build := func() []float32 {
		p, err := New(Config{NumPartitions: 4, Dim: 4, Metric: distance.MetricL2, Seed: 11, Concurrency: 2})
		require.NoError(t, err)
		require.NoError(t, p.Train(ctx, vecs))
		return p.Centroids()
	}

	assert.Equal(t, build(), build())
}

func TestAssign_Cancellation(t *testing.T) {
	ctx := context.Background()
	vecs, _ := clusteredVectors(t, 300, 4, 3, 3)

	p, err := New(Config{NumPartitions: 3, Dim: 4, Metric: distance.MetricL2})
	require.NoError(t, err)
	require.NoError(t, p.Train(ctx, vecs))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = p.Assign(cancelled, vecs)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAssignOne(t *testing.T) {
	ctx := context.Background()
	vecs, _ := clusteredVectors(t, 200, 4, 2, 4)

	p, err := New(Config{NumPartitions: 2, Dim: 4, Metric: distance.MetricL2})
	require.NoError(t, err)

	_, err = p.AssignOne([]float32{1, 2, 3, 4})
	assert.Error(t, err, "untrained partitioner must refuse")

	require.NoError(t, p.Train(ctx, vecs))

	_, err = p.AssignOne([]float32{1, 2})
	assert.Error(t, err, "dimension mismatch must refuse")

	part, err := p.AssignOne(vecs[:4])
	require.NoError(t, err)
	all, err := p.Assign(ctx, vecs)
	require.NoError(t, err)
	assert.Equal(t, all[0], part)
}

func TestRankPartitions(t *testing.T) {
	ctx := context.Background()
	vecs, _ := clusteredVectors(t, 300, 4, 3, 5)

	p, err := New(Config{NumPartitions: 3, Dim: 4, Metric: distance.MetricL2, Seed: 1})
	require.NoError(t, err)
	require.NoError(t, p.Train(ctx, vecs))

	// Probing everything returns each partition exactly once.
	ranked, err := p.RankPartitions([]float32{0, 0, 0, 0}, 3)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint32{0, 1, 2}, ranked)

	// The nearest partition comes first and matches assignment.
	want, err := p.AssignOne(vecs[:4])
	require.NoError(t, err)
	ranked, err = p.RankPartitions(vecs[:4], 1)
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.Equal(t, want, ranked[0])

	// nprobes beyond the partition count is clamped.
	ranked, err = p.RankPartitions(vecs[:4], 100)
	require.NoError(t, err)
	assert.Len(t, ranked, 3)
}

func TestLoad(t *testing.T) {
	centroids := []float32{0, 0, 10, 10}
	p, err := Load(centroids, 2, distance.MetricL2)
	require.NoError(t, err)
	assert.True(t, p.Trained())
	assert.Equal(t, 2, p.NumPartitions())
	assert.Equal(t, 2, p.Dim())

	part, err := p.AssignOne([]float32{9, 9})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), part)

	_, err = Load([]float32{1, 2, 3}, 2, distance.MetricL2)
	assert.Error(t, err)
	_, err = Load(nil, 2, distance.MetricL2)
	assert.Error(t, err)
}
