// Package ivf implements the inverted-file partitioner behind the
// vector index: a k-means clustering of the dataset whose centroids
// route vectors (at build time) and queries (at search time) to
// partitions.
package ivf

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/ivfgo/distance"
	"github.com/hupe1980/ivfgo/internal/kmeans"
)

const (
	// DefaultSampleRate is the number of training vectors drawn per
	// partition when sampling the dataset for k-means.
	DefaultSampleRate = 256

	// DefaultMaxIterations bounds the k-means refinement loop.
	DefaultMaxIterations = 50
)

// DefaultNumPartitions derives the partition count from the dataset
// size: the square root of the row count, at least one.
func DefaultNumPartitions(rows int) int {
	if rows <= 1 {
		return 1
	}
	return int(math.Ceil(math.Sqrt(float64(rows))))
}

// Config holds the partitioner training parameters.
type Config struct {
	// NumPartitions is the number of inverted lists. Required.
	NumPartitions int

	// Dim is the vector dimension. Required.
	Dim int

	// Metric is the distance metric shared with the index.
	Metric distance.Metric

	// SampleRate caps the training set at SampleRate*NumPartitions
	// vectors. Zero applies DefaultSampleRate.
	SampleRate int

	// MaxIterations bounds Lloyd's algorithm. Zero applies
	// DefaultMaxIterations.
	MaxIterations int

	// Seed makes training reproducible.
	Seed int64

	// Concurrency is the worker count for assignment phases.
	// Zero uses GOMAXPROCS.
	Concurrency int
}

// Partitioner routes vectors to their nearest centroid.
type Partitioner struct {
	cfg       Config
	centroids []float32
}

// New creates an untrained partitioner. Train must be called before
// Assign or RankPartitions.
func New(cfg Config) (*Partitioner, error) {
	if cfg.NumPartitions <= 0 {
		return nil, fmt.Errorf("ivf: invalid partition count %d", cfg.NumPartitions)
	}
	if cfg.Dim <= 0 {
		return nil, fmt.Errorf("ivf: invalid dimension %d", cfg.Dim)
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	return &Partitioner{cfg: cfg}, nil
}

// Load restores a trained partitioner from persisted centroids.
func Load(centroids []float32, dim int, metric distance.Metric) (*Partitioner, error) {
	if dim <= 0 || len(centroids) == 0 || len(centroids)%dim != 0 {
		return nil, fmt.Errorf("ivf: malformed centroids (len %d, dim %d)", len(centroids), dim)
	}
	return &Partitioner{
		cfg: Config{
			NumPartitions: len(centroids) / dim,
			Dim:           dim,
			Metric:        metric,
		},
		centroids: centroids,
	}, nil
}

// Train clusters a sample of the given vectors into NumPartitions
// centroids. The sample draw and the clustering are both seeded, so a
// fixed Config yields identical centroids. The caller is responsible
// for clamping NumPartitions to the row count beforehand.
func (p *Partitioner) Train(ctx context.Context, vectors []float32) error {
	rows := len(vectors) / p.cfg.Dim
	if rows < p.cfg.NumPartitions {
		return fmt.Errorf("ivf: %d vectors cannot fill %d partitions", rows, p.cfg.NumPartitions)
	}

	rng := rand.New(rand.NewSource(p.cfg.Seed))
	sample := kmeans.Sample(rng, vectors, p.cfg.Dim, p.cfg.SampleRate*p.cfg.NumPartitions)

	centroids, err := kmeans.Train(ctx, sample, kmeans.Config{
		K:             p.cfg.NumPartitions,
		Dim:           p.cfg.Dim,
		Metric:        p.cfg.Metric,
		MaxIterations: p.cfg.MaxIterations,
		Seed:          p.cfg.Seed,
		Init:          kmeans.InitPlusPlus,
		Concurrency:   p.cfg.Concurrency,
	})
	if err != nil {
		return err
	}

	p.centroids = centroids
	return nil
}

// Trained reports whether centroids are available.
func (p *Partitioner) Trained() bool { return p.centroids != nil }

// NumPartitions returns the partition count.
func (p *Partitioner) NumPartitions() int { return p.cfg.NumPartitions }

// Dim returns the vector dimension.
func (p *Partitioner) Dim() int { return p.cfg.Dim }

// Centroids exposes the flattened centroid matrix for persistence.
// The slice must not be mutated.
func (p *Partitioner) Centroids() []float32 { return p.centroids }

// AssignOne returns the partition of a single vector.
func (p *Partitioner) AssignOne(vec []float32) (uint32, error) {
	if !p.Trained() {
		return 0, fmt.Errorf("ivf: partitioner is not trained")
	}
	if len(vec) != p.cfg.Dim {
		return 0, fmt.Errorf("ivf: vector dimension %d does not match %d", len(vec), p.cfg.Dim)
	}
	id, err := kmeans.AssignPartition(vec, p.centroids, p.cfg.Dim, p.cfg.Metric)
	if err != nil {
		return 0, err
	}
	return uint32(id), nil
}

// Assign maps every vector to its nearest centroid. The work is split
// across workers; ties resolve to the lowest partition index, so the
// result is independent of the worker count.
func (p *Partitioner) Assign(ctx context.Context, vectors []float32) ([]uint32, error) {
	if !p.Trained() {
		return nil, fmt.Errorf("ivf: partitioner is not trained")
	}
	n := len(vectors) / p.cfg.Dim
	out := make([]uint32, n)
	if n == 0 {
		return out, nil
	}

	workers := p.cfg.Concurrency
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > n {
		workers = n
	}

	distFunc, err := distance.Provider(p.cfg.Metric)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	chunk := (n + workers - 1) / workers
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := min(lo+chunk, n)
		if lo >= hi {
			continue
		}
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				if i%1024 == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				vec := vectors[i*p.cfg.Dim : (i+1)*p.cfg.Dim]
				best := 0
				bestDist := float32(math.MaxFloat32)
				for j := 0; j < p.cfg.NumPartitions; j++ {
					d := distFunc(vec, p.centroids[j*p.cfg.Dim:(j+1)*p.cfg.Dim])
					if d < bestDist {
						bestDist = d
						best = j
					}
				}
				out[i] = uint32(best)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// RankPartitions returns up to nprobes partition ids ordered by
// ascending centroid distance from the query, ties broken by partition
// index.
func (p *Partitioner) RankPartitions(query []float32, nprobes int) ([]uint32, error) {
	if !p.Trained() {
		return nil, fmt.Errorf("ivf: partitioner is not trained")
	}
	ids, err := kmeans.FindClosestCentroids(query, p.centroids, p.cfg.Dim, nprobes, p.cfg.Metric)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, len(ids))
	for i, id := range ids {
		out[i] = uint32(id)
	}
	return out, nil
}
