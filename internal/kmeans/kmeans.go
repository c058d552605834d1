// Package kmeans implements Lloyd's algorithm over flattened float32
// vectors. It backs both the IVF partitioner and the per-subspace
// codebook training of the product quantizer.
package kmeans

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/ivfgo/distance"
)

// ErrNotEnoughVectors is returned by Train when fewer vectors than
// clusters are supplied.
var ErrNotEnoughVectors = errors.New("kmeans: not enough vectors for requested clusters")

// InitMethod selects the centroid seeding strategy.
type InitMethod int

const (
	// InitRandom seeds centroids from a random permutation of the input.
	InitRandom InitMethod = iota
	// InitPlusPlus seeds centroids with k-means++ (spread proportional to
	// squared distance). Slower to seed, converges in fewer iterations.
	InitPlusPlus
)

// Config controls a training run. All fields with zero values receive
// defaults in Train, except K and Dim which are mandatory.
type Config struct {
	K             int
	Dim           int
	Metric        distance.Metric
	MaxIterations int // default 50
	Seed          int64
	Init          InitMethod
	Concurrency   int // workers for the assignment step; default GOMAXPROCS
}

// Train runs Lloyd's algorithm and returns flattened centroids (K * Dim).
// Training is deterministic for a fixed Config: the RNG is seeded, the
// assignment step resolves distance ties to the lowest centroid index,
// and per-worker partial sums are merged in worker order.
//
// The context is checked once per iteration; a cancelled context aborts
// with its error and no partial result.
func Train(ctx context.Context, vectors []float32, cfg Config) ([]float32, error) {
	n := len(vectors) / cfg.Dim
	if n < cfg.K {
		return nil, ErrNotEnoughVectors
	}

	distFunc, err := distance.Provider(cfg.Metric)
	if err != nil {
		return nil, err
	}

	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = 50
	}
	workers := cfg.Concurrency
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > n {
		workers = n
	}

	rng := rand.New(rand.NewSource(cfg.Seed))

	var centroids []float32
	switch cfg.Init {
	case InitPlusPlus:
		centroids = initPlusPlus(rng, vectors, cfg.Dim, cfg.K, distFunc)
	default:
		centroids = initRandom(rng, vectors, cfg.Dim, cfg.K)
	}

	assignments := make([]int, n)
	for i := range assignments {
		assignments[i] = -1
	}

	// Per-worker accumulators are merged in worker order after each
	// round, so no locking is needed and results stay reproducible.
	partials := make([]partial, workers)
	for w := range partials {
		partials[w] = partial{
			sums:   make([]float32, cfg.K*cfg.Dim),
			counts: make([]int, cfg.K),
		}
	}

	counts := make([]int, cfg.K)
	sums := make([]float32, cfg.K*cfg.Dim)

	for iter := 0; iter < maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		g, gctx := errgroup.WithContext(ctx)
		chunk := (n + workers - 1) / workers
		for w := 0; w < workers; w++ {
			lo := w * chunk
			hi := min(lo+chunk, n)
			if lo >= hi {
				partials[w].reset()
				continue
			}
			p := &partials[w]
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				p.reset()
				for i := lo; i < hi; i++ {
					vec := vectors[i*cfg.Dim : (i+1)*cfg.Dim]
					best := nearest(vec, centroids, cfg.Dim, cfg.K, distFunc)
					if assignments[i] != best {
						assignments[i] = best
						p.changed = true
					}
					p.counts[best]++
					s := p.sums[best*cfg.Dim : (best+1)*cfg.Dim]
					for d, v := range vec {
						s[d] += v
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		changed := false
		clear(counts)
		clear(sums)
		for w := range partials {
			p := &partials[w]
			changed = changed || p.changed
			for j, c := range p.counts {
				counts[j] += c
			}
			for j, s := range p.sums {
				sums[j] += s
			}
		}

		if !changed {
			break
		}

		for j := 0; j < cfg.K; j++ {
			if counts[j] > 0 {
				scale := 1.0 / float32(counts[j])
				for d := 0; d < cfg.Dim; d++ {
					centroids[j*cfg.Dim+d] = sums[j*cfg.Dim+d] * scale
				}
			} else {
				// Re-seed empty cluster from a random point. The RNG is
				// only consumed in this sequential phase, keeping the
				// run reproducible.
				idx := rng.Intn(n)
				copy(centroids[j*cfg.Dim:(j+1)*cfg.Dim], vectors[idx*cfg.Dim:(idx+1)*cfg.Dim])
			}
		}
	}

	return centroids, nil
}

// TrainKMeans trains k centroids from the given vectors using Lloyd's
// algorithm with random seeding. It returns the flattened centroids
// (k * dim), or nil when there are fewer vectors than clusters.
func TrainKMeans(ctx context.Context, vectors []float32, dim int, k int, metric distance.Metric, maxIter int) ([]float32, error) {
	centroids, err := Train(ctx, vectors, Config{
		K:             k,
		Dim:           dim,
		Metric:        metric,
		MaxIterations: maxIter,
	})
	if errors.Is(err, ErrNotEnoughVectors) {
		return nil, nil
	}
	return centroids, err
}

type partial struct {
	sums    []float32
	counts  []int
	changed bool
}

func (p *partial) reset() {
	clear(p.sums)
	clear(p.counts)
	p.changed = false
}

func initRandom(rng *rand.Rand, vectors []float32, dim, k int) []float32 {
	n := len(vectors) / dim
	centroids := make([]float32, k*dim)
	perm := rng.Perm(n)
	for i := 0; i < k; i++ {
		copy(centroids[i*dim:(i+1)*dim], vectors[perm[i]*dim:(perm[i]+1)*dim])
	}
	return centroids
}

func initPlusPlus(rng *rand.Rand, vectors []float32, dim, k int, distFunc distance.Func) []float32 {
	n := len(vectors) / dim
	centroids := make([]float32, 0, k*dim)

	first := rng.Intn(n)
	centroids = append(centroids, vectors[first*dim:(first+1)*dim]...)

	// minDist[i] tracks the squared distance from point i to its nearest
	// chosen centroid so far.
	minDist := make([]float64, n)
	for i := 0; i < n; i++ {
		minDist[i] = float64(distFunc(vectors[i*dim:(i+1)*dim], centroids[:dim]))
	}

	for len(centroids)/dim < k {
		var total float64
		for _, d := range minDist {
			total += d
		}

		var next int
		if total <= 0 {
			// All remaining points coincide with chosen centroids.
			next = rng.Intn(n)
		} else {
			target := rng.Float64() * total
			var cum float64
			for i, d := range minDist {
				cum += d
				if cum >= target {
					next = i
					break
				}
			}
		}

		start := len(centroids)
		centroids = append(centroids, vectors[next*dim:(next+1)*dim]...)
		added := centroids[start : start+dim]
		for i := 0; i < n; i++ {
			if d := float64(distFunc(vectors[i*dim:(i+1)*dim], added)); d < minDist[i] {
				minDist[i] = d
			}
		}
	}

	return centroids
}

// nearest returns the index of the closest centroid, resolving ties to
// the lowest index via the strict comparison over an ascending scan.
func nearest(vec, centroids []float32, dim, k int, distFunc distance.Func) int {
	best := -1
	minDist := float32(math.MaxFloat32)
	for j := 0; j < k; j++ {
		d := distFunc(vec, centroids[j*dim:(j+1)*dim])
		if d < minDist {
			minDist = d
			best = j
		}
	}
	return best
}

// AssignPartition finds the closest centroid for a vector.
func AssignPartition(vec []float32, centroids []float32, dim int, metric distance.Metric) (int, error) {
	distFunc, err := distance.Provider(metric)
	if err != nil {
		return -1, err
	}
	return nearest(vec, centroids, dim, len(centroids)/dim, distFunc), nil
}

type centroidDist struct {
	id   int
	dist float32
}

// FindClosestCentroids returns the indices of the n closest centroids to
// the query vector, ordered by ascending distance with ties broken by
// centroid index.
func FindClosestCentroids(query []float32, centroids []float32, dim int, n int, metric distance.Metric) ([]int, error) {
	k := len(centroids) / dim
	if n > k {
		n = k
	}

	distFunc, err := distance.Provider(metric)
	if err != nil {
		return nil, err
	}

	dists := make([]centroidDist, k)
	for i := 0; i < k; i++ {
		dists[i] = centroidDist{id: i, dist: distFunc(query, centroids[i*dim:(i+1)*dim])}
	}

	sort.Slice(dists, func(i, j int) bool {
		if dists[i].dist != dists[j].dist {
			return dists[i].dist < dists[j].dist
		}
		return dists[i].id < dists[j].id
	})

	result := make([]int, n)
	for i := 0; i < n; i++ {
		result[i] = dists[i].id
	}

	return result, nil
}

// Sample returns up to maxRows vectors drawn without replacement using a
// partial Fisher-Yates shuffle. When the input already fits it is
// returned as-is. The draw is deterministic for a given rng state.
func Sample(rng *rand.Rand, vectors []float32, dim, maxRows int) []float32 {
	n := len(vectors) / dim
	if n <= maxRows {
		return vectors
	}

	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	out := make([]float32, 0, maxRows*dim)
	for i := 0; i < maxRows; i++ {
		j := i + rng.Intn(n-i)
		idx[i], idx[j] = idx[j], idx[i]
		out = append(out, vectors[idx[i]*dim:(idx[i]+1)*dim]...)
	}
	return out
}
