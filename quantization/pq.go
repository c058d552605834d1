// Package quantization implements product quantization (PQ), the lossy
// vector compression behind the IVF-PQ index.
package quantization

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/ivfgo/distance"
	"github.com/hupe1980/ivfgo/internal/kmeans"
	"github.com/hupe1980/ivfgo/internal/vmath"
)

// DimensionMismatchError reports an input whose dimension does not match
// the quantizer configuration.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("quantization: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// InsufficientDataError reports a training set smaller than the codebook
// size.
type InsufficientDataError struct {
	Required int
	Actual   int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("quantization: insufficient data: need at least %d training vectors, got %d", e.Required, e.Actual)
}

// DefaultNumSubVectors derives the sub-vector count from the dimension:
// D/16 when divisible by 16, D/8 when divisible by 8, otherwise 1.
// The caller is expected to surface a degraded-layout warning for the
// final fallback.
func DefaultNumSubVectors(dim int) int {
	switch {
	case dim%16 == 0:
		return dim / 16
	case dim%8 == 0:
		return dim / 8
	default:
		return 1
	}
}

// Config holds the quantizer parameters.
type Config struct {
	// Dimension is the full vector dimension D. Required.
	Dimension int

	// NumSubVectors is the number of subspaces M. D must be divisible
	// by M. Required.
	NumSubVectors int

	// NumBits sets the codebook size per subspace (K = 2^NumBits).
	// Valid range is 1..8 so one code always fits a byte. Zero
	// applies the default of 8.
	NumBits int

	// Metric is the distance metric served by DistanceTable. Codebooks
	// themselves are always trained with L2 k-means; for cosine the
	// caller must feed L2-normalized vectors.
	Metric distance.Metric

	// MaxIterations bounds the per-subspace k-means. Zero applies 50.
	MaxIterations int

	// Seed makes training reproducible. Subspace m trains with Seed+m.
	Seed int64

	// Concurrency is the worker count for training and encoding.
	// Zero uses GOMAXPROCS.
	Concurrency int
}

// ProductQuantizer splits vectors into M subspaces and quantizes each
// against its own K-centroid codebook, so a vector compresses to M
// byte-sized codes.
type ProductQuantizer struct {
	cfg          Config
	numCentroids int // K = 2^NumBits
	subvectorDim int // D/M

	// codebooks is flattened as M * K * subvectorDim; the codebook of
	// subspace m starts at m*K*subvectorDim.
	codebooks []float32
	trained   bool
}

// NewProductQuantizer validates the configuration and returns an
// untrained quantizer.
func NewProductQuantizer(cfg Config) (*ProductQuantizer, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("quantization: invalid dimension %d", cfg.Dimension)
	}
	if cfg.NumSubVectors <= 0 {
		return nil, fmt.Errorf("quantization: invalid sub-vector count %d", cfg.NumSubVectors)
	}
	if cfg.Dimension%cfg.NumSubVectors != 0 {
		return nil, fmt.Errorf("quantization: dimension %d not divisible by %d sub-vectors", cfg.Dimension, cfg.NumSubVectors)
	}
	if cfg.NumBits == 0 {
		cfg.NumBits = 8
	}
	if cfg.NumBits < 1 || cfg.NumBits > 8 {
		return nil, fmt.Errorf("quantization: num bits %d outside 1..8", cfg.NumBits)
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 50
	}

	return &ProductQuantizer{
		cfg:          cfg,
		numCentroids: 1 << cfg.NumBits,
		subvectorDim: cfg.Dimension / cfg.NumSubVectors,
	}, nil
}

// Train builds one codebook per subspace from the flattened training
// vectors. At least K vectors are required. The context is honored
// between subspaces and inside each k-means run.
func (pq *ProductQuantizer) Train(ctx context.Context, vectors []float32) error {
	if len(vectors)%pq.cfg.Dimension != 0 {
		return fmt.Errorf("quantization: flattened input length %d not a multiple of dimension %d", len(vectors), pq.cfg.Dimension)
	}
	rows := len(vectors) / pq.cfg.Dimension
	if rows < pq.numCentroids {
		return &InsufficientDataError{Required: pq.numCentroids, Actual: rows}
	}

	codebooks := make([]float32, pq.cfg.NumSubVectors*pq.numCentroids*pq.subvectorDim)
	sub := make([]float32, rows*pq.subvectorDim)

	for m := 0; m < pq.cfg.NumSubVectors; m++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Gather the m-th slice of every vector into a contiguous
		// training matrix.
		start := m * pq.subvectorDim
		for i := 0; i < rows; i++ {
			copy(sub[i*pq.subvectorDim:(i+1)*pq.subvectorDim],
				vectors[i*pq.cfg.Dimension+start:i*pq.cfg.Dimension+start+pq.subvectorDim])
		}

		centroids, err := kmeans.Train(ctx, sub, kmeans.Config{
			K:             pq.numCentroids,
			Dim:           pq.subvectorDim,
			Metric:        distance.MetricL2,
			MaxIterations: pq.cfg.MaxIterations,
			Seed:          pq.cfg.Seed + int64(m),
			Init:          kmeans.InitPlusPlus,
			Concurrency:   pq.cfg.Concurrency,
		})
		if err != nil {
			return err
		}
		copy(codebooks[m*pq.numCentroids*pq.subvectorDim:], centroids)
	}

	pq.codebooks = codebooks
	pq.trained = true
	return nil
}

// Encode quantizes flattened vectors into M codes per row. Rows are
// encoded in parallel chunks; ties in centroid distance resolve to the
// lowest code, so output is independent of the worker count.
func (pq *ProductQuantizer) Encode(ctx context.Context, vectors []float32) ([]byte, error) {
	if !pq.trained {
		return nil, fmt.Errorf("quantization: quantizer is not trained")
	}
	if len(vectors)%pq.cfg.Dimension != 0 {
		return nil, fmt.Errorf("quantization: flattened input length %d not a multiple of dimension %d", len(vectors), pq.cfg.Dimension)
	}
	rows := len(vectors) / pq.cfg.Dimension
	codes := make([]byte, rows*pq.cfg.NumSubVectors)
	if rows == 0 {
		return codes, nil
	}

	workers := pq.cfg.Concurrency
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > rows {
		workers = rows
	}

	g, gctx := errgroup.WithContext(ctx)
	chunk := (rows + workers - 1) / workers
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := min(lo+chunk, rows)
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
				pq.encodeRow(vectors[i*pq.cfg.Dimension:(i+1)*pq.cfg.Dimension],
					codes[i*pq.cfg.NumSubVectors:(i+1)*pq.cfg.NumSubVectors])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return codes, nil
}

// EncodeOne quantizes a single vector.
func (pq *ProductQuantizer) EncodeOne(vec []float32) ([]byte, error) {
	if !pq.trained {
		return nil, fmt.Errorf("quantization: quantizer is not trained")
	}
	if len(vec) != pq.cfg.Dimension {
		return nil, &DimensionMismatchError{Expected: pq.cfg.Dimension, Actual: len(vec)}
	}
	codes := make([]byte, pq.cfg.NumSubVectors)
	pq.encodeRow(vec, codes)
	return codes, nil
}

// EncodeOneInto quantizes a single vector into dst, which must hold
// NumSubVectors bytes. The allocation-free variant of EncodeOne for
// encode loops.
func (pq *ProductQuantizer) EncodeOneInto(vec []float32, dst []byte) error {
	if !pq.trained {
		return fmt.Errorf("quantization: quantizer is not trained")
	}
	if len(vec) != pq.cfg.Dimension {
		return &DimensionMismatchError{Expected: pq.cfg.Dimension, Actual: len(vec)}
	}
	if len(dst) != pq.cfg.NumSubVectors {
		return &DimensionMismatchError{Expected: pq.cfg.NumSubVectors, Actual: len(dst)}
	}
	pq.encodeRow(vec, dst)
	return nil
}

func (pq *ProductQuantizer) encodeRow(vec []float32, out []byte) {
	for m := 0; m < pq.cfg.NumSubVectors; m++ {
		subvec := vec[m*pq.subvectorDim : (m+1)*pq.subvectorDim]
		book := pq.codebook(m)

		best := 0
		bestDist := float32(0)
		for k := 0; k < pq.numCentroids; k++ {
			d := vmath.SquaredL2(subvec, book[k*pq.subvectorDim:(k+1)*pq.subvectorDim])
			if k == 0 || d < bestDist {
				bestDist = d
				best = k
			}
		}
		out[m] = byte(best)
	}
}

// Decode reconstructs the approximate vector for one row of codes.
func (pq *ProductQuantizer) Decode(codes []byte) ([]float32, error) {
	if !pq.trained {
		return nil, fmt.Errorf("quantization: quantizer is not trained")
	}
	if len(codes) != pq.cfg.NumSubVectors {
		return nil, &DimensionMismatchError{Expected: pq.cfg.NumSubVectors, Actual: len(codes)}
	}

	out := make([]float32, pq.cfg.Dimension)
	for m, code := range codes {
		book := pq.codebook(m)
		copy(out[m*pq.subvectorDim:(m+1)*pq.subvectorDim],
			book[int(code)*pq.subvectorDim:(int(code)+1)*pq.subvectorDim])
	}
	return out, nil
}

// DistanceTable precomputes the subspace distances from a query to all
// centroids, flattened as M * K. Summing table entries addressed by a
// row's codes yields its approximate distance under the configured
// metric (for cosine the query must be L2-normalized, like the data the
// codebooks were trained on).
func (pq *ProductQuantizer) DistanceTable(query []float32) ([]float32, error) {
	table := make([]float32, pq.cfg.NumSubVectors*pq.numCentroids)
	if err := pq.DistanceTableInto(query, table); err != nil {
		return nil, err
	}
	return table, nil
}

// DistanceTableInto fills a caller-provided table of length M * K.
// The allocation-free variant of DistanceTable for pooled search state.
func (pq *ProductQuantizer) DistanceTableInto(query, table []float32) error {
	if !pq.trained {
		return fmt.Errorf("quantization: quantizer is not trained")
	}
	if len(query) != pq.cfg.Dimension {
		return &DimensionMismatchError{Expected: pq.cfg.Dimension, Actual: len(query)}
	}
	if len(table) != pq.cfg.NumSubVectors*pq.numCentroids {
		return &DimensionMismatchError{Expected: pq.cfg.NumSubVectors * pq.numCentroids, Actual: len(table)}
	}

	for m := 0; m < pq.cfg.NumSubVectors; m++ {
		subvec := query[m*pq.subvectorDim : (m+1)*pq.subvectorDim]
		book := pq.codebook(m)
		row := table[m*pq.numCentroids : (m+1)*pq.numCentroids]

		switch pq.cfg.Metric {
		case distance.MetricDot:
			vmath.DotBatch(subvec, book, pq.subvectorDim, row)
			for k := range row {
				row[k] = -row[k]
			}
		default:
			// L2 and cosine-over-normalized-input both reduce to
			// squared L2 in code space.
			vmath.SquaredL2Batch(subvec, book, pq.subvectorDim, row)
		}
	}
	return nil
}

// ADCDistance sums the table entries selected by codes.
//
// SAFETY: no validation is performed; table must come from
// DistanceTable and codes must hold NumSubVectors entries.
func (pq *ProductQuantizer) ADCDistance(table []float32, codes []byte) float32 {
	return vmath.PqAdcLookup(table, codes, pq.cfg.NumSubVectors, pq.numCentroids)
}

func (pq *ProductQuantizer) codebook(m int) []float32 {
	size := pq.numCentroids * pq.subvectorDim
	return pq.codebooks[m*size : (m+1)*size]
}

// IsTrained returns whether codebooks are available.
func (pq *ProductQuantizer) IsTrained() bool { return pq.trained }

// NumSubVectors returns M.
func (pq *ProductQuantizer) NumSubVectors() int { return pq.cfg.NumSubVectors }

// NumCentroids returns K, the codebook size per subspace.
func (pq *ProductQuantizer) NumCentroids() int { return pq.numCentroids }

// NumBits returns the configured code width.
func (pq *ProductQuantizer) NumBits() int { return pq.cfg.NumBits }

// Dimension returns the full vector dimension D.
func (pq *ProductQuantizer) Dimension() int { return pq.cfg.Dimension }

// SubvectorDim returns D/M.
func (pq *ProductQuantizer) SubvectorDim() int { return pq.subvectorDim }

// BytesPerVector returns the compressed size per vector in bytes.
func (pq *ProductQuantizer) BytesPerVector() int { return pq.cfg.NumSubVectors }

// CompressionRatio returns the theoretical compression ratio over raw
// float32 storage.
func (pq *ProductQuantizer) CompressionRatio() float64 {
	return float64(pq.cfg.Dimension*4) / float64(pq.cfg.NumSubVectors)
}

// Codebooks exposes the flattened codebook matrix (M * K * D/M) for
// persistence. The slice must not be mutated.
func (pq *ProductQuantizer) Codebooks() []float32 { return pq.codebooks }

// SetCodebooks restores codebooks loaded from an artifact.
func (pq *ProductQuantizer) SetCodebooks(codebooks []float32) error {
	want := pq.cfg.NumSubVectors * pq.numCentroids * pq.subvectorDim
	if len(codebooks) != want {
		return &DimensionMismatchError{Expected: want, Actual: len(codebooks)}
	}
	pq.codebooks = codebooks
	pq.trained = true
	return nil
}
