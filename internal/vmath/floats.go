// Package vmath provides the float32 kernels used by the distance,
// clustering and quantization packages. The heavy lifting is delegated
// to github.com/viterin/vek, which dispatches to AVX2/NEON at runtime
// and falls back to pure Go on other platforms.
package vmath

import (
	"math"

	"github.com/viterin/vek/vek32"
)

// Dot calculates the dot product of two vectors.
//
// SAFETY: assumes len(a) == len(b). No bounds checks are performed;
// callers must ensure lengths match.
func Dot(a, b []float32) float32 {
	return vek32.Dot(a, b)
}

// SquaredL2 calculates the squared L2 (Euclidean) distance between a and b.
//
// SAFETY: assumes len(a) == len(b). No bounds checks are performed;
// callers must ensure lengths match.
func SquaredL2(a, b []float32) float32 {
	d := vek32.Distance(a, b)
	return d * d
}

// SquaredL2Batch calculates squared L2 distances between query and a
// flattened array of vectors. targets holds len(out) vectors of the
// given dimension; out[i] receives the distance to vector i.
func SquaredL2Batch(query, targets []float32, dim int, out []float32) {
	if dim <= 0 || len(query) < dim {
		return
	}
	q := query[:dim]
	n := min(len(out), len(targets)/dim)
	for i := 0; i < n; i++ {
		out[i] = SquaredL2(q, targets[i*dim:(i+1)*dim])
	}
}

// DotBatch calculates dot products between query and a flattened array
// of vectors, mirroring SquaredL2Batch.
func DotBatch(query, targets []float32, dim int, out []float32) {
	if dim <= 0 || len(query) < dim {
		return
	}
	q := query[:dim]
	n := min(len(out), len(targets)/dim)
	for i := 0; i < n; i++ {
		out[i] = vek32.Dot(q, targets[i*dim:(i+1)*dim])
	}
}

// Norm returns the L2 norm of v.
func Norm(v []float32) float32 {
	return float32(math.Sqrt(float64(vek32.Dot(v, v))))
}

// ScaleInPlace multiplies all elements of a by scalar.
func ScaleInPlace(a []float32, scalar float32) {
	vek32.MulNumber_Inplace(a, scalar)
}

// AddInPlace adds b to a element-wise. Used by clustering to fold
// per-worker partial sums into centroid accumulators.
//
// SAFETY: assumes len(a) == len(b).
func AddInPlace(a, b []float32) {
	vek32.Add_Inplace(a, b)
}

// PqAdcLookup sums precomputed subspace distances for one encoded vector.
// table is a flattened m x k matrix, codes holds m entries indexing into
// their respective rows. There is no vectorized gather in vek, so this
// stays a scalar loop.
func PqAdcLookup(table []float32, codes []byte, m, k int) float32 {
	var sum float32
	for i := 0; i < m; i++ {
		sum += table[i*k+int(codes[i])]
	}
	return sum
}

// ArgMin returns the index of the smallest element and its value.
// Ties resolve to the lowest index. Returns (-1, +Inf) for empty input.
func ArgMin(vals []float32) (int, float32) {
	best := -1
	bestVal := float32(math.Inf(1))
	for i, v := range vals {
		if v < bestVal {
			best = i
			bestVal = v
		}
	}
	return best, bestVal
}
