// Package distance provides public API for vector distance calculations.
// All distance functions are ranking scores where smaller means closer,
// backed by SIMD-accelerated kernels from internal/vmath.
package distance

import (
	"fmt"
	"slices"
	"strings"

	"github.com/hupe1980/ivfgo/internal/vmath"
)

// Dot calculates the dot product of two vectors.
// Assumes vectors are the same length (caller's responsibility).
func Dot(a, b []float32) float32 {
	return vmath.Dot(a, b)
}

// SquaredL2 calculates the squared L2 (Euclidean) distance between two
// vectors. The square root is never taken: it preserves ordering and is
// what the index stores and returns for the L2 metric.
// Assumes vectors are the same length (caller's responsibility).
func SquaredL2(a, b []float32) float32 {
	return vmath.SquaredL2(a, b)
}

// NegativeDot returns the negated dot product, turning inner-product
// similarity into a distance (smaller is closer).
func NegativeDot(a, b []float32) float32 {
	return -vmath.Dot(a, b)
}

// Cosine returns the cosine distance 1 - cos(a, b).
// A zero-norm input yields distance 1 (treated as orthogonal).
func Cosine(a, b []float32) float32 {
	na := vmath.Norm(a)
	nb := vmath.Norm(b)
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - vmath.Dot(a, b)/(na*nb)
}

// NormalizeL2InPlace L2-normalizes v in place.
// Returns false if v has zero L2 norm.
func NormalizeL2InPlace(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	norm := vmath.Norm(v)
	if norm == 0 {
		return false
	}
	vmath.ScaleInPlace(v, 1/norm)
	return true
}

// NormalizeL2Copy returns a normalized copy of src.
// Returns false if src has zero L2 norm.
func NormalizeL2Copy(src []float32) ([]float32, bool) {
	dst := slices.Clone(src)
	if !NormalizeL2InPlace(dst) {
		return nil, false
	}
	return dst, true
}

// Metric represents the distance metric used for vector comparison.
type Metric int

const (
	MetricL2 Metric = iota
	MetricCosine
	MetricDot
)

func (m Metric) String() string {
	switch m {
	case MetricL2:
		return "L2"
	case MetricCosine:
		return "Cosine"
	case MetricDot:
		return "Dot"
	default:
		return fmt.Sprintf("Unknown(%d)", m)
	}
}

// ParseMetric converts a metric name back into a Metric. It accepts the
// String() forms case-insensitively.
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(s) {
	case "l2", "euclidean":
		return MetricL2, nil
	case "cosine":
		return MetricCosine, nil
	case "dot":
		return MetricDot, nil
	default:
		return 0, fmt.Errorf("unknown metric %q", s)
	}
}

// Func is a function type for distance calculation.
type Func func(a, b []float32) float32

// Provider returns the distance function for the given metric.
func Provider(m Metric) (Func, error) {
	switch m {
	case MetricL2:
		return SquaredL2, nil
	case MetricCosine:
		return Cosine, nil
	case MetricDot:
		return NegativeDot, nil
	default:
		return nil, fmt.Errorf("unsupported metric: %v", m)
	}
}
