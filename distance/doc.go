// Package distance provides vector distance calculations with SIMD acceleration.
//
// All functions return ranking scores where smaller means closer:
//
//   - MetricL2: squared Euclidean distance (default)
//   - MetricCosine: 1 - cosine similarity
//   - MetricDot: negated dot product
//
// # Usage
//
//	dist := distance.SquaredL2(a, b)
//	fn, err := distance.Provider(distance.MetricCosine)
//	normalized, ok := distance.NormalizeL2Copy(vec)
package distance
