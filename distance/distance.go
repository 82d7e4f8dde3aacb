// Package distance provides the dissimilarity kernels used to rank candidate
// poses. All kernels return unrooted values: only relative ordering matters
// for best-match selection, so the square root is never taken.
package distance

// Func computes a dissimilarity between two equal-length vectors.
type Func func(a, b []float32) float32

// SquaredL2 returns the squared Euclidean distance between a and b.
// Assumes equal length (caller's responsibility).
func SquaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// WeightedSquaredL2 returns the per-dimension weighted squared distance
//
//	sum_d (w[d] * (a[d] - b[d]))^2
//
// Assumes equal lengths (caller's responsibility).
func WeightedSquaredL2(a, b, w []float32) float32 {
	var sum float32
	for i := range a {
		d := w[i] * (a[i] - b[i])
		sum += d * d
	}
	return sum
}

// Dot returns the dot product of a and b.
// Assumes equal length (caller's responsibility).
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
