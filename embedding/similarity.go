package embedding

import (
	"fmt"
	"math"
)

// DotProduct calculates the inner product between two vectors.
// For normalized vectors, this equals cosine similarity.
func DotProduct(a, b []float32) (float32, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have same length: %d != %d", len(a), len(b))
	}
	if len(a) == 0 {
		return 0, fmt.Errorf("vectors must not be empty")
	}

	var result float32
	for i := range a {
		result += a[i] * b[i]
	}
	return result, nil
}

// Magnitude calculates the L2 norm of a vector.
func Magnitude(v []float32) float32 {
	var sum float64
	for _, val := range v {
		sum += float64(val) * float64(val)
	}
	return float32(math.Sqrt(sum))
}

// Normalize returns a unit-length copy of v.
// A zero vector is returned unchanged, since it has no direction to preserve.
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	NormalizeInPlace(out)
	return out
}

// NormalizeInPlace scales v to unit length. Zero vectors are left as is.
func NormalizeInPlace(v []float32) {
	norm := Magnitude(v)
	if norm == 0 {
		return
	}
	for i := range v {
		v[i] /= norm
	}
}
