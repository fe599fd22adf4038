package segment

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// CosineSimilarity computes the cosine similarity between two embedding
// vectors: the dot product divided by the product of the magnitudes, in
// [-1, 1] where 1 means identical direction.
//
// Vectors of different (or zero) lengths and zero-magnitude vectors yield 0,
// which no caller treats as a match under any sane threshold.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	af := make([]float64, len(a))
	bf := make([]float64, len(b))
	for i := range a {
		af[i] = float64(a[i])
		bf[i] = float64(b[i])
	}

	dot := floats.Dot(af, bf)
	magA := math.Sqrt(floats.Dot(af, af))
	magB := math.Sqrt(floats.Dot(bf, bf))
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (magA * magB)
}
