package retrieval

import "math"

// CosineSimilarity returns the cosine of the angle between a and b, in [-1, 1].
// It returns 0 when either vector is empty or zero, or when the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}

	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if math.IsNaN(sim) {
		return 0
	}
	// Rounding can push parallel vectors a hair past 1.
	return math.Max(-1, math.Min(1, sim))
}
