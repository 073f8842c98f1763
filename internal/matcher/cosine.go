package matcher

import "math"

// CosineDistance returns 1 - cosine similarity of a and b, accumulated in
// float64: 0 for identical directions, up to 2 for opposite ones. Mismatched
// lengths, empty input and zero vectors all score the maximum distance so a
// malformed embedding can never rank as a match.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2.0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 2.0
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Rounding can push the ratio a hair past ±1.
	if sim > 1 {
		sim = 1
	}
	if sim < -1 {
		sim = -1
	}

	return 1 - sim
}
