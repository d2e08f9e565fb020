package topics

import (
	"math"

	"github.com/charcoalwatch/charcoal/pkg/models"
)

// Overlap computes cosine similarity between two fingerprints' keyword-
// weight vectors over the union of their keywords. Returns 0 if either
// vector is empty or zero-magnitude; negative results (impossible with
// non-negative weights, but checked defensively) clamp to 0.
func Overlap(a, b models.Fingerprint) float64 {
	wa := a.KeywordWeights()
	wb := b.KeywordWeights()
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}

	var dot, magA, magB float64
	for kw, v := range wa {
		magA += v * v
		if ov, ok := wb[kw]; ok {
			dot += v * ov
		}
	}
	for _, v := range wb {
		magB += v * v
	}

	if magA == 0 || magB == 0 {
		return 0
	}

	cos := dot / (math.Sqrt(magA) * math.Sqrt(magB))
	if cos < 0 {
		return 0
	}
	if cos > 1 {
		return 1
	}
	return cos
}

// EmbeddingOverlap computes cosine similarity between two 384-dim sentence
// embeddings. Returns 0 if either is empty, of mismatched length, or
// zero-magnitude.
func EmbeddingOverlap(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(magA) * math.Sqrt(magB))
	if cos < 0 {
		return 0
	}
	if cos > 1 {
		return 1
	}
	return cos
}
