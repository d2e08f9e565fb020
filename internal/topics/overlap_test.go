package topics

import (
	"math"
	"testing"

	"github.com/charcoalwatch/charcoal/pkg/models"
)

func fingerprintOf(clusters ...models.TopicCluster) models.Fingerprint {
	return models.Fingerprint{Clusters: clusters}
}

func TestOverlapSelfComparisonIsOne(t *testing.T) {
	fp := fingerprintOf(
		models.TopicCluster{Label: "a / b / c", Keywords: []string{"a", "b", "c"}, Weight: 0.6},
		models.TopicCluster{Label: "d / e", Keywords: []string{"d", "e"}, Weight: 0.4},
	)
	got := Overlap(fp, fp)
	if math.Abs(got-1.0) > 1e-3 {
		t.Fatalf("cosine(f,f) = %v, want 1 ± 1e-3", got)
	}
}

func TestOverlapIsSymmetric(t *testing.T) {
	a := fingerprintOf(models.TopicCluster{Keywords: []string{"a", "b"}, Weight: 0.7})
	b := fingerprintOf(models.TopicCluster{Keywords: []string{"b", "c"}, Weight: 0.3})
	if got1, got2 := Overlap(a, b), Overlap(b, a); math.Abs(got1-got2) > 1e-9 {
		t.Fatalf("overlap not symmetric: %v vs %v", got1, got2)
	}
}

func TestOverlapEmptyFingerprintIsZero(t *testing.T) {
	empty := models.Fingerprint{}
	fp := fingerprintOf(models.TopicCluster{Keywords: []string{"a"}, Weight: 1})
	if got := Overlap(empty, fp); got != 0 {
		t.Fatalf("got %v, want 0", got)
	}
}

func TestOverlapProportionalInvariance(t *testing.T) {
	a := fingerprintOf(models.TopicCluster{Keywords: []string{"a", "b"}, Weight: 0.5})
	b := fingerprintOf(models.TopicCluster{Keywords: []string{"a", "b"}, Weight: 1.0})
	// Scaling a single-cluster fingerprint's weight doesn't change the
	// normalized keyword-weight direction since there's only one cluster.
	if got := Overlap(a, b); math.Abs(got-1.0) > 1e-9 {
		t.Fatalf("got %v, want 1.0 (same direction, different magnitude)", got)
	}
}
