package cluster

import (
	"math/rand"
	"testing"

	"github.com/aoodlab/go-aood/embedding"
)

// blob generates n points around a 2D center with small jitter.
func blob(rng *rand.Rand, cx, cy float32, n int) []embedding.Vector {
	out := make([]embedding.Vector, n)
	for i := range out {
		out[i] = embedding.Vector{
			cx + float32(rng.NormFloat64())*0.1,
			cy + float32(rng.NormFloat64())*0.1,
		}
	}
	return out
}

func TestSpectralThreeBlobs(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var points []embedding.Vector
	points = append(points, blob(rng, 0, 0, 10)...)
	points = append(points, blob(rng, 10, 0, 10)...)
	points = append(points, blob(rng, 0, 10, 10)...)

	sp := NewSpectral()
	labels, err := sp.Fit(points, 3)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if len(labels) != len(points) {
		t.Fatalf("Expected %d labels, got %d", len(points), len(labels))
	}

	// Every blob must land in a single cluster, and the three blobs must use
	// three distinct labels.
	seen := map[int]bool{}
	for b := 0; b < 3; b++ {
		first := labels[b*10]
		for i := 1; i < 10; i++ {
			if labels[b*10+i] != first {
				t.Errorf("Blob %d split across clusters: %v", b, labels[b*10:b*10+10])
				break
			}
		}
		seen[first] = true
	}
	if len(seen) != 3 {
		t.Errorf("Expected 3 distinct cluster labels, got %d (%v)", len(seen), labels)
	}
}

func TestSpectralDegenerate(t *testing.T) {
	t.Run("Fewer points than groups", func(t *testing.T) {
		sp := NewSpectral()
		_, err := sp.Fit([]embedding.Vector{{0, 0}, {1, 1}}, 3)
		if err == nil {
			t.Error("Expected error for 2 points into 3 groups")
		}
	})

	t.Run("Deterministic under fixed seed", func(t *testing.T) {
		rng := rand.New(rand.NewSource(11))
		var points []embedding.Vector
		points = append(points, blob(rng, 0, 0, 8)...)
		points = append(points, blob(rng, 5, 5, 8)...)
		points = append(points, blob(rng, -5, 5, 8)...)

		a, err := NewSpectral().Fit(points, 3)
		if err != nil {
			t.Fatalf("first Fit failed: %v", err)
		}
		b, err := NewSpectral().Fit(points, 3)
		if err != nil {
			t.Fatalf("second Fit failed: %v", err)
		}
		for i := range a {
			if a[i] != b[i] {
				t.Fatalf("Labels differ at %d: %d vs %d", i, a[i], b[i])
			}
		}
	})
}
