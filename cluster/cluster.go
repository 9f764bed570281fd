// Package cluster provides the unsupervised grouping primitive used by the
// class memory bank to carve a class's matched embeddings into a core group
// and two extremity groups. The concrete algorithm is pluggable; only the
// qualitative k-group split contract matters to callers.
package cluster

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/aoodlab/go-aood/embedding"
)

// ErrDegenerate is returned when the input cannot be split into the requested
// number of groups (too few points, or an empty group after assignment).
// Callers are expected to fall back to an analytic path.
var ErrDegenerate = errors.New("cluster: cannot produce requested number of groups")

// Clusterer assigns each point a group label in [0, k).
type Clusterer interface {
	Fit(points []embedding.Vector, k int) ([]int, error)
}

// Spectral clusters points with a nearest-neighbor affinity graph: a
// symmetrized kNN adjacency, its normalized Laplacian, the k bottom
// eigenvectors (gonum symmetric eigendecomposition), and k-means over the
// spectral embedding. Seeded for reproducibility.
type Spectral struct {
	// Neighbors is the kNN graph degree. Zero means len(points)/3, matching
	// how the bank sizes the graph for a per-class batch.
	Neighbors int
	Seed      int64
	Restarts  int
}

// NewSpectral returns a Spectral clusterer with the bank's default seed.
func NewSpectral() *Spectral {
	return &Spectral{Seed: 3141, Restarts: 8}
}

// Fit implements Clusterer.
func (s *Spectral) Fit(points []embedding.Vector, k int) ([]int, error) {
	n := len(points)
	if k < 2 {
		return nil, fmt.Errorf("cluster: k must be >= 2, got %d", k)
	}
	if n < k {
		return nil, ErrDegenerate
	}

	nb := s.Neighbors
	if nb <= 0 {
		nb = n / 3
	}
	if nb < 1 {
		nb = 1
	}
	if nb > n-1 {
		nb = n - 1
	}

	// Symmetrized binary kNN adjacency.
	dist := embedding.DistMatrix(points, points)
	adj := make([][]float64, n)
	for i := range adj {
		adj[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for _, j := range nearestIndices(dist[i], i, nb) {
			adj[i][j] = 1
			adj[j][i] = 1
		}
	}

	// Normalized Laplacian L = I - D^{-1/2} A D^{-1/2}.
	deg := make([]float64, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			deg[i] += adj[i][j]
		}
	}
	lap := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			var v float64
			if i == j {
				v = 1
			}
			if adj[i][j] != 0 && deg[i] > 0 && deg[j] > 0 {
				v -= adj[i][j] / sqrtProduct(deg[i], deg[j])
			}
			lap.SetSym(i, j, v)
		}
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(lap, true); !ok {
		return nil, fmt.Errorf("cluster: eigendecomposition failed")
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	// Spectral embedding: the k eigenvectors with smallest eigenvalues
	// (gonum orders eigenvalues ascending).
	embed := make([]embedding.Vector, n)
	for i := 0; i < n; i++ {
		row := make(embedding.Vector, k)
		for j := 0; j < k; j++ {
			row[j] = float32(vecs.At(i, j))
		}
		embed[i] = row
	}

	labels, err := kmeans(embed, k, s.Seed, s.Restarts)
	if err != nil {
		return nil, err
	}
	return labels, nil
}

// nearestIndices returns the nb indices with smallest distance, excluding
// self.
func nearestIndices(row []float32, self, nb int) []int {
	type cand struct {
		idx int
		d   float32
	}
	cands := make([]cand, 0, len(row)-1)
	for j, d := range row {
		if j == self {
			continue
		}
		cands = append(cands, cand{j, d})
	}
	// Partial selection sort; per-class batches are small.
	out := make([]int, 0, nb)
	for len(out) < nb && len(cands) > 0 {
		best := 0
		for i := 1; i < len(cands); i++ {
			if cands[i].d < cands[best].d {
				best = i
			}
		}
		out = append(out, cands[best].idx)
		cands[best] = cands[len(cands)-1]
		cands = cands[:len(cands)-1]
	}
	return out
}

func sqrtProduct(a, b float64) float64 {
	return math.Sqrt(a * b)
}

// kmeans runs Lloyd's algorithm with multiple seeded restarts and returns the
// assignment with the lowest within-cluster distortion. ErrDegenerate is
// returned when every restart leaves some cluster empty.
func kmeans(points []embedding.Vector, k int, seed int64, restarts int) ([]int, error) {
	if restarts < 1 {
		restarts = 1
	}
	rng := rand.New(rand.NewSource(seed))
	n := len(points)

	var bestLabels []int
	bestScore := float32(0)
	found := false

	for r := 0; r < restarts; r++ {
		centers := make([]embedding.Vector, k)
		for i, p := range rng.Perm(n)[:k] {
			centers[i] = points[p].Clone()
		}
		labels := make([]int, n)
		for iter := 0; iter < 50; iter++ {
			changed := false
			for i, p := range points {
				c := embedding.Nearest(p, centers)
				if c != labels[i] {
					labels[i] = c
					changed = true
				}
			}
			counts := make([]int, k)
			sums := make([]embedding.Vector, k)
			for c := range sums {
				sums[c] = embedding.Zero(len(points[0]))
			}
			for i, p := range points {
				counts[labels[i]]++
				for d := range p {
					sums[labels[i]][d] += p[d]
				}
			}
			empty := false
			for c := range centers {
				if counts[c] == 0 {
					empty = true
					continue
				}
				for d := range centers[c] {
					centers[c][d] = sums[c][d] / float32(counts[c])
				}
			}
			if empty || !changed {
				break
			}
		}

		counts := make([]int, k)
		var score float32
		for i, p := range points {
			counts[labels[i]]++
			score += embedding.Dist(p, centers[labels[i]])
		}
		ok := true
		for _, c := range counts {
			if c == 0 {
				ok = false
			}
		}
		if !ok {
			continue
		}
		if !found || score < bestScore {
			bestLabels = labels
			bestScore = score
			found = true
		}
	}

	if !found {
		return nil, ErrDegenerate
	}
	return bestLabels, nil
}
