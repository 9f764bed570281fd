// Package embedding provides the fixed-dimensional query-embedding value type
// and the vector kernels shared by the memory bank, the motif synthesizer and
// the loss aggregator.
package embedding

import (
	"math"

	"github.com/viterin/vek/vek32"
)

// Vector is one query embedding. All vectors flowing through a model instance
// share a single dimensionality.
type Vector []float32

// Clone returns an independent copy of v.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	copy(out, v)
	return out
}

// Dimensions returns the embedding dimensionality.
func (v Vector) Dimensions() int {
	return len(v)
}

// Zero returns an all-zero vector of dimension dim.
func Zero(dim int) Vector {
	return make(Vector, dim)
}

// Cosine returns the cosine similarity between a and b. Zero vectors yield 0
// rather than NaN.
func Cosine(a, b Vector) float32 {
	if vek32.Norm(a) == 0 || vek32.Norm(b) == 0 {
		return 0
	}
	return vek32.CosineSimilarity(a, b)
}

// Dist returns the Euclidean distance between a and b.
func Dist(a, b Vector) float32 {
	return vek32.Distance(a, b)
}

// Dot returns the inner product of a and b.
func Dot(a, b Vector) float32 {
	return vek32.Dot(a, b)
}

// Mean returns the arithmetic mean of vs. vs must be non-empty.
func Mean(vs []Vector) Vector {
	out := vs[0].Clone()
	for _, v := range vs[1:] {
		vek32.Add_Inplace(out, v)
	}
	vek32.DivNumber_Inplace(out, float32(len(vs)))
	return out
}

// Std returns the per-component sample standard deviation of vs (Bessel
// corrected, matching torch.Tensor.std). vs must contain at least two
// vectors.
func Std(vs []Vector) Vector {
	mean := Mean(vs)
	out := Zero(len(mean))
	for _, v := range vs {
		for i := range out {
			d := v[i] - mean[i]
			out[i] += d * d
		}
	}
	n := float32(len(vs) - 1)
	for i := range out {
		out[i] = float32(math.Sqrt(float64(out[i] / n)))
	}
	return out
}

// Midpoint returns (a+b)/2.
func Midpoint(a, b Vector) Vector {
	out := a.Clone()
	vek32.Add_Inplace(out, b)
	vek32.DivNumber_Inplace(out, 2)
	return out
}

// MeanOf3 returns (a+b+c)/3, the summary point of a motif.
func MeanOf3(a, b, c Vector) Vector {
	out := a.Clone()
	vek32.Add_Inplace(out, b)
	vek32.Add_Inplace(out, c)
	vek32.DivNumber_Inplace(out, 3)
	return out
}

// Axpy returns a + scale*b without modifying its inputs.
func Axpy(a Vector, scale float32, b Vector) Vector {
	out := make(Vector, len(a))
	vek32.MulNumber_Into(out, b, scale)
	vek32.Add_Inplace(out, a)
	return out
}

// GatedRate maps a cosine similarity in [-1, 1] to the update rate
// 0.005*(sim+1) in [0, 0.01]. The rate grows with alignment between the old
// and new estimate, so nearly-orthogonal updates are absorbed faster than
// parallel ones when the rate sits on the new value, and vice versa.
func GatedRate(sim float32) float32 {
	return 0.005 * (sim + 1)
}

// GatedBlend updates old in place toward next with the similarity-gated rule
// placing the gated rate on the NEW value:
//
//	old = (1-r)*old + r*next, r = 0.005*(cos(old,next)+1)
//
// This is the slow orientation used for std estimates and every
// unknown-class update.
func GatedBlend(old, next Vector) {
	r := GatedRate(Cosine(old, next))
	for i := range old {
		old[i] = (1-r)*old[i] + r*next[i]
	}
}

// GatedReplace updates old in place toward next with the gated rate on the
// OLD value:
//
//	old = r*old + (1-r)*next, r = 0.005*(cos(old,next)+1)
//
// This is the fast orientation used for known-class center updates: the
// center mostly follows the per-step estimate, retaining only a gated
// fraction of its previous value.
func GatedReplace(old, next Vector) {
	r := GatedRate(Cosine(old, next))
	for i := range old {
		old[i] = r*old[i] + (1-r)*next[i]
	}
}

// DistMatrix returns the pairwise Euclidean distance matrix between rows of a
// and rows of b: out[i][j] = ||a[i]-b[j]||.
func DistMatrix(a, b []Vector) [][]float32 {
	out := make([][]float32, len(a))
	for i := range a {
		out[i] = make([]float32, len(b))
		for j := range b {
			out[i][j] = Dist(a[i], b[j])
		}
	}
	return out
}

// Nearest returns the index in cands of the vector closest to v by Euclidean
// distance. cands must be non-empty.
func Nearest(v Vector, cands []Vector) int {
	best := 0
	bestD := Dist(v, cands[0])
	for j := 1; j < len(cands); j++ {
		if d := Dist(v, cands[j]); d < bestD {
			best, bestD = j, d
		}
	}
	return best
}

// Farthest returns the index in cands of the vector farthest from v.
func Farthest(v Vector, cands []Vector) int {
	best := 0
	bestD := Dist(v, cands[0])
	for j := 1; j < len(cands); j++ {
		if d := Dist(v, cands[j]); d > bestD {
			best, bestD = j, d
		}
	}
	return best
}
