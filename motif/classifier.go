package motif

import (
	"math"

	"github.com/aoodlab/go-aood/embedding"
)

// Classifier is the classification head the synthesizer feeds synthetic
// points through. The detection network exposes its final and first decoder
// heads behind this interface.
type Classifier interface {
	// Forward returns one raw logit per class slot for a single embedding.
	Forward(v embedding.Vector) []float32
}

// Linear is a plain affine classification head, sufficient for tests and for
// harnesses that mirror the network's head weights into the loss layer.
type Linear struct {
	Weight []embedding.Vector // one row per class slot
	Bias   []float32
}

// NewLinear returns a zero-initialized head with the detection prior bias
// (sigmoid(bias) ~= 0.01), matching how detection heads are initialized.
func NewLinear(numClasses, dim int) *Linear {
	const priorProb = 0.01
	bias := float32(-math.Log((1 - priorProb) / priorProb))
	l := &Linear{
		Weight: make([]embedding.Vector, numClasses),
		Bias:   make([]float32, numClasses),
	}
	for i := range l.Weight {
		l.Weight[i] = embedding.Zero(dim)
		l.Bias[i] = bias
	}
	return l
}

// Forward implements Classifier.
func (l *Linear) Forward(v embedding.Vector) []float32 {
	out := make([]float32, len(l.Weight))
	for i, w := range l.Weight {
		out[i] = embedding.Dot(w, v) + l.Bias[i]
	}
	return out
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

// bceMean is the mean binary cross-entropy between probabilities and targets
// over all elements, with the usual log clamp for numerical safety.
func bceMean(probs, targets [][]float32) float64 {
	const eps = 1e-7
	var sum float64
	var n int
	for i := range probs {
		for j := range probs[i] {
			p := float64(probs[i][j])
			if p < eps {
				p = eps
			}
			if p > 1-eps {
				p = 1 - eps
			}
			y := float64(targets[i][j])
			sum += -(y*math.Log(p) + (1-y)*math.Log(1-p))
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
