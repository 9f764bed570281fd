// Package motif synthesizes decision-boundary training signal from the class
// memory bank. A motif is a three-point construction: two memory anchors and
// one real query embedding, summarized by their mean and scored by how well
// the embedding sits on the geometric construction between the anchors. The
// open-set branch manufactures supervision for the reserved unknown class
// from unmatched queries; the cross-domain branch pseudo-labels confident
// target-domain queries against the extremity tables. Motifs are ephemeral
// and recomputed every step.
package motif

import (
	"math"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/aoodlab/go-aood/bank"
	"github.com/aoodlab/go-aood/embedding"
)

// Motif is one synthetic training example.
type Motif struct {
	// Mean summarizes the two anchors and the query embedding.
	Mean embedding.Vector
	// Embedding is the real query embedding the motif was built around.
	Embedding embedding.Vector
	// Angle is the geometric fit score; lower is better.
	Angle float32
	// Class1, Class2 are the anchor class labels.
	Class1, Class2 int
}

// SynthesizeUnknown builds open-set motifs from the unmatched query
// embeddings and returns the unknown-class supervision loss. Side effect: the
// bank's unknown center and std are pulled toward the kept embeddings with
// the slow gated rule. Zero unmatched embeddings yield a zero loss and no
// bank update. When fewer candidates than osKNN exist, all of them are kept.
func SynthesizeUnknown(b *bank.Bank, unmatched []embedding.Vector, clf Classifier, osKNN int) float64 {
	if len(unmatched) == 0 {
		return 0
	}

	ctrs1 := b.KnownMeans()
	// Each known center pairs with its single farthest other known center.
	ctrs2 := make([]embedding.Vector, len(ctrs1))
	pairs2 := make([]int, len(ctrs1))
	for j, c := range ctrs1 {
		far := embedding.Farthest(c, ctrs1)
		ctrs2[j] = ctrs1[far]
		pairs2[j] = far
	}

	mids := make([]embedding.Vector, len(ctrs1))
	bases := make([]float32, len(ctrs1))
	for j := range ctrs1 {
		mids[j] = embedding.Midpoint(ctrs1[j], ctrs2[j])
		bases[j] = embedding.Dist(ctrs1[j], ctrs2[j])
	}

	motifs := make([]Motif, 0, len(unmatched))
	for _, e := range unmatched {
		bestAngle := float32(math.Inf(1))
		bestPair := -1
		for j := range ctrs1 {
			if bases[j] == 0 {
				continue
			}
			d1 := embedding.Dist(ctrs1[j], e)
			d2 := embedding.Dist(ctrs2[j], e)
			d3 := embedding.Dist(mids[j], e)
			// Low when e sits near the 1/3 point off the midpoint and is
			// roughly equidistant from the two anchors.
			angle := abs32(d3-bases[j]/3)/bases[j] + abs32(d1-d2)/bases[j]
			if angle < bestAngle {
				bestAngle = angle
				bestPair = j
			}
		}
		if bestPair < 0 {
			// All anchor pairs are degenerate (collapsed bank).
			continue
		}
		motifs = append(motifs, Motif{
			Mean:      embedding.MeanOf3(ctrs1[bestPair], ctrs2[bestPair], e),
			Embedding: e,
			Angle:     bestAngle,
			Class1:    bestPair,
			Class2:    pairs2[bestPair],
		})
	}
	if len(motifs) == 0 {
		log.Warn().Msg("motif: no usable anchor pairs, open-set loss skipped")
		return 0
	}

	// Best geometric fit first; keep at most osKNN.
	sort.SliceStable(motifs, func(i, j int) bool { return motifs[i].Angle < motifs[j].Angle })
	if osKNN < len(motifs) {
		motifs = motifs[:osKNN]
	}

	// Supervise the kept real embeddings toward the unknown slot.
	kept := make([]embedding.Vector, len(motifs))
	probs := make([][]float32, len(motifs))
	targets := make([][]float32, len(motifs))
	unk := b.Unknown()
	for i, m := range motifs {
		kept[i] = m.Embedding
		logits := clf.Forward(m.Embedding)
		p := make([]float32, len(logits))
		tgt := make([]float32, len(logits))
		for j, l := range logits {
			p[j] = sigmoid(l)
		}
		tgt[unk] = 1
		probs[i] = p
		targets[i] = tgt
	}
	loss := bceMean(probs, targets)

	var std embedding.Vector
	if len(kept) > 1 {
		std = embedding.Std(kept)
	}
	b.UpdateUnknown(embedding.Mean(kept), std)

	return loss
}

// SynthesizeCrossDomain pseudo-labels confident target-domain query
// embeddings against the bank's extremity tables and returns the soft-target
// classification loss over the motif means. scores[i] is the summed sigmoid
// class score of embs[i]; embeddings at or below threshold are ignored. Fewer
// than daKNN confident embeddings yield a zero loss. Side effect: embeddings
// whose geometric pseudo-label is class 0 pull the bank's unknown slot.
func SynthesizeCrossDomain(b *bank.Bank, embs []embedding.Vector, scores []float32, clf Classifier, threshold float32, daKNN int) float64 {
	var confident []embedding.Vector
	for i, e := range embs {
		if scores[i] > threshold {
			confident = append(confident, e)
		}
	}
	if len(confident) < daKNN {
		log.Debug().Int("confident", len(confident)).Int("need", daKNN).
			Msg("motif: too few confident target proposals, cross-domain loss skipped")
		return 0
	}

	// Anchor pairs from the extremity tables, both directions, labeled by
	// class.
	c := b.NumClasses()
	ctrs1 := make([]embedding.Vector, 0, 2*c)
	ctrs2 := make([]embedding.Vector, 0, 2*c)
	labels := make([]int, 0, 2*c)
	ctrs1 = append(ctrs1, b.Ext1...)
	ctrs1 = append(ctrs1, b.Ext2...)
	ctrs2 = append(ctrs2, b.Ext2...)
	ctrs2 = append(ctrs2, b.Ext1...)
	for i := 0; i < 2; i++ {
		for j := 0; j < c; j++ {
			labels = append(labels, j)
		}
	}

	mids := make([]embedding.Vector, len(ctrs1))
	bases := make([]float32, len(ctrs1))
	for j := range ctrs1 {
		mids[j] = embedding.Midpoint(ctrs1[j], ctrs2[j])
		bases[j] = embedding.Dist(ctrs1[j], ctrs2[j])
	}

	type pseudo struct {
		mean    embedding.Vector
		geoCls  int
		nearCls int
	}
	var ps []pseudo
	var unknownPull []embedding.Vector
	for _, q := range confident {
		bestAngle := float32(math.Inf(1))
		bestPair := -1
		for j := range ctrs1 {
			if bases[j] == 0 {
				continue
			}
			if a := embedding.Dist(mids[j], q) / bases[j]; a < bestAngle {
				bestAngle = a
				bestPair = j
			}
		}
		if bestPair < 0 {
			continue
		}
		geo := labels[bestPair]
		if geo == 0 {
			// Confident target-domain detections of the base category feed
			// the unknown anchor.
			unknownPull = append(unknownPull, q)
		}
		ps = append(ps, pseudo{
			mean:    embedding.MeanOf3(ctrs1[bestPair], q, ctrs2[bestPair]),
			geoCls:  geo,
			nearCls: embedding.Nearest(q, b.Means),
		})
	}
	if len(ps) == 0 {
		return 0
	}

	if len(unknownPull) > 0 {
		var std embedding.Vector
		if len(unknownPull) > 1 {
			std = embedding.Std(unknownPull)
		}
		b.UpdateUnknown(embedding.Mean(unknownPull), std)
	}

	probs := make([][]float32, len(ps))
	targets := make([][]float32, len(ps))
	for i, p := range ps {
		logits := clf.Forward(p.mean)
		pr := make([]float32, len(logits))
		for j, l := range logits {
			pr[j] = sigmoid(l)
		}
		probs[i] = pr
		targets[i] = softTarget(len(logits), p.geoCls, p.nearCls)
	}
	return bceMean(probs, targets)
}

// softTarget splits probability mass 0.5 onto each pseudo-label slot. When
// the two labels coincide the slot first holds a single 0.5 (scatter
// semantics overwrite, not add) and is then doubled, restoring full mass.
func softTarget(n, geoCls, nearCls int) []float32 {
	t := make([]float32, n)
	t[geoCls] = 0.5
	t[nearCls] = 0.5
	var sum float32
	for _, v := range t {
		sum += v
	}
	if sum == 0.5 {
		for i := range t {
			t[i] *= 2
		}
	}
	return t
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
