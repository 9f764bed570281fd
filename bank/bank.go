// Package bank maintains the per-class running statistics of learned query
// embeddings: a center (mean), a spread (std) and two extremity embeddings
// approximating the boundary of each class's embedding cloud. The last class
// index is reserved for the synthetic unknown class; it is never fed by
// matched assignments and is instead continuously re-estimated from the other
// classes' statistics.
package bank

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/aoodlab/go-aood/cluster"
	"github.com/aoodlab/go-aood/embedding"
)

// Bank is the class memory bank of one model instance. It is mutated in
// place exactly once per training step, after matching and before any loss
// term that reads it. Not safe for concurrent use; the training step is a
// single logical thread.
type Bank struct {
	Means []embedding.Vector
	Stds  []embedding.Vector
	Ext1  []embedding.Vector
	Ext2  []embedding.Vector

	dim        int
	stdScaling float32
	clusterMin int
	clusterer  cluster.Clusterer
}

// New returns a zero-initialized bank for numClasses class slots (the last
// slot is the reserved unknown class). stdScaling scales std vectors into
// analytic extremities; clusterMin is the matched count above which the
// clustering path runs. A nil clusterer defaults to spectral clustering.
func New(numClasses, dim int, stdScaling float32, clusterMin int, cl cluster.Clusterer) *Bank {
	if cl == nil {
		cl = cluster.NewSpectral()
	}
	b := &Bank{
		Means:      make([]embedding.Vector, numClasses),
		Stds:       make([]embedding.Vector, numClasses),
		Ext1:       make([]embedding.Vector, numClasses),
		Ext2:       make([]embedding.Vector, numClasses),
		dim:        dim,
		stdScaling: stdScaling,
		clusterMin: clusterMin,
		clusterer:  cl,
	}
	for i := 0; i < numClasses; i++ {
		b.Means[i] = embedding.Zero(dim)
		b.Stds[i] = embedding.Zero(dim)
		b.Ext1[i] = embedding.Zero(dim)
		b.Ext2[i] = embedding.Zero(dim)
	}
	return b
}

// NumClasses returns the number of class slots including the unknown slot.
func (b *Bank) NumClasses() int { return len(b.Means) }

// Unknown returns the reserved unknown class index.
func (b *Bank) Unknown() int { return len(b.Means) - 1 }

// Dim returns the embedding dimensionality.
func (b *Bank) Dim() int { return b.dim }

// KnownMeans returns the centers of the known classes (unknown excluded).
func (b *Bank) KnownMeans() []embedding.Vector { return b.Means[:b.Unknown()] }

// Update absorbs one training step's matched embeddings. embs[i] carries the
// class label labels[i] assigned by the matcher. Classes absent from labels
// are left untouched; the unknown slot is then re-estimated from the
// just-updated known centers and stds.
func (b *Bank) Update(embs []embedding.Vector, labels []int) error {
	if len(embs) != len(labels) {
		return fmt.Errorf("bank: %d embeddings for %d labels", len(embs), len(labels))
	}

	for _, i := range sortedUnique(labels) {
		if i < 0 || i >= b.NumClasses() {
			return fmt.Errorf("bank: class label %d out of range [0, %d)", i, b.NumClasses())
		}
		if i == b.Unknown() {
			// The unknown slot never receives direct matched assignment.
			continue
		}

		var perCls []embedding.Vector
		for j, l := range labels {
			if l == i {
				perCls = append(perCls, embs[j])
			}
		}
		b.updateClass(i, perCls)
	}

	b.updateUnknownFromKnown()
	return nil
}

func (b *Bank) updateClass(i int, perCls []embedding.Vector) {
	avg := embedding.Mean(perCls)

	if len(perCls) > 2 {
		embedding.GatedBlend(b.Stds[i], embedding.Std(perCls))
	}

	bsCtr := avg
	clustered := false
	var bsExt1, bsExt2 embedding.Vector

	if len(perCls) > b.clusterMin {
		core, extA, extB, err := b.clusterClass(i, perCls)
		if err != nil {
			log.Debug().Int("class", i).Int("count", len(perCls)).Err(err).
				Msg("bank: clustering degenerate, analytic extremities")
		} else {
			clustered = true
			if core != nil {
				bsCtr = core
			}
			bsExt1, bsExt2 = extA, extB
			if extA == nil || extB == nil {
				log.Warn().Int("class", i).
					Msg("bank: empty extremity group, partial update skipped")
			}
		}
	}
	if !clustered {
		bsExt1 = embedding.Axpy(b.Means[i], b.stdScaling, b.Stds[i])
		bsExt2 = embedding.Axpy(b.Means[i], -b.stdScaling, b.Stds[i])
	}

	embedding.GatedReplace(b.Means[i], bsCtr)
	// An empty cluster group leaves that extremity untouched for the step.
	if bsExt1 != nil {
		b.Ext1[i] = bsExt1
	}
	if bsExt2 != nil {
		b.Ext2[i] = bsExt2
	}
}

// clusterClass runs the 3-group split over [center, matched...] and returns
// the core-group mean plus the two extremity-group means. A nil core or
// extremity means that group was empty and the caller should keep its
// fallback. err is non-nil only when the clustering itself degenerated.
func (b *Bank) clusterClass(i int, perCls []embedding.Vector) (core, extA, extB embedding.Vector, err error) {
	points := make([]embedding.Vector, 0, len(perCls)+1)
	points = append(points, b.Means[i].Clone())
	points = append(points, perCls...)

	groups, err := b.clusterer.Fit(points, 3)
	if err != nil {
		return nil, nil, nil, err
	}

	maskA, maskB := SplitExtremityMasks(groups)
	coreMask := make([]bool, len(perCls))
	for j := 1; j < len(groups); j++ {
		coreMask[j-1] = groups[j] == groups[0]
	}

	core = maskedMean(perCls, coreMask)
	extA = maskedMean(perCls, maskA)
	extB = maskedMean(perCls, maskB)
	return core, extA, extB, nil
}

// updateUnknownFromKnown pulls the unknown anchor toward the centroid of
// known-class space with the slow gated rule, then derives its extremities
// analytically from its own just-updated center and std. It deliberately
// reads the known slots after this step's matched updates.
func (b *Bank) updateUnknownFromKnown() {
	u := b.Unknown()
	embedding.GatedBlend(b.Means[u], embedding.Mean(b.Means[:u]))
	embedding.GatedBlend(b.Stds[u], embedding.Mean(b.Stds[:u]))
	b.Ext1[u] = embedding.Axpy(b.Means[u], b.stdScaling, b.Stds[u])
	b.Ext2[u] = embedding.Axpy(b.Means[u], -b.stdScaling, b.Stds[u])
}

// UpdateUnknown moves the unknown center and std toward the given per-step
// estimates with the slow gated rule. This is the second pathway feeding the
// unknown slot, driven by the motif synthesizer. Nil arguments skip the
// corresponding update.
func (b *Bank) UpdateUnknown(mean, std embedding.Vector) {
	u := b.Unknown()
	if mean != nil {
		embedding.GatedBlend(b.Means[u], mean)
	}
	if std != nil {
		embedding.GatedBlend(b.Stds[u], std)
	}
}

// SplitExtremityMasks deterministically splits the non-center members of a
// 3-way grouping into the two non-center groups. groups[0] is the center's
// label. The first member whose label differs from the center's defines group
// A; the remaining members with labels differing from both the center's and
// A's define group B. Returned masks index the members (groups[1:]).
func SplitExtremityMasks(groups []int) (maskA, maskB []bool) {
	n := len(groups)
	maskA = make([]bool, n-1)
	maskB = make([]bool, n-1)

	other := -1
	for j := 1; j < n; j++ {
		if groups[j] != groups[0] {
			other = groups[j]
			break
		}
	}
	if other == -1 {
		return maskA, maskB
	}
	for j := 1; j < n; j++ {
		if groups[j] == groups[0] {
			continue
		}
		if groups[j] == other {
			maskA[j-1] = true
		} else {
			maskB[j-1] = true
		}
	}
	return maskA, maskB
}

// maskedMean returns the mean of the selected vectors, or nil when the mask
// selects nothing.
func maskedMean(vs []embedding.Vector, mask []bool) embedding.Vector {
	var sel []embedding.Vector
	for j, ok := range mask {
		if ok {
			sel = append(sel, vs[j])
		}
	}
	if len(sel) == 0 {
		return nil
	}
	return embedding.Mean(sel)
}

func sortedUnique(labels []int) []int {
	seen := map[int]bool{}
	var out []int
	for _, l := range labels {
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	sort.Ints(out)
	return out
}
