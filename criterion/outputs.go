// Package criterion implements the loss aggregator of the detector: it
// assigns ground-truth objects to predicted query slots through the external
// matcher, feeds matched embeddings to the class memory bank, computes the
// supervised loss terms over the final, auxiliary and encoder layers, and
// gates the synthetic open-set and cross-domain losses.
package criterion

import (
	"fmt"

	"github.com/aoodlab/go-aood/boxes"
	"github.com/aoodlab/go-aood/embedding"
	"github.com/aoodlab/go-aood/motif"
)

// LayerOutput bundles one decoder (or encoder proposal) layer's predictions
// for the supervised images.
type LayerOutput struct {
	// Logits is [image][query][class].
	Logits [][][]float32
	// Boxes is [image][query] in normalized center-size form.
	Boxes [][]boxes.Box
}

// Outputs is the detection network's per-step bundle consumed by the loss
// layer. Replaces the loosely-typed name-to-tensor map of common detector
// codebases with named, typed fields.
type Outputs struct {
	// Final decoder layer over the supervised images (the source half of the
	// batch when domain adaptation is active).
	Final LayerOutput

	// LogitsBoth is the final layer's logits over the full batch, including
	// the target-domain half.
	LogitsBoth [][][]float32
	// Embeddings is [image][query] final-layer query embeddings over the
	// full batch.
	Embeddings [][]embedding.Vector

	// Masks is [image][query][h][w] predicted masks, nil when segmentation is
	// off. Final layer only.
	Masks [][][][]float32

	// Aux carries each auxiliary intermediate decoder layer.
	Aux []LayerOutput
	// Enc is the optional encoder proposal layer.
	Enc *LayerOutput

	// DA maps domain-discriminator stream names (backbone, space_query,
	// channel_query, instance_query) to per-batch-element output logits.
	DA map[string][][]float32

	// FinalClassifier and FirstClassifier are the network's classification
	// heads, exposed so the motif synthesizer can score synthetic points.
	FinalClassifier motif.Classifier
	FirstClassifier motif.Classifier
}

// Target is one image's ground truth.
type Target struct {
	Labels []int
	Boxes  []boxes.Box
	// Masks is [instance][h][w], nil unless segmentation supervision is on.
	Masks [][][]float32
}

// Assignment is the partial bijection between query slots and ground-truth
// instances of one image: Queries[i] is matched to Targets[i]. Unmatched
// slots and unmatched targets are both possible.
type Assignment struct {
	Queries []int
	Targets []int
}

// Matcher is the assignment oracle. Match returns one Assignment per image;
// its cost computation is outside this package.
type Matcher interface {
	Match(preds LayerOutput, targets []Target) ([]Assignment, error)
}

// Validate checks the structural invariants the loss layer relies on.
func (o *Outputs) Validate(numTargets int) error {
	if len(o.Final.Logits) != numTargets || len(o.Final.Boxes) != numTargets {
		return fmt.Errorf("criterion: final layer covers %d/%d images, want %d",
			len(o.Final.Logits), len(o.Final.Boxes), numTargets)
	}
	for _, aux := range o.Aux {
		if len(aux.Logits) != numTargets || len(aux.Boxes) != numTargets {
			return fmt.Errorf("criterion: aux layer covers %d images, want %d", len(aux.Logits), numTargets)
		}
	}
	if o.Enc != nil && (len(o.Enc.Logits) != numTargets || len(o.Enc.Boxes) != numTargets) {
		return fmt.Errorf("criterion: encoder layer covers %d images, want %d", len(o.Enc.Logits), numTargets)
	}
	return nil
}

// unmatchedQueries returns, per image, the query slots the assignment left
// unpaired.
func unmatchedQueries(assigns []Assignment, numQueries int) [][]int {
	out := make([][]int, len(assigns))
	for i, a := range assigns {
		used := make([]bool, numQueries)
		for _, q := range a.Queries {
			if q >= 0 && q < numQueries {
				used[q] = true
			}
		}
		for q := 0; q < numQueries; q++ {
			if !used[q] {
				out[i] = append(out[i], q)
			}
		}
	}
	return out
}
