// Package postprocess converts raw final-layer outputs into ranked, scaled
// detections for evaluation and visualization.
package postprocess

import (
	"fmt"
	"math"
	"sort"

	"github.com/aoodlab/go-aood/boxes"
)

// Detection is one ranked output box in absolute pixel corner coordinates.
type Detection struct {
	Score float32
	Label int
	Box   boxes.Box
}

// Size is one image's (height, width) in pixels.
type Size struct {
	Height float32
	Width  float32
}

// PostProcessor ranks the top detections per image.
type PostProcessor struct {
	// TopK caps the detections returned per image.
	TopK int
	// SuppressUnknown zeroes the probability mass of queries whose argmax
	// class is the reserved unknown slot. Visualization only.
	SuppressUnknown bool
}

// New returns a PostProcessor with the standard 100-detection cap.
func New() *PostProcessor {
	return &PostProcessor{TopK: 100}
}

// Process converts per-image logits and center-size boxes into ranked
// detections. logits is [image][query][class], rawBoxes [image][query] in
// normalized center-size form, sizes one entry per image.
func (p *PostProcessor) Process(logits [][][]float32, rawBoxes [][]boxes.Box, sizes []Size) ([][]Detection, error) {
	if len(logits) != len(sizes) || len(rawBoxes) != len(sizes) {
		return nil, fmt.Errorf("postprocess: %d logit images, %d box images, %d sizes", len(logits), len(rawBoxes), len(sizes))
	}

	results := make([][]Detection, len(logits))
	for img := range logits {
		numQueries := len(logits[img])
		if numQueries == 0 {
			continue
		}
		numClasses := len(logits[img][0])

		// Flattened (slot x class) probability grid.
		probs := make([]float32, numQueries*numClasses)
		for q, row := range logits[img] {
			argmax := 0
			for k := 1; k < len(row); k++ {
				if row[k] > row[argmax] {
					argmax = k
				}
			}
			suppress := p.SuppressUnknown && argmax == numClasses-1
			for k, logit := range row {
				if suppress {
					probs[q*numClasses+k] = 0
					continue
				}
				probs[q*numClasses+k] = sigmoid(logit)
			}
		}

		order := make([]int, len(probs))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool { return probs[order[a]] > probs[order[b]] })

		keep := p.TopK
		if keep > len(order) {
			keep = len(order)
		}
		dets := make([]Detection, 0, keep)
		for _, flat := range order[:keep] {
			q := flat / numClasses
			cls := flat % numClasses
			corner := boxes.CenterToCorners(rawBoxes[img][q])
			dets = append(dets, Detection{
				Score: probs[flat],
				Label: cls,
				Box:   boxes.Scale(corner, sizes[img].Width, sizes[img].Height),
			})
		}
		results[img] = dets
	}
	return results, nil
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}
