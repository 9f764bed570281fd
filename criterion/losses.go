package criterion

import (
	"fmt"
	"math"

	"github.com/aoodlab/go-aood/boxes"
)

// sigmoidFocal returns the elementwise binary focal term for one logit
// against a (possibly soft) target probability, with gamma=2 weighting and
// optional alpha class balancing (alpha < 0 disables it).
func sigmoidFocal(logit, target, alpha, gamma float32) float64 {
	p := sigmoid(logit)
	// Numerically-stable BCE with logits.
	ce := bceWithLogit(logit, target)
	pt := float64(p)*float64(target) + (1-float64(p))*(1-float64(target))
	loss := ce * math.Pow(1-pt, float64(gamma))
	if alpha >= 0 {
		at := float64(alpha)*float64(target) + (1-float64(alpha))*(1-float64(target))
		loss *= at
	}
	return loss
}

// lossLabels computes the focal classification loss over a one-hot target
// built from the assignment; background slots target the all-zero vector.
// When open-set mode is on, matched slots additionally carry unkProb on the
// reserved unknown slot. Returns loss_ce, plus class_error when logging.
func (c *Criterion) lossLabels(lo LayerOutput, targets []Target, assigns []Assignment, numBoxes float64, logStats bool) (map[string]float64, error) {
	onehot, err := c.buildClassTargets(lo, targets, assigns)
	if err != nil {
		return nil, err
	}

	var total float64
	for b := range lo.Logits {
		for q := range lo.Logits[b] {
			for k, logit := range lo.Logits[b][q] {
				total += sigmoidFocal(logit, onehot[b][q][k], c.cfg.FocalAlpha, 2)
			}
		}
	}
	out := map[string]float64{"loss_ce": total / numBoxes}

	if logStats {
		out["class_error"] = 100 - c.matchedAccuracy(lo, targets, assigns)
	}
	return out, nil
}

// buildClassTargets builds the [image][query][class] target probability grid.
func (c *Criterion) buildClassTargets(lo LayerOutput, targets []Target, assigns []Assignment) ([][][]float32, error) {
	onehot := make([][][]float32, len(lo.Logits))
	for b := range lo.Logits {
		onehot[b] = make([][]float32, len(lo.Logits[b]))
		for q := range lo.Logits[b] {
			onehot[b][q] = make([]float32, len(lo.Logits[b][q]))
		}
	}
	unk := c.cfg.NumClasses - 1
	for b, a := range assigns {
		if len(a.Queries) != len(a.Targets) {
			return nil, fmt.Errorf("criterion: image %d assignment pairs %d queries with %d targets",
				b, len(a.Queries), len(a.Targets))
		}
		for i, q := range a.Queries {
			ti := a.Targets[i]
			if ti < 0 || ti >= len(targets[b].Labels) {
				return nil, fmt.Errorf("criterion: image %d target index %d out of range", b, ti)
			}
			cls := targets[b].Labels[ti]
			if cls < 0 || cls >= len(onehot[b][q]) {
				return nil, fmt.Errorf("criterion: image %d class label %d out of range", b, cls)
			}
			onehot[b][q][cls] = 1
			if c.cfg.UnkProb > 0 && c.cfg.WithOpenset {
				// Real objects may resemble the unknown boundary; soften.
				onehot[b][q][unk] = c.cfg.UnkProb
			}
		}
	}
	return onehot, nil
}

// matchedAccuracy returns the top-1 accuracy (percent) of matched slots.
func (c *Criterion) matchedAccuracy(lo LayerOutput, targets []Target, assigns []Assignment) float64 {
	var correct, total int
	for b, a := range assigns {
		for i, q := range a.Queries {
			cls := targets[b].Labels[a.Targets[i]]
			best := 0
			logits := lo.Logits[b][q]
			for k := 1; k < len(logits); k++ {
				if logits[k] > logits[best] {
					best = k
				}
			}
			if best == cls {
				correct++
			}
			total++
		}
	}
	if total == 0 {
		return 100
	}
	return 100 * float64(correct) / float64(total)
}

// lossCardinality is the absolute error between the number of queries whose
// argmax class is not the reserved unknown slot and the true object count.
// Monitoring only; carries no gradient in the training harness.
func (c *Criterion) lossCardinality(lo LayerOutput, targets []Target) map[string]float64 {
	var err float64
	for b := range lo.Logits {
		pred := 0
		for _, logits := range lo.Logits[b] {
			best := 0
			for k := 1; k < len(logits); k++ {
				if logits[k] > logits[best] {
					best = k
				}
			}
			if best != len(logits)-1 {
				pred++
			}
		}
		err += math.Abs(float64(pred - len(targets[b].Labels)))
	}
	if len(lo.Logits) > 0 {
		err /= float64(len(lo.Logits))
	}
	return map[string]float64{"cardinality_error": err}
}

// lossBoxes computes L1 on normalized center-size coordinates plus GIoU loss
// over matched pairs, both normalized by the cross-worker matched box count.
func (c *Criterion) lossBoxes(lo LayerOutput, targets []Target, assigns []Assignment, numBoxes float64) (map[string]float64, error) {
	var l1, giou float64
	for b, a := range assigns {
		for i, q := range a.Queries {
			if q < 0 || q >= len(lo.Boxes[b]) {
				return nil, fmt.Errorf("criterion: image %d query index %d out of range", b, q)
			}
			src := lo.Boxes[b][q]
			tgt := targets[b].Boxes[a.Targets[i]]
			l1 += float64(boxes.L1(src, tgt))
			giou += 1 - float64(boxes.GIoU(boxes.CenterToCorners(src), boxes.CenterToCorners(tgt)))
		}
	}
	return map[string]float64{
		"loss_bbox": l1 / numBoxes,
		"loss_giou": giou / numBoxes,
	}, nil
}

// lossMasks computes focal + dice loss on upsampled predicted masks of
// matched slots. Applied only at the final layer.
func (c *Criterion) lossMasks(masks [][][][]float32, targets []Target, assigns []Assignment, numBoxes float64) (map[string]float64, error) {
	var focal, dice float64
	for b, a := range assigns {
		for i, q := range a.Queries {
			ti := a.Targets[i]
			if targets[b].Masks == nil || ti >= len(targets[b].Masks) {
				return nil, fmt.Errorf("criterion: image %d missing target mask %d", b, ti)
			}
			tgt := targets[b].Masks[ti]
			if q >= len(masks[b]) {
				return nil, fmt.Errorf("criterion: image %d missing predicted mask for query %d", b, q)
			}
			pred := bilinearResize(masks[b][q], len(tgt), len(tgt[0]))

			var mf float64
			var inter, psum, tsum float64
			n := 0
			for y := range tgt {
				for x := range tgt[y] {
					logit := pred[y][x]
					t := tgt[y][x]
					mf += sigmoidFocal(logit, t, c.cfg.FocalAlpha, 2)
					p := float64(sigmoid(logit))
					inter += p * float64(t)
					psum += p
					tsum += float64(t)
					n++
				}
			}
			if n > 0 {
				focal += mf / float64(n)
			}
			dice += 1 - (2*inter+1)/(psum+tsum+1)
		}
	}
	return map[string]float64{
		"loss_mask": focal / numBoxes,
		"loss_dice": dice / numBoxes,
	}, nil
}

// lossDA is the domain-alignment loss for one discriminator stream: BCE with
// logits against the batch-half domain label, focal-weighted for query
// streams. The first half of the batch is source (label 0), the second half
// target (label 1).
func (c *Criterion) lossDA(stream [][]float32, useFocal bool) (float64, error) {
	b := len(stream)
	if b%2 != 0 {
		return 0, fmt.Errorf("criterion: domain-alignment stream has odd batch size %d", b)
	}
	var sum float64
	var n int
	for i, elems := range stream {
		var target float32
		if i >= b/2 {
			target = 1
		}
		for _, logit := range elems {
			loss := bceWithLogit(logit, target)
			if useFocal {
				p := float64(sigmoid(logit))
				pt := p*float64(target) + (1-p)*(1-float64(target))
				loss *= math.Pow(1-pt, float64(c.cfg.DAGamma))
			}
			sum += loss
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return sum / float64(n), nil
}

// bilinearResize resizes a [h][w] grid with bilinear interpolation, aligned
// corners off (matching the upsampling the mask loss expects).
func bilinearResize(src [][]float32, outH, outW int) [][]float32 {
	inH := len(src)
	inW := len(src[0])
	out := make([][]float32, outH)
	scaleY := float64(inH) / float64(outH)
	scaleX := float64(inW) / float64(outW)
	for y := 0; y < outH; y++ {
		out[y] = make([]float32, outW)
		sy := (float64(y)+0.5)*scaleY - 0.5
		y0 := int(math.Floor(sy))
		fy := sy - float64(y0)
		y1 := y0 + 1
		y0 = clampIdx(y0, inH)
		y1 = clampIdx(y1, inH)
		for x := 0; x < outW; x++ {
			sx := (float64(x)+0.5)*scaleX - 0.5
			x0 := int(math.Floor(sx))
			fx := sx - float64(x0)
			x1 := x0 + 1
			x0 = clampIdx(x0, inW)
			x1 = clampIdx(x1, inW)
			top := float64(src[y0][x0])*(1-fx) + float64(src[y0][x1])*fx
			bot := float64(src[y1][x0])*(1-fx) + float64(src[y1][x1])*fx
			out[y][x] = float32(top*(1-fy) + bot*fy)
		}
	}
	return out
}

func clampIdx(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

// bceWithLogit is the numerically-stable binary cross-entropy with logits:
// max(x,0) - x*y + log(1+exp(-|x|)).
func bceWithLogit(logit, target float32) float64 {
	x := float64(logit)
	y := float64(target)
	return math.Max(x, 0) - x*y + math.Log1p(math.Exp(-math.Abs(x)))
}
