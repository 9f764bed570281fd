// Package boxes implements the bounding-box geometry used by the box
// regression losses and the post-processor. Boxes travel through the model in
// normalized center-size form and are converted to corner form for IoU
// computation and final output.
package boxes

import "math"

// Box is a single bounding box. Interpretation (center-size vs corner)
// depends on the producing function; model outputs and targets are
// (cx, cy, w, h) normalized to [0, 1].
type Box [4]float32

// CenterToCorners converts a (cx, cy, w, h) box to (x0, y0, x1, y1).
func CenterToCorners(b Box) Box {
	return Box{
		b[0] - 0.5*b[2],
		b[1] - 0.5*b[3],
		b[0] + 0.5*b[2],
		b[1] + 0.5*b[3],
	}
}

// Scale multiplies a corner-form box by per-axis image dimensions
// (width, height), mapping normalized coordinates to absolute pixels.
func Scale(b Box, width, height float32) Box {
	return Box{b[0] * width, b[1] * height, b[2] * width, b[3] * height}
}

// L1 returns the summed absolute coordinate difference between two boxes.
func L1(a, b Box) float32 {
	var s float32
	for i := range a {
		s += abs(a[i] - b[i])
	}
	return s
}

// Area returns the area of a corner-form box; degenerate boxes yield 0.
func Area(b Box) float32 {
	w := b[2] - b[0]
	h := b[3] - b[1]
	if w < 0 || h < 0 {
		return 0
	}
	return w * h
}

// IoU returns the intersection-over-union of two corner-form boxes together
// with their union area.
func IoU(a, b Box) (iou, union float32) {
	interW := min32(a[2], b[2]) - max32(a[0], b[0])
	interH := min32(a[3], b[3]) - max32(a[1], b[1])
	var inter float32
	if interW > 0 && interH > 0 {
		inter = interW * interH
	}
	union = Area(a) + Area(b) - inter
	if union <= 0 {
		return 0, union
	}
	return inter / union, union
}

// GIoU returns the generalized IoU of two corner-form boxes: IoU minus the
// normalized empty area of the smallest enclosing box. Result lies in
// [-1, 1].
func GIoU(a, b Box) float32 {
	iou, union := IoU(a, b)
	encW := max32(a[2], b[2]) - min32(a[0], b[0])
	encH := max32(a[3], b[3]) - min32(a[1], b[1])
	enc := encW * encH
	if enc <= 0 {
		return iou
	}
	return iou - (enc-union)/enc
}

// Valid reports whether a corner-form box has non-negative extent and finite
// coordinates.
func Valid(b Box) bool {
	for _, v := range b {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return b[2] >= b[0] && b[3] >= b[1]
}

func abs(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

func min32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func max32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}
