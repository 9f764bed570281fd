package boxes

import (
	"math"
	"testing"
)

func TestCenterToCorners(t *testing.T) {
	b := CenterToCorners(Box{0.5, 0.5, 0.2, 0.4})
	want := Box{0.4, 0.3, 0.6, 0.7}
	for i := range b {
		if math.Abs(float64(b[i]-want[i])) > 1e-6 {
			t.Errorf("Corner %d: expected %.4f, got %.4f", i, want[i], b[i])
		}
	}
}

func TestIoU(t *testing.T) {
	t.Run("Identical boxes", func(t *testing.T) {
		b := Box{0, 0, 1, 1}
		iou, _ := IoU(b, b)
		if math.Abs(float64(iou-1)) > 1e-6 {
			t.Errorf("Expected IoU 1, got %.6f", iou)
		}
	})

	t.Run("Disjoint boxes", func(t *testing.T) {
		iou, _ := IoU(Box{0, 0, 1, 1}, Box{2, 2, 3, 3})
		if iou != 0 {
			t.Errorf("Expected IoU 0, got %.6f", iou)
		}
	})

	t.Run("Half overlap", func(t *testing.T) {
		// Two unit boxes overlapping in a 0.5x1 strip: inter 0.5, union 1.5.
		iou, _ := IoU(Box{0, 0, 1, 1}, Box{0.5, 0, 1.5, 1})
		if math.Abs(float64(iou-1.0/3.0)) > 1e-6 {
			t.Errorf("Expected IoU 1/3, got %.6f", iou)
		}
	})
}

func TestGIoU(t *testing.T) {
	t.Run("Identical boxes give 1", func(t *testing.T) {
		b := Box{0, 0, 1, 1}
		if g := GIoU(b, b); math.Abs(float64(g-1)) > 1e-6 {
			t.Errorf("Expected GIoU 1, got %.6f", g)
		}
	})

	t.Run("Distant boxes approach -1", func(t *testing.T) {
		g := GIoU(Box{0, 0, 1, 1}, Box{100, 100, 101, 101})
		if g > -0.9 {
			t.Errorf("Expected GIoU near -1, got %.6f", g)
		}
	})

	t.Run("Bounded in [-1, 1]", func(t *testing.T) {
		cases := [][2]Box{
			{{0, 0, 1, 1}, {0, 0, 1, 1}},
			{{0, 0, 1, 1}, {5, 0, 6, 1}},
			{{0, 0, 2, 2}, {1, 1, 3, 3}},
		}
		for _, c := range cases {
			g := GIoU(c[0], c[1])
			if g < -1 || g > 1 {
				t.Errorf("GIoU %.6f out of range for %v", g, c)
			}
		}
	})
}

func TestScale(t *testing.T) {
	b := Scale(Box{0.25, 0.5, 0.75, 1.0}, 200, 100)
	want := Box{50, 50, 150, 100}
	if b != want {
		t.Errorf("Expected %v, got %v", want, b)
	}
}
