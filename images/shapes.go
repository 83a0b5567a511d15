package images

import "github.com/chewxy/math32"

// Box is an axis-aligned box in corner form, in pixel coordinates.
type Box struct {
	X1 float32 `json:"x1"`
	Y1 float32 `json:"y1"`
	X2 float32 `json:"x2"`
	Y2 float32 `json:"y2"`
}

// Area returns the box area, zero for degenerate boxes.
func (b Box) Area() float32 {
	return math32.Max(b.X2-b.X1, 0) * math32.Max(b.Y2-b.Y1, 0)
}

// IoU returns the intersection over union of b and o, in [0, 1].
//
// The intersection is the rectangle spanned by the larger of the two top-left
// corners and the smaller of the two bottom-right corners; when it has no width
// or height the boxes do not overlap and the result is 0. The union follows the
// inclusion-exclusion rule area(b) + area(o) - intersection.
//
// Arguments:
//   - o: The box to compare against.
//
// Returns:
//   - float32: The IoU score. Boxes with no union area score 0.
//
// @example
//
//	a := Box{X1: 0, Y1: 0, X2: 10, Y2: 10}
//	b := Box{X1: 5, Y1: 5, X2: 15, Y2: 15}
//	a.IoU(b) // 25 / 175 = 0.142857
func (b Box) IoU(o Box) float32 {
	iw := math32.Min(b.X2, o.X2) - math32.Max(b.X1, o.X1)
	ih := math32.Min(b.Y2, o.Y2) - math32.Max(b.Y1, o.Y1)
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih

	union := (b.X2-b.X1)*(b.Y2-b.Y1) + (o.X2-o.X1)*(o.Y2-o.Y1) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Clip clamps the box to [0, width] x [0, height].
func (b Box) Clip(width, height float32) Box {
	return Box{
		X1: clamp(b.X1, 0, width),
		Y1: clamp(b.Y1, 0, height),
		X2: clamp(b.X2, 0, width),
		Y2: clamp(b.Y2, 0, height),
	}
}

func clamp(v, lo, hi float32) float32 {
	return math32.Min(math32.Max(v, lo), hi)
}
