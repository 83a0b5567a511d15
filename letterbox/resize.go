package letterbox

import (
	"github.com/nvr-ai/go-detgraph/images"
)

// axis holds precomputed bilinear taps for one output coordinate.
type axis struct {
	i0, i1 int
	w0, w1 float32
}

// taps computes half-pixel bilinear sample positions for resizing n -> out.
//
// The resize scale is out/n per axis, so each axis is interpolated independently
// with the same arithmetic as an ONNX Resize(linear, half_pixel) with explicit sizes.
func taps(n, out int) []axis {
	scale := float32(out) / float32(n)
	res := make([]axis, out)
	for o := range res {
		src := (float32(o)+0.5)/scale - 0.5
		src = min(max(src, 0), float32(n-1))
		i0 := min(int(src), n-1)
		i1 := min(i0+1, n-1)
		d0 := src - float32(i0)
		d1 := float32(i1) - src
		if d1 < 0 {
			d1 = -d1
		}
		if i0 == i1 {
			d0, d1 = 0.5, 0.5
		}
		// Weight of a tap is the distance to the other tap.
		res[o] = axis{i0: i0, i1: i1, w0: d1, w1: d0}
	}
	return res
}

// resizeInto bilinearly resizes img into its slot of the CHW canvas dst.
func resizeInto(dst []float32, ch, cw int, img images.Image, m Meta) {
	src := img.Data()
	h, w := img.Height(), img.Width()
	ys := taps(h, m.ResizedHeight)
	xs := taps(w, m.ResizedWidth)

	images.Parallel(m.ResizedHeight, func(start, end int) {
		for c := 0; c < images.Channels; c++ {
			sp := src[c*h*w : (c+1)*h*w]
			dp := dst[c*ch*cw : (c+1)*ch*cw]
			for y := start; y < end; y++ {
				ty := ys[y]
				r0 := sp[ty.i0*w : (ty.i0+1)*w]
				r1 := sp[ty.i1*w : (ty.i1+1)*w]
				row := dp[(y+m.PadTop)*cw+m.PadLeft:]
				for x, tx := range xs {
					row[x] = tx.w0*ty.w0*r0[tx.i0] + tx.w1*ty.w0*r0[tx.i1] +
						tx.w0*ty.w1*r1[tx.i0] + tx.w1*ty.w1*r1[tx.i1]
				}
			}
		}
	})
}
