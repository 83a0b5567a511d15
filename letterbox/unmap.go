package letterbox

import (
	"github.com/nvr-ai/go-detgraph/errdefs"
	"github.com/nvr-ai/go-detgraph/images"
	"github.com/nvr-ai/go-detgraph/postprocess"
)

// Unmap maps a box from letterboxed space back into the original image and clips it
// to [0, OrigWidth] x [0, OrigHeight].
func (m Meta) Unmap(b images.Box) images.Box {
	padL, padT := float32(m.PadLeft), float32(m.PadTop)
	out := images.Box{
		X1: (b.X1 - padL) / m.Scale,
		Y1: (b.Y1 - padT) / m.Scale,
		X2: (b.X2 - padL) / m.Scale,
		Y2: (b.Y2 - padT) / m.Scale,
	}
	return out.Clip(float32(m.OrigWidth), float32(m.OrigHeight))
}

// Map is the forward geometry: original-image coordinates into letterboxed space.
func (m Meta) Map(b images.Box) images.Box {
	padL, padT := float32(m.PadLeft), float32(m.PadTop)
	return images.Box{
		X1: b.X1*m.Scale + padL,
		Y1: b.Y1*m.Scale + padT,
		X2: b.X2*m.Scale + padL,
		Y2: b.Y2*m.Scale + padT,
	}
}

// UnmapDetections maps every image's detections with that image's own meta.
// The input slices are not modified.
//
// Returns:
//   - [][]postprocess.Detection: Detections in original image coordinates.
//   - error: ErrInvalidInputShape when the batch and meta counts differ.
func UnmapDetections(dets [][]postprocess.Detection, metas []Meta) ([][]postprocess.Detection, error) {
	if len(dets) != len(metas) {
		return nil, errdefs.InvalidShape("%d detection lists for %d images", len(dets), len(metas))
	}

	out := make([][]postprocess.Detection, len(dets))
	for i, list := range dets {
		mapped := make([]postprocess.Detection, len(list))
		for j, d := range list {
			d.Box = metas[i].Unmap(d.Box)
			mapped[j] = d
		}
		out[i] = mapped
	}
	return out, nil
}
