// Package decode - Turns raw per-anchor head outputs into scored corner boxes.
package decode

import (
	"github.com/nvr-ai/go-detgraph/anchors"
	"github.com/nvr-ai/go-detgraph/errdefs"
	"github.com/nvr-ai/go-detgraph/images"
	"github.com/nvr-ai/go-detgraph/postprocess"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Decoder decodes YOLOv5-style head outputs laid out as [N, A*(5+C), Gh, Gw] per scale.
//
// The anchor set is read-only; a Decoder is safe for concurrent use.
type Decoder struct {
	set        anchors.Set
	numClasses int
}

// New builds a decoder.
//
// Arguments:
//   - set: The anchor set, one scale per raw output, finest stride first.
//   - numClasses: The class count C.
//
// Returns:
//   - *Decoder: The decoder.
//   - error: ErrConfiguration if the anchor set is invalid or numClasses is not positive.
func New(set anchors.Set, numClasses int) (*Decoder, error) {
	if err := set.Validate(); err != nil {
		return nil, errdefs.Configuration("anchors: %v", err)
	}
	if numClasses <= 0 {
		return nil, errdefs.Configuration("num_classes %d must be positive", numClasses)
	}
	return &Decoder{set: set, numClasses: numClasses}, nil
}

// NumClasses returns C.
func (d *Decoder) NumClasses() int { return d.numClasses }

// Anchors returns the decoder's anchor set.
func (d *Decoder) Anchors() anchors.Set { return d.set }

// Decode converts one batch of raw outputs into per-image candidates.
//
// Grid sizes are read from each tensor's shape, so any input resolution works.
// Candidates are ordered by scale, then anchor, then grid row, then grid column.
//
// Arguments:
//   - raw: One tensor per scale, in anchor-set order.
//
// Returns:
//   - []postprocess.Candidates: One entry per image of the batch.
//   - error: ErrInvalidInputShape when the outputs do not match the anchors.
func (d *Decoder) Decode(raw []*tensor.Dense) ([]postprocess.Candidates, error) {
	if len(raw) != len(d.set.Scales) {
		return nil, errdefs.InvalidShape("got %d raw outputs for %d anchor scales", len(raw), len(d.set.Scales))
	}

	batch := -1
	total := 0
	for i, r := range raw {
		n, err := d.checkShape(i, r)
		if err != nil {
			return nil, err
		}
		if batch >= 0 && n != batch {
			return nil, errdefs.InvalidShape("scale %d has batch %d, want %d", i, n, batch)
		}
		batch = n
		shape := r.Shape()
		total += len(d.set.Scales[i].Anchors) * shape[2] * shape[3]
	}

	out := make([]postprocess.Candidates, batch)
	for n := range out {
		out[n] = postprocess.Candidates{
			Boxes:      make([]images.Box, 0, total),
			Scores:     make([]float32, 0, total*d.numClasses),
			NumClasses: d.numClasses,
		}
	}

	for i, r := range raw {
		sig, err := Sigmoid(r)
		if err != nil {
			return nil, errors.Wrapf(err, "scale %d", i)
		}
		d.decodeScale(out, d.set.Scales[i], r.Shape(), sig)
	}
	return out, nil
}

func (d *Decoder) checkShape(i int, r *tensor.Dense) (int, error) {
	if r == nil {
		return 0, errdefs.InvalidShape("scale %d output is nil", i)
	}
	if r.Dtype() != tensor.Float32 {
		return 0, errdefs.InvalidShape("scale %d output dtype %v, want float32", i, r.Dtype())
	}
	shape := r.Shape()
	if len(shape) != 4 {
		return 0, errdefs.InvalidShape("scale %d output shape %v, want [N, A*(5+C), Gh, Gw]", i, shape)
	}
	want := len(d.set.Scales[i].Anchors) * (5 + d.numClasses)
	if shape[1] != want {
		return 0, errdefs.InvalidShape("scale %d output has %d channels, want %d", i, shape[1], want)
	}
	if shape[0] <= 0 || shape[2] <= 0 || shape[3] <= 0 {
		return 0, errdefs.InvalidShape("scale %d output shape %v has empty dims", i, shape)
	}
	return shape[0], nil
}

// decodeScale appends the scale's candidates to every image in out.
func (d *Decoder) decodeScale(out []postprocess.Candidates, sc anchors.Scale, shape tensor.Shape, sig []float32) {
	channels, gh, gw := shape[1], shape[2], shape[3]
	plane := gh * gw
	attrs := 5 + d.numClasses
	stride := float32(sc.Stride)

	for n := range out {
		c := &out[n]
		for a, anchor := range sc.Anchors {
			base := (n*channels + a*attrs) * plane
			at := func(k, cell int) float32 { return sig[base+k*plane+cell] }

			for gy := 0; gy < gh; gy++ {
				for gx := 0; gx < gw; gx++ {
					cell := gy*gw + gx
					cx := (at(0, cell)*2 - 0.5 + float32(gx)) * stride
					cy := (at(1, cell)*2 - 0.5 + float32(gy)) * stride
					tw := at(2, cell) * 2
					th := at(3, cell) * 2
					w := tw * tw * anchor.Width
					h := th * th * anchor.Height
					obj := at(4, cell)

					c.Boxes = append(c.Boxes, images.Box{
						X1: cx - w*0.5,
						Y1: cy - h*0.5,
						X2: cx + w*0.5,
						Y2: cy + h*0.5,
					})
					for k := 0; k < d.numClasses; k++ {
						c.Scores = append(c.Scores, obj*at(5+k, cell))
					}
				}
			}
		}
	}
}
