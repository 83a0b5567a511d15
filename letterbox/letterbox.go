// Package letterbox - Aspect-preserving resize and pad to the inference resolution,
// and the inverse mapping of boxes back to original image space.
package letterbox

import (
	"math"

	"github.com/nvr-ai/go-detgraph/errdefs"
	"github.com/nvr-ai/go-detgraph/images"
	"gorgonia.org/tensor"
)

// PaddingMode selects where the padding goes.
type PaddingMode string

const (
	// Centered splits padding across both sides; the odd pixel goes right/bottom.
	Centered PaddingMode = "centered"
	// Corner anchors the image top-left and pads right/bottom only.
	Corner PaddingMode = "corner"
)

// DefaultFill is the grey used for padding pixels.
const DefaultFill float32 = 114

// Params configures a Transformer.
type Params struct {
	// Height and Width are the inference resolution.
	Height int `json:"height"`
	Width  int `json:"width"`
	// Stride is the network's total stride. Only used in Rectangle mode.
	Stride int `json:"stride"`
	// Mode is the padding policy.
	Mode PaddingMode `json:"mode"`
	// Fill is the padding value in [0, 255] pixel units.
	Fill float32 `json:"fill"`
	// Normalize divides the finished canvas by 255.
	Normalize bool `json:"normalize"`
	// Rectangle shrinks the canvas to the smallest stride multiple that holds every
	// resized image of a batch, never exceeding Height x Width.
	Rectangle bool `json:"rectangle"`
}

// Meta records how one image was letterboxed. It is a value and never mutated.
type Meta struct {
	Scale         float32 `json:"scale"`
	PadLeft       int     `json:"pad_left"`
	PadTop        int     `json:"pad_top"`
	OrigHeight    int     `json:"orig_height"`
	OrigWidth     int     `json:"orig_width"`
	ResizedHeight int     `json:"resized_height"`
	ResizedWidth  int     `json:"resized_width"`
	CanvasHeight  int     `json:"canvas_height"`
	CanvasWidth   int     `json:"canvas_width"`
}

// Transformer letterboxes images. It holds no mutable state.
type Transformer struct {
	params Params
}

// New validates params and returns a Transformer.
//
// Arguments:
//   - p: The letterbox parameters.
//
// Returns:
//   - *Transformer: The transformer.
//   - error: ErrConfiguration for non-positive sizes, unknown modes, or a size that
//     is not a multiple of the stride.
func New(p Params) (*Transformer, error) {
	if p.Height <= 0 || p.Width <= 0 {
		return nil, errdefs.Configuration("letterbox size %dx%d must be positive", p.Height, p.Width)
	}
	if p.Mode == "" {
		p.Mode = Centered
	}
	if p.Mode != Centered && p.Mode != Corner {
		return nil, errdefs.Configuration("unknown padding mode %q", p.Mode)
	}
	if p.Stride <= 0 {
		p.Stride = 1
	}
	if p.Height%p.Stride != 0 || p.Width%p.Stride != 0 {
		return nil, errdefs.Configuration("letterbox size %dx%d is not a multiple of stride %d", p.Height, p.Width, p.Stride)
	}
	return &Transformer{params: p}, nil
}

// Params returns a copy of the transformer's parameters.
func (t *Transformer) Params() Params {
	return t.params
}

// roundHalfEven matches the rounding of the exported graph's Round op.
func roundHalfEven(v float32) int {
	return int(math.RoundToEven(float64(v)))
}

// resized computes the scale and resized size for an h x w image.
func (t *Transformer) resized(h, w int) (float32, int, int) {
	scale := min(float32(t.params.Height)/float32(h), float32(t.params.Width)/float32(w))
	rh := max(roundHalfEven(float32(h)*scale), 1)
	rw := max(roundHalfEven(float32(w)*scale), 1)
	return scale, rh, rw
}

func (t *Transformer) canvasFor(rh, rw int) (int, int) {
	if !t.params.Rectangle {
		return t.params.Height, t.params.Width
	}
	s := t.params.Stride
	ch := min((rh+s-1)/s*s, t.params.Height)
	cw := min((rw+s-1)/s*s, t.params.Width)
	return ch, cw
}

// place fills in the padding fields of m for the given canvas.
func (t *Transformer) place(m Meta, ch, cw int) Meta {
	m.CanvasHeight, m.CanvasWidth = ch, cw
	dh, dw := ch-m.ResizedHeight, cw-m.ResizedWidth
	if t.params.Mode == Centered {
		m.PadTop, m.PadLeft = dh/2, dw/2
	} else {
		m.PadTop, m.PadLeft = 0, 0
	}
	return m
}

// Plan computes the letterbox geometry for an image size without touching pixels.
//
// Arguments:
//   - height: The original image height.
//   - width: The original image width.
//
// Returns:
//   - Meta: The geometry the image would receive on its own.
//   - error: ErrInvalidInputShape for non-positive sizes.
func (t *Transformer) Plan(height, width int) (Meta, error) {
	if height <= 0 || width <= 0 {
		return Meta{}, errdefs.InvalidShape("image size %dx%d must be positive", height, width)
	}
	scale, rh, rw := t.resized(height, width)
	m := Meta{Scale: scale, OrigHeight: height, OrigWidth: width, ResizedHeight: rh, ResizedWidth: rw}
	ch, cw := t.canvasFor(rh, rw)
	return t.place(m, ch, cw), nil
}

// Transform letterboxes a single image.
//
// Returns:
//   - *tensor.Dense: The [3, canvasHeight, canvasWidth] canvas.
//   - Meta: The image's letterbox geometry.
//   - error: ErrInvalidInputShape if the image is not a valid CHW tensor.
func (t *Transformer) Transform(img images.Image) (*tensor.Dense, Meta, error) {
	batch, metas, err := t.Batch([]images.Image{img})
	if err != nil {
		return nil, Meta{}, err
	}
	m := metas[0]
	canvas := tensor.New(
		tensor.WithShape(images.Channels, m.CanvasHeight, m.CanvasWidth),
		tensor.WithBacking(batch.Data().([]float32)),
	)
	return canvas, m, nil
}

// Batch letterboxes images of any mix of sizes into one [N, 3, H, W] tensor.
//
// Every image goes through the same resize-then-pad path, including images that
// already match the canvas (scale 1, zero padding). Index i of the returned metas
// belongs to image i.
//
// Arguments:
//   - imgs: The images to letterbox.
//
// Returns:
//   - *tensor.Dense: The batch tensor.
//   - []Meta: One Meta per image.
//   - error: ErrInvalidInputShape for an empty batch or an invalid image.
func (t *Transformer) Batch(imgs []images.Image) (*tensor.Dense, []Meta, error) {
	if len(imgs) == 0 {
		return nil, nil, errdefs.InvalidShape("empty batch")
	}

	metas := make([]Meta, len(imgs))
	maxH, maxW := 0, 0
	for i, img := range imgs {
		if err := img.Validate(); err != nil {
			return nil, nil, errdefs.InvalidShape("image %d: %v", i, err)
		}
		m, err := t.Plan(img.Height(), img.Width())
		if err != nil {
			return nil, nil, err
		}
		metas[i] = m
		maxH, maxW = max(maxH, m.ResizedHeight), max(maxW, m.ResizedWidth)
	}

	ch, cw := t.canvasFor(maxH, maxW)
	for i := range metas {
		metas[i] = t.place(metas[i], ch, cw)
	}

	plane := ch * cw
	stride := images.Channels * plane
	data := make([]float32, len(imgs)*stride)
	for i := range data {
		data[i] = t.params.Fill
	}

	for i, img := range imgs {
		resizeInto(data[i*stride:(i+1)*stride], ch, cw, img, metas[i])
	}

	if t.params.Normalize {
		for i := range data {
			data[i] /= 255
		}
	}

	return tensor.New(tensor.WithShape(len(imgs), images.Channels, ch, cw), tensor.WithBacking(data)), metas, nil
}
