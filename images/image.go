// Package images - Pixel tensors and box geometry shared by the pipeline.
package images

import (
	"image"

	"github.com/nvr-ai/go-detgraph/errdefs"
	"gorgonia.org/tensor"
)

// Channels is the channel count every pipeline image carries (RGB).
const Channels = 3

// Image is an RGB pixel tensor in CHW layout with float32 values in [0, 255].
//
// Height and width vary from image to image; the tensor's runtime shape is the
// only source of truth for them.
type Image struct {
	// Pixels has shape [3, height, width].
	Pixels *tensor.Dense
}

// New allocates a zero-filled image of the given size.
func New(height, width int) Image {
	return Image{Pixels: tensor.New(tensor.WithShape(Channels, height, width), tensor.Of(tensor.Float32))}
}

// FromData wraps CHW float32 data without copying.
//
// Arguments:
//   - height: Image height in pixels.
//   - width: Image width in pixels.
//   - data: CHW pixel values, len must be 3*height*width.
//
// Returns:
//   - Image: The wrapped image.
//   - error: ErrInvalidInputShape if the sizes do not agree.
func FromData(height, width int, data []float32) (Image, error) {
	if height <= 0 || width <= 0 {
		return Image{}, errdefs.InvalidShape("image size %dx%d must be positive", height, width)
	}
	if len(data) != Channels*height*width {
		return Image{}, errdefs.InvalidShape("image data has %d values, want %d", len(data), Channels*height*width)
	}
	return Image{Pixels: tensor.New(tensor.WithShape(Channels, height, width), tensor.WithBacking(data))}, nil
}

// FromImage converts a decoded image.Image into a CHW float32 tensor.
func FromImage(src image.Image) (Image, error) {
	b := src.Bounds()
	h, w := b.Dy(), b.Dx()
	if h <= 0 || w <= 0 {
		return Image{}, errdefs.InvalidShape("image size %dx%d must be positive", h, w)
	}

	data := make([]float32, Channels*h*w)
	plane := h * w
	Parallel(h, func(start, end int) {
		for y := start; y < end; y++ {
			for x := 0; x < w; x++ {
				r, g, bl, _ := src.At(b.Min.X+x, b.Min.Y+y).RGBA()
				i := y*w + x
				data[i] = float32(r >> 8)
				data[plane+i] = float32(g >> 8)
				data[2*plane+i] = float32(bl >> 8)
			}
		}
	})

	return FromData(h, w, data)
}

// FromBGR converts packed 8-bit BGR rows, the layout of OpenCV frames, into a CHW
// float32 image.
func FromBGR(height, width int, bgr []byte) (Image, error) {
	if height <= 0 || width <= 0 {
		return Image{}, errdefs.InvalidShape("image size %dx%d must be positive", height, width)
	}
	plane := height * width
	if len(bgr) != Channels*plane {
		return Image{}, errdefs.InvalidShape("frame has %d bytes, want %d", len(bgr), Channels*plane)
	}

	data := make([]float32, Channels*plane)
	Parallel(plane, func(start, end int) {
		for i := start; i < end; i++ {
			data[2*plane+i] = float32(bgr[3*i])
			data[plane+i] = float32(bgr[3*i+1])
			data[i] = float32(bgr[3*i+2])
		}
	})
	return FromData(height, width, data)
}

// Height returns the image height, or 0 for an empty image.
func (img Image) Height() int {
	if img.Pixels == nil || img.Pixels.Dims() != 3 {
		return 0
	}
	return img.Pixels.Shape()[1]
}

// Width returns the image width, or 0 for an empty image.
func (img Image) Width() int {
	if img.Pixels == nil || img.Pixels.Dims() != 3 {
		return 0
	}
	return img.Pixels.Shape()[2]
}

// Data returns the backing CHW slice.
func (img Image) Data() []float32 {
	return img.Pixels.Data().([]float32)
}

// Validate checks the tensor is a non-empty float32 [3, H, W] image.
func (img Image) Validate() error {
	if img.Pixels == nil {
		return errdefs.InvalidShape("image has no pixel tensor")
	}
	if img.Pixels.Dtype() != tensor.Float32 {
		return errdefs.InvalidShape("image dtype %v, want float32", img.Pixels.Dtype())
	}
	shape := img.Pixels.Shape()
	if len(shape) != 3 {
		return errdefs.InvalidShape("image shape %v is not CHW", shape)
	}
	if shape[0] != Channels {
		return errdefs.InvalidShape("image has %d channels, want %d", shape[0], Channels)
	}
	if shape[1] <= 0 || shape[2] <= 0 {
		return errdefs.InvalidShape("image size %dx%d must be positive", shape[1], shape[2])
	}
	return nil
}
