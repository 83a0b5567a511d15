package images

import (
	"bytes"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/chai2010/webp"
	"github.com/pkg/errors"
)

// ImageFormat represents supported encoded image formats.
type ImageFormat string

const (
	// FormatJPEG is the JPEG image format.
	FormatJPEG ImageFormat = "jpeg"
	// FormatWebP is the WebP image format.
	FormatWebP ImageFormat = "webp"
	// FormatPNG is the PNG image format.
	FormatPNG ImageFormat = "png"
)

// DetectFormat sniffs the encoded format from the leading magic bytes.
func DetectFormat(data []byte) (ImageFormat, bool) {
	switch {
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return FormatWebP, true
	case len(data) >= 8 && bytes.Equal(data[0:8], []byte("\x89PNG\r\n\x1a\n")):
		return FormatPNG, true
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return FormatJPEG, true
	}
	return "", false
}

// Decode turns encoded bytes into a pipeline image.
//
// Arguments:
//   - data: The encoded image bytes.
//
// Returns:
//   - Image: The decoded CHW image.
//   - error: An error if the format is unknown or decoding fails.
func Decode(data []byte) (Image, error) {
	format, ok := DetectFormat(data)
	if !ok {
		return Image{}, errors.New("unrecognised image format")
	}

	var (
		img image.Image
		err error
	)
	r := bytes.NewReader(data)
	switch format {
	case FormatWebP:
		img, err = webp.Decode(r)
	case FormatPNG:
		img, err = png.Decode(r)
	default:
		img, err = jpeg.Decode(r)
	}
	if err != nil {
		return Image{}, errors.Wrapf(err, "decode %s", format)
	}

	return FromImage(img)
}
