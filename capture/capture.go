// Package capture - OpenCV frame sources feeding the pipeline.
package capture

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/go-detgraph/images"
	"github.com/nvr-ai/go-detgraph/logger"
)

// ErrEndOfStream is returned by Read once a file source is exhausted.
var ErrEndOfStream = errors.New("end of stream")

// Source reads frames from a capture device, a video file or a stream URL.
// It is not safe for concurrent use.
type Source struct {
	uri   string
	video *gocv.VideoCapture
	frame gocv.Mat
	log   logrus.FieldLogger
}

// Open opens uri. A decimal uri selects a capture device by index.
//
// Arguments:
//   - uri: A device index, file path or stream URL.
//   - log: Optional logger.
//
// Returns:
//   - *Source: The source. Close releases it.
//   - error: An error if OpenCV cannot open uri.
func Open(uri string, log logrus.FieldLogger) (*Source, error) {
	var device interface{} = uri
	if id, err := strconv.Atoi(uri); err == nil {
		device = id
	}
	video, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, errors.Wrapf(err, "open capture %s", uri)
	}
	if !video.IsOpened() {
		_ = video.Close()
		return nil, errors.Errorf("capture %s did not open", uri)
	}

	log = logger.OrDiscard(log).WithField("source", uri)
	log.WithFields(logrus.Fields{
		"width":  int(video.Get(gocv.VideoCaptureFrameWidth)),
		"height": int(video.Get(gocv.VideoCaptureFrameHeight)),
		"fps":    video.Get(gocv.VideoCaptureFPS),
	}).Info("capture: opened")
	return &Source{uri: uri, video: video, frame: gocv.NewMat(), log: log}, nil
}

// Read returns the next frame as a pipeline image.
func (s *Source) Read() (images.Image, error) {
	if ok := s.video.Read(&s.frame); !ok || s.frame.Empty() {
		return images.Image{}, ErrEndOfStream
	}
	return FromMat(s.frame)
}

// FromMat converts an 8-bit BGR Mat into a pipeline image.
func FromMat(m gocv.Mat) (images.Image, error) {
	if m.Type() != gocv.MatTypeCV8UC3 {
		return images.Image{}, errors.Errorf("frame type %v, want 8-bit BGR", m.Type())
	}
	if !m.IsContinuous() {
		c := m.Clone()
		defer c.Close()
		m = c
	}
	return images.FromBGR(m.Rows(), m.Cols(), m.ToBytes())
}

// Frames feeds every stride-th frame to fn until the source ends, ctx is
// cancelled, or fn fails. Frame indices count every frame read, kept or not.
func (s *Source) Frames(ctx context.Context, stride int, fn func(index int, img images.Image) error) error {
	if stride < 1 {
		stride = 1
	}
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		img, err := s.Read()
		if errors.Is(err, ErrEndOfStream) {
			s.log.WithField("frames", i).Info("capture: end of stream")
			return nil
		}
		if err != nil {
			return err
		}
		if i%stride != 0 {
			continue
		}
		if err := fn(i, img); err != nil {
			return err
		}
	}
}

// Close releases the frame buffer and the capture.
func (s *Source) Close() error {
	_ = s.frame.Close()
	return s.video.Close()
}
