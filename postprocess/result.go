// Package postprocess - Candidate selection and non-maximum suppression.
package postprocess

import (
	"github.com/nvr-ai/go-detgraph/errdefs"
	"github.com/nvr-ai/go-detgraph/images"
)

// Detection is a single kept box.
type Detection struct {
	// Box is the detection box. Its coordinate space depends on the stage that produced it.
	Box images.Box `json:"box"`
	// Score is objectness multiplied by the class score.
	Score float32 `json:"score"`
	// Label is the class index.
	Label int `json:"label"`
}

// Candidates holds one image's decoded boxes and their per-class scores.
type Candidates struct {
	// Boxes are corner-form boxes in letterboxed space.
	Boxes []images.Box
	// Scores is row-major [len(Boxes), NumClasses].
	Scores []float32
	// NumClasses is the class count C.
	NumClasses int
}

// Validate checks that the score matrix matches the boxes.
func (c Candidates) Validate() error {
	if c.NumClasses <= 0 {
		return errdefs.InvalidShape("candidates have %d classes", c.NumClasses)
	}
	if len(c.Scores) != len(c.Boxes)*c.NumClasses {
		return errdefs.InvalidShape("candidates have %d scores for %d boxes x %d classes",
			len(c.Scores), len(c.Boxes), c.NumClasses)
	}
	return nil
}

// FromDetections turns detections back into one-hot candidates, so NMS can be run
// again on its own output.
func FromDetections(dets []Detection, numClasses int) Candidates {
	c := Candidates{
		Boxes:      make([]images.Box, len(dets)),
		Scores:     make([]float32, len(dets)*numClasses),
		NumClasses: numClasses,
	}
	for i, d := range dets {
		c.Boxes[i] = d.Box
		c.Scores[i*numClasses+d.Label] = d.Score
	}
	return c
}
