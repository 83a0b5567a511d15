// Package anchors - Static anchor priors per feature-map scale.
package anchors

import (
	"fmt"
	"sort"
)

// Anchor is a prior box shape in input pixels for one feature-map scale.
type Anchor struct {
	Width  float32 `json:"width"  yaml:"width"`
	Height float32 `json:"height" yaml:"height"`
	Stride int     `json:"stride" yaml:"stride"`
}

// Scale holds every anchor applied to the feature map of a single stride.
type Scale struct {
	Stride  int      `json:"stride"  yaml:"stride"`
	Anchors []Anchor `json:"anchors" yaml:"anchors"`
}

// Set is the full, ordered list of scales, finest stride first.
//
// A Set is read-only once built. Decoders and exporters share it by value.
type Set struct {
	Scales []Scale `json:"scales" yaml:"scales"`
}

const (
	// PresetYOLOv5P5 is the three-scale (8, 16, 32) COCO anchor set.
	PresetYOLOv5P5 = "yolov5-p5"
	// PresetYOLOv5P6 is the four-scale (8, 16, 32, 64) COCO anchor set.
	PresetYOLOv5P6 = "yolov5-p6"
)

// presets stores flat [w0,h0,w1,h1,...] pairs keyed by stride.
var presets = map[string]map[int][]float32{
	PresetYOLOv5P5: {
		8:  {10, 13, 16, 30, 33, 23},
		16: {30, 61, 62, 45, 59, 119},
		32: {116, 90, 156, 198, 373, 326},
	},
	PresetYOLOv5P6: {
		8:  {19, 27, 44, 40, 38, 94},
		16: {96, 68, 86, 152, 180, 137},
		32: {140, 301, 303, 264, 238, 542},
		64: {436, 615, 739, 380, 925, 792},
	},
}

// Presets lists the names accepted by Preset.
func Presets() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Preset builds the named anchor set.
//
// Arguments:
//   - name: One of the Preset* constants.
//
// Returns:
//   - Set: The anchor set, finest stride first.
//   - error: An error if the preset is unknown.
func Preset(name string) (Set, error) {
	byStride, ok := presets[name]
	if !ok {
		return Set{}, fmt.Errorf("unknown anchor preset %q (known: %v)", name, Presets())
	}

	strides := make([]int, 0, len(byStride))
	for s := range byStride {
		strides = append(strides, s)
	}
	sort.Ints(strides)

	set := Set{Scales: make([]Scale, 0, len(strides))}
	for _, stride := range strides {
		set.Scales = append(set.Scales, FromPairs(stride, byStride[stride]))
	}
	return set, nil
}

// FromPairs builds a Scale from flat width/height pairs.
func FromPairs(stride int, pairs []float32) Scale {
	sc := Scale{Stride: stride, Anchors: make([]Anchor, 0, len(pairs)/2)}
	for i := 0; i+1 < len(pairs); i += 2 {
		sc.Anchors = append(sc.Anchors, Anchor{Width: pairs[i], Height: pairs[i+1], Stride: stride})
	}
	return sc
}

// MaxStride returns the coarsest stride, the multiple every input size must honour.
func (s Set) MaxStride() int {
	m := 0
	for _, sc := range s.Scales {
		m = max(m, sc.Stride)
	}
	return m
}

// Validate checks that strides increase, every scale has at least one anchor, and
// every anchor carries its scale's stride with a positive size.
func (s Set) Validate() error {
	if len(s.Scales) == 0 {
		return fmt.Errorf("anchor set has no scales")
	}
	prev := 0
	for i, sc := range s.Scales {
		if sc.Stride <= prev {
			return fmt.Errorf("scale %d: stride %d must be positive and increasing", i, sc.Stride)
		}
		prev = sc.Stride
		if len(sc.Anchors) == 0 {
			return fmt.Errorf("scale %d: no anchors", i)
		}
		for j, a := range sc.Anchors {
			if a.Width <= 0 || a.Height <= 0 {
				return fmt.Errorf("scale %d anchor %d: non-positive size %vx%v", i, j, a.Width, a.Height)
			}
			if a.Stride != sc.Stride {
				return fmt.Errorf("scale %d anchor %d: stride %d does not match scale stride %d", i, j, a.Stride, sc.Stride)
			}
		}
	}
	return nil
}

// Flat returns the anchors of one scale as [w0,h0,w1,h1,...].
func (sc Scale) Flat() []float32 {
	out := make([]float32, 0, 2*len(sc.Anchors))
	for _, a := range sc.Anchors {
		out = append(out, a.Width, a.Height)
	}
	return out
}
