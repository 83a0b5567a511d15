// Package config - Pipeline configuration, loaded from YAML and validated once.
package config

import (
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/nvr-ai/go-detgraph/anchors"
	"github.com/nvr-ai/go-detgraph/errdefs"
	"github.com/nvr-ai/go-detgraph/letterbox"
	"github.com/nvr-ai/go-detgraph/logger"
	"github.com/nvr-ai/go-detgraph/postprocess"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Anchors selects a preset or lists scales explicitly. Scales win when both are set.
type Anchors struct {
	Preset string          `json:"preset,omitempty" yaml:"preset,omitempty"`
	Scales []anchors.Scale `json:"scales,omitempty" yaml:"scales,omitempty"`
}

// Config holds every recognised option. Treat it as an immutable value once
// validated and pass it explicitly; nothing in the module reads process-wide state.
type Config struct {
	// InferenceSize is [height, width]; both must be multiples of the largest anchor stride.
	InferenceSize [2]int `json:"inference_size" yaml:"inference_size" validate:"dive,gt=0"`
	// PaddingMode is centered or corner.
	PaddingMode string `json:"padding_mode" yaml:"padding_mode" validate:"oneof=centered corner"`
	// FillValue is the padding value in pixel units.
	FillValue float32 `json:"fill_value" yaml:"fill_value" validate:"gte=0,lte=255"`
	// Normalize divides letterboxed pixels by 255.
	Normalize bool `json:"normalize" yaml:"normalize"`
	// Rectangle letterboxes each batch to its smallest stride-aligned canvas.
	Rectangle bool `json:"rectangle" yaml:"rectangle"`

	ScoreThresh   float32 `json:"score_thresh"   yaml:"score_thresh"   validate:"gte=0,lte=1"`
	IoUThresh     float32 `json:"iou_thresh"     yaml:"iou_thresh"     validate:"gte=0,lte=1"`
	MaxDetections int     `json:"max_detections" yaml:"max_detections" validate:"gt=0"`
	// MaxCandidates bounds the pairs entering matrix suppression; it is also the
	// unrolled iteration count of exported matrix suppression.
	MaxCandidates int `json:"max_candidates" yaml:"max_candidates" validate:"gtefield=MaxDetections"`
	// MaxNMS bounds the pairs entering native suppression; 0 leaves it unbounded.
	MaxNMS           int  `json:"max_nms"            yaml:"max_nms"            validate:"omitempty,gtefield=MaxDetections"`
	ClassAgnosticNMS bool `json:"class_agnostic_nms" yaml:"class_agnostic_nms"`

	NumClasses int     `json:"num_classes" yaml:"num_classes" validate:"gt=0"`
	Anchors    Anchors `json:"anchors"     yaml:"anchors"`

	// NMSStrategy is auto, native, or matrix. Export resolves auto per target.
	NMSStrategy string `json:"nms_strategy" yaml:"nms_strategy" validate:"oneof=auto native matrix"`
	// ExportTarget is the default target of the export command.
	ExportTarget string `json:"export_target" yaml:"export_target" validate:"omitempty,oneof=graph-capture interchange-format fused-engine"`
	// ONNXOpset is the default-domain opset of exported interchange graphs.
	ONNXOpset int `json:"onnx_opset" yaml:"onnx_opset" validate:"gte=7,lte=17"`

	Logging logger.Options `json:"logging" yaml:"logging"`
}

// Default returns the 640x640 YOLOv5 P5 configuration.
func Default() Config {
	return Config{
		InferenceSize: [2]int{640, 640},
		PaddingMode:   string(letterbox.Centered),
		FillValue:     letterbox.DefaultFill,
		Normalize:     true,
		ScoreThresh:   0.25,
		IoUThresh:     0.45,
		MaxDetections: 100,
		MaxCandidates: 300,
		MaxNMS:        30000,
		NumClasses:    80,
		Anchors:       Anchors{Preset: anchors.PresetYOLOv5P5},
		NMSStrategy:   "auto",
		ExportTarget:  "interchange-format",
		ONNXOpset:     13,
		Logging:       logger.Options{Level: "info"},
	}
}

// Load reads a YAML file over the defaults and validates the result.
//
// Arguments:
//   - path: The YAML file path.
//
// Returns:
//   - Config: The validated configuration.
//   - error: A read or parse error, or ErrConfiguration for invalid values.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	return Parse(data)
}

// Parse decodes YAML bytes over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errdefs.Configuration("parse yaml: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks every range and cross-field rule.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return errdefs.Configuration("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return errdefs.Configuration("%v", err)
	}

	set, err := c.AnchorSet()
	if err != nil {
		return err
	}
	stride := set.MaxStride()
	if c.InferenceSize[0]%stride != 0 || c.InferenceSize[1]%stride != 0 {
		return errdefs.Configuration("inference_size %v is not a multiple of stride %d", c.InferenceSize, stride)
	}
	return nil
}

// AnchorSet resolves the configured anchors.
func (c Config) AnchorSet() (anchors.Set, error) {
	var (
		set anchors.Set
		err error
	)
	if len(c.Anchors.Scales) > 0 {
		// Copy so that filling in strides never writes through to the caller's slices.
		set.Scales = make([]anchors.Scale, len(c.Anchors.Scales))
		for i, sc := range c.Anchors.Scales {
			set.Scales[i] = anchors.Scale{Stride: sc.Stride, Anchors: make([]anchors.Anchor, len(sc.Anchors))}
			for j, a := range sc.Anchors {
				if a.Stride == 0 {
					a.Stride = sc.Stride
				}
				set.Scales[i].Anchors[j] = a
			}
		}
	} else {
		set, err = anchors.Preset(c.Anchors.Preset)
		if err != nil {
			return anchors.Set{}, errdefs.Configuration("anchors: %v", err)
		}
	}
	if err := set.Validate(); err != nil {
		return anchors.Set{}, errdefs.Configuration("anchors: %v", err)
	}
	return set, nil
}

// Stride is the network's total stride, the largest anchor stride.
func (c Config) Stride() int {
	set, err := c.AnchorSet()
	if err != nil {
		return 0
	}
	return set.MaxStride()
}

// Letterbox derives the letterbox parameters.
func (c Config) Letterbox() letterbox.Params {
	return letterbox.Params{
		Height:    c.InferenceSize[0],
		Width:     c.InferenceSize[1],
		Stride:    c.Stride(),
		Mode:      letterbox.PaddingMode(c.PaddingMode),
		Fill:      c.FillValue,
		Normalize: c.Normalize,
		Rectangle: c.Rectangle,
	}
}

// NMS derives the suppression parameters.
func (c Config) NMS() postprocess.Params {
	return postprocess.Params{
		ScoreThresh:   c.ScoreThresh,
		IoUThresh:     c.IoUThresh,
		MaxDetections: c.MaxDetections,
		MaxCandidates: c.MaxCandidates,
		MaxNMS:        c.MaxNMS,
		ClassAgnostic: c.ClassAgnosticNMS,
	}
}
