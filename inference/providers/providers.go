// Package providers - ONNX Runtime execution provider selection.
package providers

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/nvr-ai/go-detgraph/errdefs"
	"github.com/nvr-ai/go-detgraph/logger"
)

// Backend names an ONNX Runtime execution provider.
type Backend string

const (
	// CPU runs on the default CPU provider.
	CPU Backend = "cpu"
	// CUDA uses NVIDIA CUDA for GPU acceleration.
	CUDA Backend = "cuda"
	// TensorRT uses NVIDIA TensorRT, falling back to CUDA for unsupported nodes.
	TensorRT Backend = "tensorrt"
	// CoreML uses Apple CoreML for macOS acceleration.
	CoreML Backend = "coreml"
	// OpenVINO uses Intel OpenVINO.
	OpenVINO Backend = "openvino"
)

// Backends lists every backend.
func Backends() []Backend { return []Backend{CPU, CUDA, TensorRT, CoreML, OpenVINO} }

// ParseBackend converts a name into a Backend. "" selects CPU.
func ParseBackend(name string) (Backend, error) {
	if name == "" {
		return CPU, nil
	}
	for _, b := range Backends() {
		if string(b) == name {
			return b, nil
		}
	}
	return "", errdefs.Configuration("unknown execution provider %q", name)
}

// Config selects a provider and its options for a session.
type Config struct {
	Backend Backend `json:"backend" yaml:"backend"`
	// Fallback keeps the session on CPU when the provider cannot be appended.
	Fallback bool `json:"fallback" yaml:"fallback"`

	CPU      CPUOptions      `json:"cpu"      yaml:"cpu"`
	CUDA     CUDAOptions     `json:"cuda"     yaml:"cuda"`
	TensorRT TensorRTOptions `json:"tensorrt" yaml:"tensorrt"`
	CoreML   CoreMLOptions   `json:"coreml"   yaml:"coreml"`
	OpenVINO OpenVINOOptions `json:"openvino" yaml:"openvino"`
}

// Validate checks the backend name.
func (c Config) Validate() error {
	_, err := ParseBackend(string(c.Backend))
	return err
}

// SessionOptions builds ORT session options for the configuration. The caller
// owns the result and must Destroy it.
//
// Arguments:
//   - log: Receives a warning when a provider falls back to CPU.
//
// Returns:
//   - *ort.SessionOptions: The configured options.
//   - error: An error if the options cannot be created, or the provider cannot be
//     appended and Fallback is off.
//
// @example
//
//	opts, err := providers.Config{Backend: providers.CUDA}.SessionOptions(log)
//	if err != nil {
//	    return err
//	}
//	defer opts.Destroy()
func (c Config) SessionOptions(log logrus.FieldLogger) (*ort.SessionOptions, error) {
	backend, err := ParseBackend(string(c.Backend))
	if err != nil {
		return nil, err
	}
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "create session options")
	}
	if err := c.CPU.apply(options); err != nil {
		_ = options.Destroy()
		return nil, err
	}

	switch backend {
	case CUDA:
		err = c.CUDA.apply(options)
	case TensorRT:
		err = c.TensorRT.apply(options)
		if err == nil {
			err = c.CUDA.apply(options)
		}
	case CoreML:
		err = c.CoreML.apply(options)
	case OpenVINO:
		err = c.OpenVINO.apply(options)
	}
	if err != nil {
		if !c.Fallback {
			_ = options.Destroy()
			return nil, errors.Wrapf(err, "append %s execution provider", backend)
		}
		logger.OrDiscard(log).WithError(err).WithField("provider", backend).
			Warn("execution provider unavailable, using cpu")
	}
	return options, nil
}
