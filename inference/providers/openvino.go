package providers

import (
	"strconv"

	ort "github.com/yalue/onnxruntime_go"
)

// OpenVINOOptions contains arguments for the OpenVINO provider.
// See:
// https://onnxruntime.ai/docs/execution-providers/OpenVINO-ExecutionProvider.html#summary-of-options
type OpenVINOOptions struct {
	// DeviceType is CPU, GPU, NPU or a HETERO/MULTI/AUTO combination. Empty keeps
	// the build default.
	DeviceType string `json:"device_type" yaml:"device_type"`
	// Precision is FP32, FP16 or ACCURACY.
	Precision string `json:"precision" yaml:"precision"`
	// NumThreads overrides the accelerator thread count; 0 keeps the default.
	NumThreads int `json:"num_of_threads" yaml:"num_of_threads"`
	// CacheDir enables model caching in the given directory.
	CacheDir string `json:"cache_dir" yaml:"cache_dir"`
}

func (o OpenVINOOptions) values() map[string]string {
	v := map[string]string{}
	if o.DeviceType != "" {
		v["device_type"] = o.DeviceType
	}
	if o.Precision != "" {
		v["precision"] = o.Precision
	}
	if o.NumThreads > 0 {
		v["num_of_threads"] = strconv.Itoa(o.NumThreads)
	}
	if o.CacheDir != "" {
		v["cache_dir"] = o.CacheDir
	}
	return v
}

func (o OpenVINOOptions) apply(options *ort.SessionOptions) error {
	return options.AppendExecutionProviderOpenVINO(o.values())
}
