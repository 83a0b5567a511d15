package providers

import (
	"strconv"

	ort "github.com/yalue/onnxruntime_go"
)

// CUDAOptions contains arguments for the CUDA provider.
// See:
// https://onnxruntime.ai/docs/execution-providers/CUDA-ExecutionProvider.html#configuration-options
type CUDAOptions struct {
	DeviceID int `json:"device_id" yaml:"device_id"`
	// GPUMemLimit caps the provider's memory arena in bytes; 0 leaves it unbounded.
	GPUMemLimit int64 `json:"gpu_mem_limit" yaml:"gpu_mem_limit"`
	// ArenaExtendStrategy is kNextPowerOfTwo or kSameAsRequested.
	ArenaExtendStrategy string `json:"arena_extend_strategy" yaml:"arena_extend_strategy"`
	// CudnnConvAlgoSearch is EXHAUSTIVE, HEURISTIC or DEFAULT.
	CudnnConvAlgoSearch string `json:"cudnn_conv_algo_search" yaml:"cudnn_conv_algo_search"`
	// DoCopyInDefaultStream copies on the default stream. The recommended setting is true.
	DoCopyInDefaultStream bool `json:"do_copy_in_default_stream" yaml:"do_copy_in_default_stream"`
	// UseTF32 allows TensorFloat-32 matmuls on Ampere and later.
	UseTF32 bool `json:"use_tf32" yaml:"use_tf32"`
}

// values renders the options as ORT provider keys.
func (o CUDAOptions) values() map[string]string {
	v := map[string]string{
		"device_id":                 strconv.Itoa(o.DeviceID),
		"do_copy_in_default_stream": boolFlag(o.DoCopyInDefaultStream),
		"use_tf32":                  boolFlag(o.UseTF32),
	}
	if o.GPUMemLimit > 0 {
		v["gpu_mem_limit"] = strconv.FormatInt(o.GPUMemLimit, 10)
	}
	if o.ArenaExtendStrategy != "" {
		v["arena_extend_strategy"] = o.ArenaExtendStrategy
	}
	if o.CudnnConvAlgoSearch != "" {
		v["cudnn_conv_algo_search"] = o.CudnnConvAlgoSearch
	}
	return v
}

func (o CUDAOptions) apply(options *ort.SessionOptions) error {
	native, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer native.Destroy()
	if err := native.Update(o.values()); err != nil {
		return err
	}
	return options.AppendExecutionProviderCUDA(native)
}

// TensorRTOptions contains arguments for the TensorRT provider.
// See: https://onnxruntime.ai/docs/execution-providers/TensorRT-ExecutionProvider.html
type TensorRTOptions struct {
	DeviceID int `json:"device_id" yaml:"device_id"`
	// MaxWorkspaceSize is the builder workspace in bytes; 0 keeps the default.
	MaxWorkspaceSize int64 `json:"max_workspace_size" yaml:"max_workspace_size"`
	FP16             bool  `json:"fp16"               yaml:"fp16"`
	// EngineCachePath enables engine caching in the given directory.
	EngineCachePath string `json:"engine_cache_path" yaml:"engine_cache_path"`
}

func (o TensorRTOptions) values() map[string]string {
	v := map[string]string{
		"device_id":       strconv.Itoa(o.DeviceID),
		"trt_fp16_enable": boolFlag(o.FP16),
	}
	if o.MaxWorkspaceSize > 0 {
		v["trt_max_workspace_size"] = strconv.FormatInt(o.MaxWorkspaceSize, 10)
	}
	if o.EngineCachePath != "" {
		v["trt_engine_cache_enable"] = "1"
		v["trt_engine_cache_path"] = o.EngineCachePath
	}
	return v
}

func (o TensorRTOptions) apply(options *ort.SessionOptions) error {
	native, err := ort.NewTensorRTProviderOptions()
	if err != nil {
		return err
	}
	defer native.Destroy()
	if err := native.Update(o.values()); err != nil {
		return err
	}
	return options.AppendExecutionProviderTensorRT(native)
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
