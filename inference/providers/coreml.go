package providers

import (
	ort "github.com/yalue/onnxruntime_go"
)

// CoreML provider flags, from coreml_provider_factory.h.
const (
	coreMLUseCPUOnly        uint32 = 0x001
	coreMLEnableOnSubgraph  uint32 = 0x002
	coreMLOnlyANEDevices    uint32 = 0x004
	coreMLStaticInputShapes uint32 = 0x008
	coreMLCreateMLProgram   uint32 = 0x010
)

// CoreMLOptions contains arguments for the CoreML provider.
// See: https://onnxruntime.ai/docs/execution-providers/CoreML-ExecutionProvider.html
type CoreMLOptions struct {
	// CPUOnly limits CoreML to the CPU, to compare numerics against other devices.
	CPUOnly bool `json:"cpu_only" yaml:"cpu_only"`
	// EnableOnSubgraphs lets CoreML take nodes inside control-flow bodies.
	EnableOnSubgraphs bool `json:"enable_on_subgraphs" yaml:"enable_on_subgraphs"`
	// OnlyNeuralEngine restricts CoreML to devices with an Apple Neural Engine.
	OnlyNeuralEngine bool `json:"only_neural_engine" yaml:"only_neural_engine"`
	// RequireStaticInputShapes refuses nodes with dynamic input shapes. Exported
	// detection graphs have dynamic height and width, so this pushes the letterbox
	// stage back to the CPU.
	RequireStaticInputShapes bool `json:"require_static_input_shapes" yaml:"require_static_input_shapes"`
	// MLProgram creates an MLProgram model, which needs macOS 12 or later.
	MLProgram bool `json:"ml_program" yaml:"ml_program"`
}

func (o CoreMLOptions) flags() uint32 {
	var f uint32
	if o.CPUOnly {
		f |= coreMLUseCPUOnly
	}
	if o.EnableOnSubgraphs {
		f |= coreMLEnableOnSubgraph
	}
	if o.OnlyNeuralEngine {
		f |= coreMLOnlyANEDevices
	}
	if o.RequireStaticInputShapes {
		f |= coreMLStaticInputShapes
	}
	if o.MLProgram {
		f |= coreMLCreateMLProgram
	}
	return f
}

func (o CoreMLOptions) apply(options *ort.SessionOptions) error {
	return options.AppendExecutionProviderCoreML(o.flags())
}
