package providers

import (
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// CPUOptions are session-wide threading and optimization settings; they apply
// whatever the backend.
type CPUOptions struct {
	// IntraOpThreads is the thread count within one operator; 0 keeps the ORT default.
	IntraOpThreads int `json:"intra_op_threads" yaml:"intra_op_threads"`
	// InterOpThreads is the thread count across operators; 0 keeps the ORT default.
	InterOpThreads int `json:"inter_op_threads" yaml:"inter_op_threads"`
	// Parallel runs independent branches concurrently.
	Parallel bool `json:"parallel" yaml:"parallel"`
	// DisableOptimizations turns graph rewrites off, to debug numeric drift.
	DisableOptimizations bool `json:"disable_optimizations" yaml:"disable_optimizations"`
}

func (o CPUOptions) apply(options *ort.SessionOptions) error {
	if o.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(o.IntraOpThreads); err != nil {
			return errors.Wrap(err, "set intra-op threads")
		}
	}
	if o.InterOpThreads > 0 {
		if err := options.SetInterOpNumThreads(o.InterOpThreads); err != nil {
			return errors.Wrap(err, "set inter-op threads")
		}
	}
	if o.Parallel {
		if err := options.SetExecutionMode(ort.ExecutionModeParallel); err != nil {
			return errors.Wrap(err, "set execution mode")
		}
	}
	if err := options.SetGraphOptimizationLevel(o.optimizationLevel()); err != nil {
		return errors.Wrap(err, "set graph optimization level")
	}
	return nil
}

func (o CPUOptions) optimizationLevel() ort.GraphOptimizationLevel {
	if o.DisableOptimizations {
		return ort.GraphOptimizationLevelDisableAll
	}
	return ort.GraphOptimizationLevelEnableExtended
}
