package inference

import (
	"context"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-detgraph/errdefs"
	"github.com/nvr-ai/go-detgraph/extractor"
	"github.com/nvr-ai/go-detgraph/graph"
	"github.com/nvr-ai/go-detgraph/inference/providers"
	"github.com/nvr-ai/go-detgraph/logger"
	"github.com/nvr-ai/go-detgraph/onnx"
	"github.com/nvr-ai/go-detgraph/pipeline"
)

// ExtractorName is the reference name of ONNX backbones.
const ExtractorName = "onnx"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ExtractorParams locate an ONNX backbone.
type ExtractorParams struct {
	Path string `json:"path"`
}

// Extractor runs an ONNX backbone: one [N, 3, H, W] input and one raw head output
// per anchor scale, finest stride first. It is safe for concurrent use.
type Extractor struct {
	path    string
	input   string
	outputs []string
	session *ort.DynamicAdvancedSession
	log     logrus.FieldLogger
}

// NewExtractor opens an ONNX backbone.
//
// Arguments:
//   - path: The backbone model file.
//   - cfg: The execution provider.
//   - log: Optional logger.
//
// Returns:
//   - *Extractor: The backbone. Close releases the session.
//   - error: ErrInvalidInputShape when the model's interface is not one 4D float
//     input, or a runtime error.
func NewExtractor(path string, cfg providers.Config, log logrus.FieldLogger) (*Extractor, error) {
	if err := InitRuntime(""); err != nil {
		return nil, err
	}
	ins, outs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read interface of %s", path)
	}
	if len(ins) != 1 || len(ins[0].Dimensions) != 4 {
		return nil, errdefs.InvalidShape("backbone %s must have one 4D input, has %d inputs", path, len(ins))
	}
	if len(outs) == 0 {
		return nil, errdefs.InvalidShape("backbone %s has no outputs", path)
	}
	names := make([]string, len(outs))
	for i, o := range outs {
		if o.DataType != ort.TensorElementDataTypeFloat {
			return nil, errdefs.InvalidShape("backbone output %s is %v, want float", o.Name, o.DataType)
		}
		names[i] = o.Name
	}

	options, err := cfg.SessionOptions(log)
	if err != nil {
		return nil, err
	}
	defer options.Destroy()
	session, err := ort.NewDynamicAdvancedSession(path, []string{ins[0].Name}, names, options)
	if err != nil {
		return nil, errors.Wrapf(err, "create session for %s", path)
	}

	log = logger.OrDiscard(log).WithFields(logrus.Fields{"backbone": path, "provider": cfg.Backend})
	log.WithField("outputs", names).Info("inference: backbone loaded")
	return &Extractor{path: path, input: ins[0].Name, outputs: names, session: session, log: log}, nil
}

// Extract runs the backbone on a letterboxed batch.
func (e *Extractor) Extract(ctx context.Context, batch *tensor.Dense) ([]*tensor.Dense, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, ok := batch.Data().([]float32)
	if !ok || batch.Dims() != 4 {
		return nil, errdefs.InvalidShape("backbone input must be a 4D float32 tensor, got %v", batch.Shape())
	}
	in, err := ort.NewTensor(toShape(batch.Shape()), data)
	if err != nil {
		return nil, errors.Wrap(err, "create input tensor")
	}
	defer in.Destroy()

	outs := make([]ort.Value, len(e.outputs))
	if err := e.session.Run([]ort.Value{in}, outs); err != nil {
		return nil, errors.Wrap(err, "run backbone")
	}
	defer destroyAll(outs)

	raws := make([]*tensor.Dense, len(outs))
	for i, v := range outs {
		t, ok := v.(*ort.Tensor[float32])
		if !ok {
			return nil, errdefs.InvalidShape("backbone output %s is not float32", e.outputs[i])
		}
		raws[i] = tensor.New(tensor.WithShape(fromShape(t.GetShape())...),
			tensor.WithBacking(append([]float32(nil), t.GetData()...)))
	}
	return raws, nil
}

// Describe records the backbone path in a graph reference.
func (e *Extractor) Describe() graph.ExtractorRef {
	params, _ := json.Marshal(ExtractorParams{Path: e.path})
	return graph.ExtractorRef{Name: ExtractorName, Params: params}
}

// LowerONNX splices the backbone graph into an export, reading input.
func (e *Extractor) LowerONNX(b *onnx.Builder, input string) ([]string, error) {
	m, err := onnx.ReadFile(e.path)
	if err != nil {
		return nil, err
	}
	return b.Splice(m, input, graph.ValueImages, graph.ValueNumDetections,
		graph.ValueBoxes, graph.ValueScores, graph.ValueLabels)
}

// Close releases the session.
func (e *Extractor) Close() error {
	if e.session == nil {
		return nil
	}
	err := e.session.Destroy()
	e.session = nil
	return err
}

// Resolver rebuilds the extractors this module knows from graph references:
// projection backbones in-process and ONNX backbones on cfg's provider.
func Resolver(cfg providers.Config, log logrus.FieldLogger) func(graph.ExtractorRef) (pipeline.FeatureExtractor, error) {
	return func(ref graph.ExtractorRef) (pipeline.FeatureExtractor, error) {
		switch ref.Name {
		case extractor.Name:
			return extractor.Resolve(ref)
		case ExtractorName:
			var p ExtractorParams
			if err := json.Unmarshal(ref.Params, &p); err != nil || p.Path == "" {
				return nil, errdefs.Configuration("onnx extractor reference needs a path")
			}
			return NewExtractor(p.Path, cfg, log)
		}
		return nil, errdefs.Configuration("unknown feature extractor %q", ref.Name)
	}
}

func toShape(dims []int) ort.Shape {
	s := make(ort.Shape, len(dims))
	for i, d := range dims {
		s[i] = int64(d)
	}
	return s
}

func fromShape(s ort.Shape) []int {
	dims := make([]int, len(s))
	for i, d := range s {
		dims[i] = int(d)
	}
	return dims
}

func destroyAll(vals []ort.Value) {
	for _, v := range vals {
		if v != nil {
			_ = v.Destroy()
		}
	}
}
