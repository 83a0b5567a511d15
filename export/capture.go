package export

import (
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-detgraph/config"
	"github.com/nvr-ai/go-detgraph/errdefs"
	"github.com/nvr-ai/go-detgraph/graph"
	"github.com/nvr-ai/go-detgraph/pipeline"
	"github.com/nvr-ai/go-detgraph/postprocess"
)

// CaptureFormat tags graph-capture documents.
const CaptureFormat = "detgraph.capture/v1"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Capture is the graph-capture document. Its graph records the resolved strategy.
type Capture struct {
	Format   string                   `json:"format"`
	ID       string                   `json:"artifact_id"`
	Producer string                   `json:"producer"`
	Strategy postprocess.StrategyKind `json:"strategy"`
	Config   config.Config            `json:"config"`
	Graph    *graph.Graph             `json:"graph"`
}

// Resolver rebuilds a feature extractor from its graph reference.
type Resolver func(ref graph.ExtractorRef) (pipeline.FeatureExtractor, error)

func captureBytes(p *pipeline.Pipeline, g *graph.Graph, plan Plan, id string) ([]byte, error) {
	ref := g.Node(graph.OpExtract).Extractor
	if _, ok := p.Extractor().(pipeline.Describer); !ok {
		return nil, errdefs.Unsupported(string(GraphCapture), "feature extractor %q cannot be described", ref.Name)
	}
	g.Node(graph.OpNMS).NMS.Strategy = string(plan.Strategy)

	data, err := json.MarshalIndent(Capture{
		Format:   CaptureFormat,
		ID:       id,
		Producer: Producer + "/" + ProducerVersion,
		Strategy: plan.Strategy,
		Config:   p.Config(),
		Graph:    g,
	}, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "encode capture")
	}
	return data, nil
}

// ReadCapture decodes a graph-capture document without binding an extractor.
func ReadCapture(path string) (*Capture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read capture %s", path)
	}
	var c Capture
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errdefs.Configuration("decode capture %s: %v", path, err)
	}
	if c.Format != CaptureFormat {
		return nil, errdefs.Configuration("capture %s has format %q, want %q", path, c.Format, CaptureFormat)
	}
	if c.Graph == nil {
		return nil, errdefs.Configuration("capture %s has no graph", path)
	}
	if err := c.Graph.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadCapture rebuilds a pipeline from a graph capture, running the captured
// strategy.
//
// Arguments:
//   - path: The capture file.
//   - resolve: Rebuilds the recorded feature extractor.
//   - opts: Pipeline options such as a logger.
//
// Returns:
//   - *pipeline.Pipeline: The reloaded pipeline.
//   - *Capture: The decoded document.
//   - error: ErrConfiguration for malformed documents, or the resolver's error.
func LoadCapture(path string, resolve Resolver, opts ...pipeline.Option) (*pipeline.Pipeline, *Capture, error) {
	c, err := ReadCapture(path)
	if err != nil {
		return nil, nil, err
	}
	ex, err := resolve(*c.Graph.Node(graph.OpExtract).Extractor)
	if err != nil {
		return nil, nil, errors.Wrap(err, "resolve feature extractor")
	}
	opts = append(opts, pipeline.WithStrategy(c.Strategy))
	p, err := pipeline.FromGraph(c.Config, c.Graph, ex, opts...)
	if err != nil {
		return nil, nil, err
	}
	return p, c, nil
}
