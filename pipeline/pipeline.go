// Package pipeline - The composed detection pipeline.
//
// A Pipeline runs letterbox, feature extraction, decode, suppression and
// unmapping as one synchronous pass, driven by the stage graph it was built from.
// Pipelines are immutable after construction and safe for concurrent callers.
package pipeline

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-detgraph/config"
	"github.com/nvr-ai/go-detgraph/decode"
	"github.com/nvr-ai/go-detgraph/errdefs"
	"github.com/nvr-ai/go-detgraph/graph"
	"github.com/nvr-ai/go-detgraph/images"
	"github.com/nvr-ai/go-detgraph/letterbox"
	"github.com/nvr-ai/go-detgraph/logger"
	"github.com/nvr-ai/go-detgraph/postprocess"
	"github.com/nvr-ai/go-detgraph/profiler"
)

// FeatureExtractor is the backbone and detection head. It maps a letterboxed
// [N, 3, H, W] batch to one raw prediction tensor per anchor scale, each shaped
// [N, A*(5+C), H/stride, W/stride], finest stride first.
type FeatureExtractor interface {
	Extract(ctx context.Context, batch *tensor.Dense) ([]*tensor.Dense, error)
}

// Describer is implemented by extractors that can be recorded in a graph capture
// and rebuilt from the reference.
type Describer interface {
	Describe() graph.ExtractorRef
}

// Pipeline is the composed detection pipeline.
type Pipeline struct {
	cfg       config.Config
	graph     *graph.Graph
	extractor FeatureExtractor
	letterbox *letterbox.Transformer
	decoder   *decode.Decoder
	nms       *postprocess.Engine
	log       logrus.FieldLogger
	prof      *profiler.Profiler
}

type options struct {
	log      logrus.FieldLogger
	prof     *profiler.Profiler
	strategy postprocess.StrategyKind
}

// Option configures New and FromGraph.
type Option func(*options)

// WithLogger sets the pipeline logger. The default discards everything.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.log = l }
}

// WithProfiler records per-stage durations into p.
func WithProfiler(p *profiler.Profiler) Option {
	return func(o *options) { o.prof = p }
}

// WithStrategy overrides the suppression strategy recorded in the graph.
func WithStrategy(kind postprocess.StrategyKind) Option {
	return func(o *options) { o.strategy = kind }
}

// New validates cfg, builds the stage graph and binds the extractor.
//
// Arguments:
//   - cfg: The configuration.
//   - ex: The feature extractor.
//   - opts: Optional logger, profiler and strategy override.
//
// Returns:
//   - *Pipeline: The pipeline.
//   - error: ErrConfiguration for an invalid configuration.
//
// @example
//
//	p, err := pipeline.New(config.Default(), extractor, pipeline.WithLogger(log))
//	dets, err := p.Detect(ctx, imgs)
func New(cfg config.Config, ex FeatureExtractor, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	set, err := cfg.AnchorSet()
	if err != nil {
		return nil, err
	}
	g, err := graph.Build(graph.Stages{
		Letterbox:  cfg.Letterbox(),
		Extractor:  Describe(ex),
		NumClasses: cfg.NumClasses,
		Anchors:    set,
		NMS:        cfg.NMS(),
		Strategy:   cfg.NMSStrategy,
	})
	if err != nil {
		return nil, err
	}
	return FromGraph(cfg, g, ex, opts...)
}

// FromGraph binds an existing stage graph, such as one reloaded from a capture.
// The graph's stage attributes take precedence over the matching fields of cfg.
func FromGraph(cfg config.Config, g *graph.Graph, ex FeatureExtractor, opts ...Option) (*Pipeline, error) {
	if ex == nil {
		return nil, errdefs.Configuration("feature extractor is required")
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	g = g.Clone()
	lbNode, decNode, nmsNode := g.Node(graph.OpLetterbox), g.Node(graph.OpDecode), g.Node(graph.OpNMS)

	lb, err := letterbox.New(*lbNode.Letterbox)
	if err != nil {
		return nil, err
	}
	dec, err := decode.New(decNode.Decode.Anchors, decNode.Decode.NumClasses)
	if err != nil {
		return nil, err
	}

	kind := o.strategy
	if kind == "" {
		kind = InProcessStrategy(nmsNode.NMS.Strategy)
	}
	engine, err := postprocess.NewEngine(nmsNode.NMS.Params, kind)
	if err != nil {
		return nil, err
	}

	log := logger.OrDiscard(o.log)
	return &Pipeline{
		cfg:       cfg,
		graph:     g,
		extractor: ex,
		letterbox: lb,
		decoder:   dec,
		nms:       engine.WithLogger(log),
		log:       log,
		prof:      o.prof,
	}, nil
}

// InProcessStrategy resolves a strategy name for in-process execution, where
// "auto" means native.
func InProcessStrategy(name string) postprocess.StrategyKind {
	if name == "" || name == "auto" {
		return postprocess.Native
	}
	return postprocess.StrategyKind(name)
}

// Describe returns the extractor's reference, or a name-only reference for
// extractors that do not implement Describer.
func Describe(ex FeatureExtractor) graph.ExtractorRef {
	if d, ok := ex.(Describer); ok {
		return d.Describe()
	}
	return graph.ExtractorRef{Name: "opaque"}
}

// Detect runs the full pipeline on a batch of images of any mix of sizes.
//
// In rectangle mode the batch is split by image size and each group gets its own
// canvas, as the exported runner does. Otherwise every image shares one canvas.
// The context is checked once before the pass and handed to the extractor; the
// pass itself is not interrupted.
//
// Arguments:
//   - ctx: The request context.
//   - imgs: CHW float32 images with values in [0, 255].
//
// Returns:
//   - [][]postprocess.Detection: Per image, detections in original pixel
//     coordinates by descending score. Index i belongs to imgs[i].
//   - error: ErrInvalidInputShape for malformed images or extractor outputs, or the
//     extractor's own error.
func (p *Pipeline) Detect(ctx context.Context, imgs []images.Image) ([][]postprocess.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(imgs) == 0 {
		return [][]postprocess.Detection{}, nil
	}
	defer p.prof.StartOperation("detect")()

	if !p.letterbox.Params().Rectangle {
		return p.pass(ctx, imgs)
	}
	groups := groupBySize(imgs)
	if len(groups) == 1 {
		return p.pass(ctx, imgs)
	}
	out := make([][]postprocess.Detection, len(imgs))
	for _, idx := range groups {
		sub := make([]images.Image, len(idx))
		for i, at := range idx {
			sub[i] = imgs[at]
		}
		dets, err := p.pass(ctx, sub)
		if err != nil {
			return nil, err
		}
		for i, at := range idx {
			out[at] = dets[i]
		}
	}
	return out, nil
}

// pass runs every stage once over imgs as a single letterboxed batch.
func (p *Pipeline) pass(ctx context.Context, imgs []images.Image) ([][]postprocess.Detection, error) {
	done := p.prof.StartOperation(string(graph.OpLetterbox))
	batch, metas, err := p.letterbox.Batch(imgs)
	done()
	if err != nil {
		return nil, err
	}

	done = p.prof.StartOperation(string(graph.OpExtract))
	raw, err := p.extractor.Extract(ctx, batch)
	done()
	if err != nil {
		return nil, errors.Wrap(err, "extract features")
	}

	done = p.prof.StartOperation(string(graph.OpDecode))
	cands, err := p.decoder.Decode(raw)
	done()
	if err != nil {
		return nil, err
	}
	if len(cands) != len(imgs) {
		return nil, errdefs.InvalidShape("extractor returned %d images for a batch of %d", len(cands), len(imgs))
	}

	done = p.prof.StartOperation(string(graph.OpNMS))
	kept, err := p.nms.RunBatch(cands)
	done()
	if err != nil {
		return nil, err
	}

	done = p.prof.StartOperation(string(graph.OpUnmap))
	out, err := letterbox.UnmapDetections(kept, metas)
	done()
	if err != nil {
		return nil, err
	}

	total := 0
	for _, d := range out {
		total += len(d)
	}
	p.log.WithFields(logrus.Fields{
		"images":     len(imgs),
		"candidates": len(cands[0].Boxes),
		"detections": total,
		"strategy":   p.nms.Kind(),
	}).Debug("pipeline: pass complete")
	return out, nil
}

// groupBySize returns image indices grouped by size, in order of first appearance.
func groupBySize(imgs []images.Image) [][]int {
	at := map[[2]int]int{}
	var groups [][]int
	for i, img := range imgs {
		key := [2]int{img.Height(), img.Width()}
		g, ok := at[key]
		if !ok {
			g = len(groups)
			at[key] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], i)
	}
	return groups
}

// Graph returns a copy of the pipeline's stage graph.
func (p *Pipeline) Graph() *graph.Graph { return p.graph.Clone() }

// Config returns the configuration the pipeline was built with.
func (p *Pipeline) Config() config.Config { return p.cfg }

// Extractor returns the bound feature extractor.
func (p *Pipeline) Extractor() FeatureExtractor { return p.extractor }

// Strategy returns the suppression strategy used in-process.
func (p *Pipeline) Strategy() postprocess.StrategyKind { return p.nms.Kind() }
