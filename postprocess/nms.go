package postprocess

import (
	"github.com/sirupsen/logrus"

	"github.com/nvr-ai/go-detgraph/errdefs"
	"github.com/nvr-ai/go-detgraph/logger"
)

// StrategyKind tags how suppression is carried out.
type StrategyKind string

const (
	// Native is the greedy per-class list algorithm, the shape of a backend's own
	// suppression primitive.
	Native StrategyKind = "native"
	// Matrix is the fixed-iteration pairwise-IoU mask reduction, expressible with
	// plain tensor primitives.
	Matrix StrategyKind = "matrix"
)

// ParseStrategy converts a name into a StrategyKind.
func ParseStrategy(name string) (StrategyKind, error) {
	switch StrategyKind(name) {
	case Native, Matrix:
		return StrategyKind(name), nil
	}
	return "", errdefs.Configuration("unknown nms strategy %q", name)
}

// Params defines parameters for non-maximum suppression.
type Params struct {
	// ScoreThresh drops pairs scoring below it.
	ScoreThresh float32 `json:"score_thresh"`
	// IoUThresh suppresses boxes overlapping a kept box by more than it.
	IoUThresh float32 `json:"iou_thresh"`
	// MaxDetections caps the output per image.
	MaxDetections int `json:"max_detections"`
	// MaxCandidates caps the pairs entering matrix suppression; it is the unrolled
	// iteration count of the exported matrix form.
	MaxCandidates int `json:"max_candidates"`
	// MaxNMS caps the pairs entering native suppression. 0 means no cap.
	MaxNMS int `json:"max_nms,omitempty"`
	// ClassAgnostic puts every class in a single suppression pool.
	ClassAgnostic bool `json:"class_agnostic"`
}

// Validate checks the parameter ranges.
func (p Params) Validate() error {
	if !(p.ScoreThresh >= 0 && p.ScoreThresh <= 1) {
		return errdefs.Configuration("score_thresh %v outside [0, 1]", p.ScoreThresh)
	}
	if !(p.IoUThresh >= 0 && p.IoUThresh <= 1) {
		return errdefs.Configuration("iou_thresh %v outside [0, 1]", p.IoUThresh)
	}
	if p.MaxDetections <= 0 {
		return errdefs.Configuration("max_detections %d must be positive", p.MaxDetections)
	}
	if p.MaxCandidates < p.MaxDetections {
		return errdefs.Configuration("max_candidates %d must be at least max_detections %d", p.MaxCandidates, p.MaxDetections)
	}
	if p.MaxNMS != 0 && p.MaxNMS < p.MaxDetections {
		return errdefs.Configuration("max_nms %d must be 0 or at least max_detections %d", p.MaxNMS, p.MaxDetections)
	}
	return nil
}

// Limit returns the selection cap of a strategy: MaxCandidates for matrix and
// MaxNMS for native. 0 means no cap.
func (p Params) Limit(kind StrategyKind) int {
	if kind == Matrix {
		return p.MaxCandidates
	}
	return p.MaxNMS
}

// Engine applies one suppression strategy. It is immutable and safe for concurrent use.
type Engine struct {
	params Params
	kind   StrategyKind
	log    logrus.FieldLogger
}

// NewEngine validates params and binds a strategy.
//
// Arguments:
//   - p: The suppression parameters.
//   - kind: The strategy to run.
//
// Returns:
//   - *Engine: The engine.
//   - error: ErrConfiguration for out-of-range parameters or an unknown strategy.
func NewEngine(p Params, kind StrategyKind) (*Engine, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if _, err := ParseStrategy(string(kind)); err != nil {
		return nil, err
	}
	return &Engine{params: p, kind: kind, log: logger.Discard()}, nil
}

// WithLogger returns a copy of the engine that reports capped selections to l.
func (e *Engine) WithLogger(l logrus.FieldLogger) *Engine {
	c := *e
	c.log = logger.OrDiscard(l)
	return &c
}

// Params returns the engine's parameters.
func (e *Engine) Params() Params { return e.params }

// Kind returns the engine's strategy.
func (e *Engine) Kind() StrategyKind { return e.kind }

// Run suppresses one image's candidates.
//
// Steps are bounded by the strategy's Limit: a strategy visits at most Limit²
// pairs. Zero surviving candidates give an empty, non-nil slice.
//
// Arguments:
//   - c: The image's candidates.
//
// Returns:
//   - []Detection: At most MaxDetections detections, by descending score.
//   - error: ErrInvalidInputShape for a malformed score matrix.
func (e *Engine) Run(c Candidates) ([]Detection, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	pairs, dropped := Select(c, e.params, e.params.Limit(e.kind))
	if dropped > 0 {
		e.log.WithFields(logrus.Fields{
			"strategy": e.kind,
			"limit":    e.params.Limit(e.kind),
			"dropped":  dropped,
		}).Warn("candidate pairs exceed the selection cap")
	}
	if len(pairs) == 0 {
		return []Detection{}, nil
	}

	var kept []int
	switch e.kind {
	case Matrix:
		kept = matrixKeep(pairs, c, e.params)
	default:
		kept = greedyKeep(pairs, c, e.params)
	}

	if len(kept) > e.params.MaxDetections {
		kept = kept[:e.params.MaxDetections]
	}

	out := make([]Detection, len(kept))
	for i, k := range kept {
		p := pairs[k]
		out[i] = Detection{Box: c.Boxes[p.Box], Score: p.Score, Label: p.Label}
	}
	return out, nil
}

// RunBatch runs every image of a batch; index i of the result belongs to image i.
func (e *Engine) RunBatch(batch []Candidates) ([][]Detection, error) {
	out := make([][]Detection, len(batch))
	for i, c := range batch {
		dets, err := e.Run(c)
		if err != nil {
			return nil, errdefs.InvalidShape("image %d: %v", i, err)
		}
		out[i] = dets
	}
	return out, nil
}
