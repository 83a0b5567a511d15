package inference

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/nvr-ai/go-detgraph/errdefs"
	"github.com/nvr-ai/go-detgraph/graph"
	"github.com/nvr-ai/go-detgraph/images"
	"github.com/nvr-ai/go-detgraph/inference/providers"
	"github.com/nvr-ai/go-detgraph/logger"
	"github.com/nvr-ai/go-detgraph/onnx"
	"github.com/nvr-ai/go-detgraph/postprocess"
)

// pluginDomain is the operator domain of TensorRT plugins.
const pluginDomain = "TRT"

var artifactOutputs = []string{graph.ValueNumDetections, graph.ValueBoxes, graph.ValueScores, graph.ValueLabels}

// Runner executes an exported interchange or fused-engine artifact. It is safe for
// concurrent use.
type Runner struct {
	path    string
	model   *onnx.Model
	session *ort.DynamicAdvancedSession
	log     logrus.FieldLogger
}

// NewRunner opens an exported artifact.
//
// Arguments:
//   - path: The artifact file.
//   - cfg: The execution provider. Artifacts using TensorRT plugins need TensorRT.
//   - log: Optional logger.
//
// Returns:
//   - *Runner: The runner. Close releases the session.
//   - error: ErrConfiguration when the file is not a detection artifact or needs a
//     provider cfg does not select.
func NewRunner(path string, cfg providers.Config, log logrus.FieldLogger) (*Runner, error) {
	m, err := onnx.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := checkArtifact(m, cfg.Backend); err != nil {
		return nil, errors.Wrap(err, path)
	}
	if err := InitRuntime(""); err != nil {
		return nil, err
	}

	options, err := cfg.SessionOptions(log)
	if err != nil {
		return nil, err
	}
	defer options.Destroy()
	session, err := ort.NewDynamicAdvancedSession(path, []string{graph.ValueImages}, artifactOutputs, options)
	if err != nil {
		return nil, errors.Wrapf(err, "create session for %s", path)
	}

	log = logger.OrDiscard(log).WithFields(logrus.Fields{"artifact": path, "provider": cfg.Backend})
	log.WithFields(logrus.Fields{
		"artifact_id": m.Metadata["artifact_id"],
		"strategy":    m.Metadata["nms_strategy"],
	}).Info("inference: artifact loaded")
	return &Runner{path: path, model: m, session: session, log: log}, nil
}

func checkArtifact(m *onnx.Model, backend providers.Backend) error {
	if len(m.Graph.Inputs) != 1 || m.Graph.Inputs[0].Name != graph.ValueImages {
		return errdefs.Configuration("artifact must have the single input %q", graph.ValueImages)
	}
	if len(m.Graph.Outputs) != len(artifactOutputs) {
		return errdefs.Configuration("artifact has %d outputs, want %v", len(m.Graph.Outputs), artifactOutputs)
	}
	for i, o := range m.Graph.Outputs {
		if o.Name != artifactOutputs[i] {
			return errdefs.Configuration("artifact output %d is %q, want %q", i, o.Name, artifactOutputs[i])
		}
	}
	if m.Opset(pluginDomain) != 0 && backend != providers.TensorRT {
		return errdefs.Configuration("artifact uses %s plugins and needs the tensorrt provider", pluginDomain)
	}
	return nil
}

// Model returns the decoded artifact.
func (r *Runner) Model() *onnx.Model { return r.model }

// Detect runs the artifact on images of any mix of sizes. Images are grouped by
// size, one run per group, since the artifact resizes a whole batch at once.
//
// Returns:
//   - [][]postprocess.Detection: Per image, detections in original pixel
//     coordinates by descending score. Index i belongs to imgs[i].
//   - error: ErrInvalidInputShape for malformed images or outputs.
func (r *Runner) Detect(ctx context.Context, imgs []images.Image) ([][]postprocess.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]postprocess.Detection, len(imgs))
	for _, g := range groupBySize(imgs) {
		batch, err := stack(imgs, g)
		if err != nil {
			return nil, err
		}
		dets, err := r.run(batch, len(g.indices), g.height, g.width)
		if err != nil {
			return nil, err
		}
		for i, at := range g.indices {
			out[at] = dets[i]
		}
	}
	return out, nil
}

func (r *Runner) run(batch []float32, n, h, w int) ([][]postprocess.Detection, error) {
	in, err := ort.NewTensor(ort.NewShape(int64(n), images.Channels, int64(h), int64(w)), batch)
	if err != nil {
		return nil, errors.Wrap(err, "create input tensor")
	}
	defer in.Destroy()

	outs := make([]ort.Value, len(artifactOutputs))
	if err := r.session.Run([]ort.Value{in}, outs); err != nil {
		return nil, errors.Wrap(err, "run artifact")
	}
	defer destroyAll(outs)

	num, ok1 := outs[0].(*ort.Tensor[int64])
	boxes, ok2 := outs[1].(*ort.Tensor[float32])
	scores, ok3 := outs[2].(*ort.Tensor[float32])
	labels, ok4 := outs[3].(*ort.Tensor[int64])
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, errdefs.InvalidShape("artifact outputs have unexpected element types")
	}
	return parseOutputs(num.GetData(), boxes.GetData(), scores.GetData(), labels.GetData(), n)
}

// parseOutputs splits the padded [N, D] artifact outputs into per-image lists.
func parseOutputs(num []int64, boxes, scores []float32, labels []int64, n int) ([][]postprocess.Detection, error) {
	if len(num) != n || n == 0 || len(scores)%n != 0 {
		return nil, errdefs.InvalidShape("artifact returned %d counts and %d scores for %d images", len(num), len(scores), n)
	}
	d := len(scores) / n
	if len(boxes) != 4*n*d || len(labels) != n*d {
		return nil, errdefs.InvalidShape("artifact outputs disagree on %d slots per image", d)
	}

	out := make([][]postprocess.Detection, n)
	for i := 0; i < n; i++ {
		k := int(num[i])
		if k < 0 || k > d {
			return nil, errdefs.InvalidShape("image %d reports %d detections in %d slots", i, k, d)
		}
		dets := make([]postprocess.Detection, k)
		for j := 0; j < k; j++ {
			s := i*d + j
			dets[j] = postprocess.Detection{
				Box:   images.Box{X1: boxes[4*s], Y1: boxes[4*s+1], X2: boxes[4*s+2], Y2: boxes[4*s+3]},
				Score: scores[s],
				Label: int(labels[s]),
			}
		}
		out[i] = dets
	}
	return out, nil
}

type sizeGroup struct {
	height, width int
	indices       []int
}

// groupBySize groups image indices by size, groups ordered by first appearance.
func groupBySize(imgs []images.Image) []sizeGroup {
	at := map[[2]int]int{}
	var groups []sizeGroup
	for i, img := range imgs {
		key := [2]int{img.Height(), img.Width()}
		g, ok := at[key]
		if !ok {
			g = len(groups)
			at[key] = g
			groups = append(groups, sizeGroup{height: key[0], width: key[1]})
		}
		groups[g].indices = append(groups[g].indices, i)
	}
	return groups
}

func stack(imgs []images.Image, g sizeGroup) ([]float32, error) {
	plane := images.Channels * g.height * g.width
	out := make([]float32, 0, plane*len(g.indices))
	for _, i := range g.indices {
		if err := imgs[i].Validate(); err != nil {
			return nil, errors.Wrapf(err, "image %d", i)
		}
		out = append(out, imgs[i].Data()...)
	}
	return out, nil
}

// Close releases the session.
func (r *Runner) Close() error {
	if r.session == nil {
		return nil
	}
	err := r.session.Destroy()
	r.session = nil
	return err
}
