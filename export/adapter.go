package export

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nvr-ai/go-detgraph/errdefs"
	"github.com/nvr-ai/go-detgraph/graph"
	"github.com/nvr-ai/go-detgraph/logger"
	"github.com/nvr-ai/go-detgraph/onnx"
	"github.com/nvr-ai/go-detgraph/pipeline"
	"github.com/nvr-ai/go-detgraph/postprocess"
)

// Producer identifies this module in artifact metadata.
const (
	Producer        = "go-detgraph"
	ProducerVersion = "0.1.0"
)

// Request selects what to export and where.
type Request struct {
	Target Target
	// Path is the destination file. Its directory must exist.
	Path string
	// Strategy overrides the graph's suppression strategy; "" keeps it.
	Strategy string
	// Opset overrides the configured default-domain opset; 0 keeps it.
	Opset int
}

// Artifact describes a written export.
type Artifact struct {
	ID       string                   `json:"artifact_id"`
	Target   Target                   `json:"target"`
	Path     string                   `json:"path"`
	Strategy postprocess.StrategyKind `json:"strategy"`
	Opset    int                      `json:"opset,omitempty"`
	Ops      []string                 `json:"ops,omitempty"`
	Size     int                      `json:"size"`
}

// Adapter lowers pipelines to artifacts. It is stateless and safe for concurrent use.
type Adapter struct {
	log logrus.FieldLogger
}

// NewAdapter returns an adapter logging to log, or discarding when log is nil.
func NewAdapter(log logrus.FieldLogger) *Adapter {
	return &Adapter{log: logger.OrDiscard(log)}
}

// Export resolves the strategy for the target, lowers the pipeline graph and writes
// the artifact atomically.
//
// Every capability check runs before the destination is touched, and the file is
// renamed into place only once fully written, so a failed export leaves no file.
//
// Arguments:
//   - ctx: Checked once before lowering starts.
//   - p: The pipeline to export.
//   - req: The target and destination.
//
// Returns:
//   - *Artifact: What was written.
//   - error: ErrUnsupportedExportOperation when the target cannot express a stage,
//     ErrConfiguration for bad requests, or a write error.
//
// @example
//
//	art, err := export.NewAdapter(log).Export(ctx, p, export.Request{Target: export.Interchange, Path: "model.onnx"})
func (a *Adapter) Export(ctx context.Context, p *pipeline.Pipeline, req Request) (*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Path == "" {
		return nil, errdefs.Configuration("export path is required")
	}
	cfg := p.Config()
	opset := req.Opset
	if opset == 0 {
		opset = cfg.ONNXOpset
	}
	if opset == 0 {
		opset = DefaultOpset
	}

	caps, err := CapabilitiesFor(req.Target, opset)
	if err != nil {
		return nil, err
	}
	g := p.Graph()
	requested := req.Strategy
	if requested == "" {
		requested = g.Node(graph.OpNMS).NMS.Strategy
	}
	plan, err := Resolve(caps, g, requested)
	if err != nil {
		return nil, err
	}

	log := a.log.WithFields(logrus.Fields{
		"target":   req.Target,
		"strategy": plan.Strategy,
		"path":     req.Path,
	})

	art := &Artifact{ID: uuid.NewString(), Target: req.Target, Path: req.Path, Strategy: plan.Strategy}
	var data []byte
	switch req.Target {
	case GraphCapture:
		data, err = captureBytes(p, g, plan, art.ID)
	default:
		art.Opset = opset
		data, art.Ops, err = onnxBytes(p, g, caps, plan, art.ID)
	}
	if err != nil {
		log.WithError(err).Warn("export: lowering failed")
		return nil, err
	}

	if err := writeAtomic(req.Path, data); err != nil {
		return nil, err
	}
	art.Size = len(data)
	log.WithFields(logrus.Fields{"artifact_id": art.ID, "bytes": art.Size}).Info("export: artifact written")
	return art, nil
}

func onnxBytes(p *pipeline.Pipeline, g *graph.Graph, caps Capabilities, plan Plan, id string) ([]byte, []string, error) {
	ex, ok := p.Extractor().(Lowerable)
	if !ok {
		return nil, nil, errdefs.Unsupported(string(caps.Target), "feature extractor %q cannot be lowered to ONNX",
			g.Node(graph.OpExtract).Extractor.Name)
	}

	b := onnx.NewBuilder(caps.Opset, namePrefix)
	if err := lowerGraph(b, g, plan, ex); err != nil {
		return nil, nil, err
	}
	ops := b.OpTypes()
	if missing := caps.Missing(ops); len(missing) > 0 {
		return nil, nil, errdefs.Unsupported(string(caps.Target), "lowered graph uses %v", missing)
	}

	b.SetMetadata("artifact_id", id)
	b.SetMetadata("target", string(caps.Target))
	b.SetMetadata("nms_strategy", string(plan.Strategy))
	b.SetMetadata("extractor", g.Node(graph.OpExtract).Extractor.Name)
	return b.Marshal("detgraph", Producer, ProducerVersion), ops, nil
}

// writeAtomic writes data to a temporary file next to path and renames it into
// place. On any failure the temporary file is removed and path is untouched.
func writeAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "create temporary file in %s", dir)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	if _, err = f.Write(data); err != nil {
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err = f.Sync(); err != nil {
		return errors.Wrapf(err, "sync %s", tmp)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "close %s", tmp)
	}
	if err = os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "rename %s to %s", tmp, path)
	}
	return nil
}
