package export

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-detgraph/anchors"
	"github.com/nvr-ai/go-detgraph/config"
	"github.com/nvr-ai/go-detgraph/errdefs"
	"github.com/nvr-ai/go-detgraph/extractor"
	"github.com/nvr-ai/go-detgraph/graph"
	"github.com/nvr-ai/go-detgraph/images"
	"github.com/nvr-ai/go-detgraph/logger"
	"github.com/nvr-ai/go-detgraph/onnx"
	"github.com/nvr-ai/go-detgraph/pipeline"
	"github.com/nvr-ai/go-detgraph/postprocess"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.InferenceSize = [2]int{64, 64}
	cfg.NumClasses = 3
	cfg.MaxCandidates = 16
	cfg.MaxDetections = 8
	cfg.ScoreThresh = 0.2
	cfg.Anchors = config.Anchors{Scales: []anchors.Scale{
		{Stride: 16, Anchors: []anchors.Anchor{{Width: 20, Height: 24}, {Width: 36, Height: 30}}},
		{Stride: 32, Anchors: []anchors.Anchor{{Width: 60, Height: 50}}},
	}}
	return cfg
}

func newPipeline(t *testing.T, cfg config.Config, opts ...pipeline.Option) *pipeline.Pipeline {
	t.Helper()
	set, err := cfg.AnchorSet()
	require.NoError(t, err)
	p, err := pipeline.New(cfg, extractor.Random(set, cfg.NumClasses, 7), opts...)
	require.NoError(t, err)
	return p
}

func randomImages(t *testing.T, seed int64, sizes ...[2]int) []images.Image {
	t.Helper()
	r := rand.New(rand.NewSource(seed))
	out := make([]images.Image, len(sizes))
	for i, s := range sizes {
		data := make([]float32, images.Channels*s[0]*s[1])
		for j := range data {
			data[j] = float32(r.Intn(256))
		}
		img, err := images.FromData(s[0], s[1], data)
		require.NoError(t, err)
		out[i] = img
	}
	return out
}

// describedOnly can be captured but not lowered.
type describedOnly struct{}

func (describedOnly) Extract(context.Context, *tensor.Dense) ([]*tensor.Dense, error) {
	return nil, errors.New("not used")
}

func (describedOnly) Describe() graph.ExtractorRef { return graph.ExtractorRef{Name: "described"} }

func TestResolve(t *testing.T) {
	g, err := graph.Build(graph.Stages{
		Letterbox:  testConfig().Letterbox(),
		Extractor:  graph.ExtractorRef{Name: "x"},
		NumClasses: 3,
		Anchors:    mustAnchors(t),
		NMS:        testConfig().NMS(),
		Strategy:   "auto",
	})
	require.NoError(t, err)

	tests := []struct {
		name      string
		target    Target
		requested string
		want      postprocess.StrategyKind
		variant   string
		fails     bool
	}{
		{name: "auto on capture", target: GraphCapture, requested: "auto", want: postprocess.Matrix, variant: variantMatrixNMS},
		{name: "auto on interchange", target: Interchange, requested: "auto", want: postprocess.Native, variant: variantONNXNMS},
		{name: "auto on fused", target: FusedEngine, requested: "", want: postprocess.Native, variant: variantPluginNMS},
		{name: "matrix on interchange", target: Interchange, requested: "matrix", want: postprocess.Matrix, variant: variantMatrixNMS},
		{name: "matrix on fused", target: FusedEngine, requested: "matrix", want: postprocess.Matrix, variant: variantMatrixNMS},
		{name: "native on capture", target: GraphCapture, requested: "native", fails: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caps, err := CapabilitiesFor(tt.target, DefaultOpset)
			require.NoError(t, err)
			plan, err := Resolve(caps, g, tt.requested)
			if tt.fails {
				assert.True(t, errors.Is(err, errdefs.ErrUnsupportedExportOperation), "got %v", err)
				assert.Contains(t, err.Error(), "NonMaxSuppression")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, plan.Strategy)
			assert.Equal(t, tt.variant, plan.Variants[graph.OpNMS])
			assert.Len(t, plan.Variants, len(g.Nodes))
		})
	}

	caps, err := CapabilitiesFor(Interchange, DefaultOpset)
	require.NoError(t, err)
	_, err = Resolve(caps, g, "fastest")
	assert.True(t, errors.Is(err, errdefs.ErrConfiguration))
}

func mustAnchors(t *testing.T) anchors.Set {
	t.Helper()
	set, err := testConfig().AnchorSet()
	require.NoError(t, err)
	return set
}

func TestCapabilities(t *testing.T) {
	caps, err := CapabilitiesFor(FusedEngine, 12)
	require.NoError(t, err)
	assert.True(t, caps.Supports(PluginNMS))
	assert.False(t, caps.Supports("NonMaxSuppression"))
	assert.Equal(t, []string{"Bogus"}, caps.Missing([]string{"Resize", "Bogus"}))
	assert.Contains(t, caps.Primitives(), "TopK")

	for _, opset := range []int{10, 18} {
		_, err := CapabilitiesFor(Interchange, opset)
		assert.True(t, errors.Is(err, errdefs.ErrUnsupportedExportOperation), "opset %d", opset)
	}
	_, err = CapabilitiesFor(Target("tflite"), DefaultOpset)
	assert.True(t, errors.Is(err, errdefs.ErrConfiguration))

	_, err = ParseTarget("graph-capture")
	assert.NoError(t, err)
	_, err = ParseTarget("coreml")
	assert.Error(t, err)
}

func TestExportNativeOnCaptureLeavesNoFile(t *testing.T) {
	cfg := testConfig()
	cfg.NMSStrategy = "native"
	p := newPipeline(t, cfg)
	path := filepath.Join(t.TempDir(), "model.json")

	_, err := NewAdapter(nil).Export(context.Background(), p, Request{Target: GraphCapture, Path: path})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrUnsupportedExportOperation))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExportInterchange(t *testing.T) {
	for _, opset := range []int{11, 13, 17} {
		p := newPipeline(t, testConfig())
		path := filepath.Join(t.TempDir(), "model.onnx")

		art, err := NewAdapter(logger.Discard()).Export(context.Background(), p,
			Request{Target: Interchange, Path: path, Opset: opset})
		require.NoError(t, err, "opset %d", opset)
		assert.Equal(t, postprocess.Native, art.Strategy)
		assert.NotEmpty(t, art.ID)

		m, err := onnx.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, int64(opset), m.Opset(""))
		assert.Equal(t, Producer, m.ProducerName)
		assert.Equal(t, art.ID, m.Metadata["artifact_id"])
		assert.Equal(t, "native", m.Metadata["nms_strategy"])
		assert.Equal(t, art.Ops, m.OpTypes())
		assert.Contains(t, m.OpTypes(), "NonMaxSuppression")
		assert.Contains(t, m.OpTypes(), "Resize")

		require.Len(t, m.Graph.Inputs, 1)
		in := m.Graph.Inputs[0]
		assert.Equal(t, graph.ValueImages, in.Name)
		assert.Equal(t, []onnx.Dim{onnx.Sym(graph.DimBatch), onnx.Fixed(3), onnx.Sym(graph.DimHeight), onnx.Sym(graph.DimWidth)}, in.Dims)

		names := make([]string, len(m.Graph.Outputs))
		for i, o := range m.Graph.Outputs {
			names[i] = o.Name
		}
		assert.Equal(t, []string{graph.ValueNumDetections, graph.ValueBoxes, graph.ValueScores, graph.ValueLabels}, names)
		assert.Equal(t, []onnx.Dim{onnx.Sym(graph.DimBatch), onnx.Fixed(8), onnx.Fixed(4)}, m.Graph.Outputs[1].Dims)
		assert.Equal(t, onnx.Int64, m.Graph.Outputs[3].ElemType)
	}
}

func TestExportNativeSelectionBound(t *testing.T) {
	exportNMS := func(t *testing.T, maxNMS int) (onnx.Node, *onnx.Model) {
		cfg := testConfig()
		cfg.MaxNMS = maxNMS
		path := filepath.Join(t.TempDir(), "model.onnx")
		_, err := NewAdapter(nil).Export(context.Background(), newPipeline(t, cfg),
			Request{Target: Interchange, Path: path})
		require.NoError(t, err)
		m, err := onnx.ReadFile(path)
		require.NoError(t, err)
		nms := m.Graph.NodesOf("NonMaxSuppression")
		require.Len(t, nms, 1)
		return nms[0], m
	}

	t.Run("bounded", func(t *testing.T) {
		n, m := exportNMS(t, 64)
		k, ok := m.Graph.Initializer(n.Inputs[2])
		require.True(t, ok)
		assert.Equal(t, []int64{64}, k.Int64s(), "native selection is bounded by max_nms, not max_candidates")
	})
	t.Run("unbounded", func(t *testing.T) {
		n, m := exportNMS(t, 0)
		_, ok := m.Graph.Initializer(n.Inputs[2])
		assert.False(t, ok, "K is the runtime pair count")
		assert.Equal(t, []onnx.Dim{onnx.Sym(graph.DimBatch), onnx.Fixed(8), onnx.Fixed(4)}, m.Graph.Outputs[1].Dims)
	})
}

func TestExportLetterboxClampsResizedSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.onnx")
	_, err := NewAdapter(nil).Export(context.Background(), newPipeline(t, testConfig()),
		Request{Target: Interchange, Path: path})
	require.NoError(t, err)
	m, err := onnx.ReadFile(path)
	require.NoError(t, err)

	rounds := m.Graph.NodesOf("Round")
	require.Len(t, rounds, 1)
	var clamp *onnx.Node
	for _, n := range m.Graph.NodesOf("Max") {
		if n.Inputs[0] == rounds[0].Outputs[0] {
			clamp = &n
			break
		}
	}
	require.NotNil(t, clamp, "rounded sizes feed a Max before the cast")
	one, ok := m.Graph.Initializer(clamp.Inputs[1])
	require.True(t, ok)
	assert.Equal(t, []float32{1}, one.Floats())
}

func TestExportInterchangeMatrix(t *testing.T) {
	cfg := testConfig()
	cfg.ClassAgnosticNMS = true
	p := newPipeline(t, cfg)
	path := filepath.Join(t.TempDir(), "model.onnx")

	art, err := NewAdapter(nil).Export(context.Background(), p, Request{Target: Interchange, Path: path, Strategy: "matrix"})
	require.NoError(t, err)
	assert.Equal(t, postprocess.Matrix, art.Strategy)

	m, err := onnx.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, m.OpTypes(), "NonMaxSuppression")
	assert.NotContains(t, m.OpTypes(), "Equal", "class-agnostic matrix suppression needs no class mask")
	// One Not per unrolled candidate plus the threshold mask.
	assert.Len(t, m.Graph.NodesOf("Not"), cfg.MaxCandidates+1)
}

func TestExportFusedEngine(t *testing.T) {
	p := newPipeline(t, testConfig())
	path := filepath.Join(t.TempDir(), "model.onnx")

	_, err := NewAdapter(nil).Export(context.Background(), p, Request{Target: FusedEngine, Path: path})
	require.NoError(t, err)

	m, err := onnx.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Opset(PluginDomain))
	assert.Contains(t, m.OpTypes(), PluginNMS)
	assert.NotContains(t, m.OpTypes(), "NonMaxSuppression")

	var plugin onnx.Node
	for _, n := range m.Graph.Nodes {
		if n.Domain == PluginDomain {
			plugin = n
		}
	}
	require.Len(t, plugin.Outputs, 4)
	maxOut, ok := plugin.Attr("max_output_boxes")
	require.True(t, ok)
	assert.Equal(t, int64(8), maxOut.I)
}

func TestExportRejectsExtractors(t *testing.T) {
	cfg := testConfig()
	dir := t.TempDir()

	p, err := pipeline.New(cfg, describedOnly{})
	require.NoError(t, err)
	_, err = NewAdapter(nil).Export(context.Background(), p, Request{Target: Interchange, Path: filepath.Join(dir, "a.onnx")})
	assert.True(t, errors.Is(err, errdefs.ErrUnsupportedExportOperation))

	p, err = pipeline.New(cfg, struct{ pipeline.FeatureExtractor }{describedOnly{}})
	require.NoError(t, err)
	_, err = NewAdapter(nil).Export(context.Background(), p, Request{Target: GraphCapture, Path: filepath.Join(dir, "a.json")})
	assert.True(t, errors.Is(err, errdefs.ErrUnsupportedExportOperation))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExportRequestErrors(t *testing.T) {
	p := newPipeline(t, testConfig())
	a := NewAdapter(nil)

	_, err := a.Export(context.Background(), p, Request{Target: Interchange})
	assert.True(t, errors.Is(err, errdefs.ErrConfiguration))

	_, err = a.Export(context.Background(), p, Request{Target: Interchange, Path: "x.onnx", Opset: 10})
	assert.True(t, errors.Is(err, errdefs.ErrUnsupportedExportOperation))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.Export(ctx, p, Request{Target: Interchange, Path: "x.onnx"})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = a.Export(context.Background(), p, Request{Target: Interchange, Path: filepath.Join(t.TempDir(), "missing", "x.onnx")})
	assert.Error(t, err)
}

func TestCaptureRoundTrip(t *testing.T) {
	for _, agnostic := range []bool{false, true} {
		cfg := testConfig()
		cfg.ClassAgnosticNMS = agnostic
		p := newPipeline(t, cfg)
		path := filepath.Join(t.TempDir(), "capture.json")

		art, err := NewAdapter(nil).Export(context.Background(), p, Request{Target: GraphCapture, Path: path})
		require.NoError(t, err)
		assert.Equal(t, postprocess.Matrix, art.Strategy)

		loaded, c, err := LoadCapture(path, func(ref graph.ExtractorRef) (pipeline.FeatureExtractor, error) {
			return extractor.Resolve(ref)
		})
		require.NoError(t, err)
		assert.Equal(t, CaptureFormat, c.Format)
		assert.Equal(t, art.ID, c.ID)
		assert.Equal(t, postprocess.Matrix, loaded.Strategy())
		assert.Equal(t, "matrix", c.Graph.Node(graph.OpNMS).NMS.Strategy)
		assert.Equal(t, "auto", p.Graph().Node(graph.OpNMS).NMS.Strategy, "export must not mutate the pipeline graph")

		imgs := randomImages(t, 3, [2]int{64, 64}, [2]int{48, 80}, [2]int{100, 30})
		want, err := newPipeline(t, cfg, pipeline.WithStrategy(postprocess.Matrix)).Detect(context.Background(), imgs)
		require.NoError(t, err)
		got, err := loaded.Detect(context.Background(), imgs)
		require.NoError(t, err)
		assert.Equal(t, want, got, "class agnostic %v", agnostic)
	}
}

func TestReadCaptureErrors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		return path
	}

	_, err := ReadCapture(filepath.Join(dir, "absent.json"))
	assert.Error(t, err)
	_, err = ReadCapture(write("bad.json", "{"))
	assert.True(t, errors.Is(err, errdefs.ErrConfiguration))
	_, err = ReadCapture(write("format.json", `{"format":"other/v9","graph":{}}`))
	assert.True(t, errors.Is(err, errdefs.ErrConfiguration))
	_, err = ReadCapture(write("nograph.json", `{"format":"`+CaptureFormat+`"}`))
	assert.True(t, errors.Is(err, errdefs.ErrConfiguration))

	p := newPipeline(t, testConfig())
	path := filepath.Join(dir, "ok.json")
	_, err = NewAdapter(nil).Export(context.Background(), p, Request{Target: GraphCapture, Path: path})
	require.NoError(t, err)
	_, _, err = LoadCapture(path, func(graph.ExtractorRef) (pipeline.FeatureExtractor, error) {
		return nil, errors.New("no such backbone")
	})
	assert.ErrorContains(t, err, "no such backbone")
}

func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o600))

	require.NoError(t, writeAtomic(path, []byte("new")))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestInspect(t *testing.T) {
	p := newPipeline(t, testConfig())
	dir := t.TempDir()
	a := NewAdapter(nil)

	capPath := filepath.Join(dir, "capture.json")
	capArt, err := a.Export(context.Background(), p, Request{Target: GraphCapture, Path: capPath})
	require.NoError(t, err)
	info, err := Inspect(capPath)
	require.NoError(t, err)
	assert.Equal(t, GraphCapture, info.Target)
	assert.Equal(t, capArt.ID, info.ID)
	assert.Equal(t, "matrix", info.Strategy)
	assert.Equal(t, extractor.Name, info.Extractor)
	assert.Equal(t, []graph.Op{graph.OpLetterbox, graph.OpExtract, graph.OpDecode, graph.OpNMS, graph.OpUnmap}, info.Stages)

	onnxPath := filepath.Join(dir, "model.onnx")
	onnxArt, err := a.Export(context.Background(), p, Request{Target: FusedEngine, Path: onnxPath})
	require.NoError(t, err)
	info, err = Inspect(onnxPath)
	require.NoError(t, err)
	assert.Equal(t, FusedEngine, info.Target)
	assert.Equal(t, onnxArt.ID, info.ID)
	assert.Equal(t, "native", info.Strategy)
	assert.Equal(t, int64(DefaultOpset), info.Opsets[""])
	assert.Equal(t, int64(1), info.Opsets[PluginDomain])
	assert.Equal(t, onnxArt.Ops, info.Ops)
	assert.Len(t, info.Outputs, 4)

	_, err = Inspect(filepath.Join(dir, "absent"))
	assert.Error(t, err)
}
