package inference

import (
	"context"
	"fmt"
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
	"github.com/nvr-ai/go-detgraph/export"
	"github.com/nvr-ai/go-detgraph/extractor"
	"github.com/nvr-ai/go-detgraph/graph"
	"github.com/nvr-ai/go-detgraph/images"
	"github.com/nvr-ai/go-detgraph/inference/providers"
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

func projection(t *testing.T, cfg config.Config) *extractor.Projection {
	t.Helper()
	set, err := cfg.AnchorSet()
	require.NoError(t, err)
	return extractor.Random(set, cfg.NumClasses, 11)
}

// writeBackbone saves a projection as a standalone ONNX backbone.
func writeBackbone(t *testing.T, proj *extractor.Projection) string {
	t.Helper()
	b := onnx.NewBuilder(export.DefaultOpset, "backbone/")
	in := b.Input(onnx.ValueInfo{Name: "input", ElemType: onnx.Float, Dims: []onnx.Dim{
		onnx.Sym("n"), onnx.Fixed(3), onnx.Sym("h"), onnx.Sym("w"),
	}})
	outs, err := proj.LowerONNX(b, in)
	require.NoError(t, err)
	for i, o := range outs {
		b.Output(fmt.Sprintf("head_%d", i), o, onnx.Float, onnx.Sym("n"), onnx.Sym("c"), onnx.Sym("gh"), onnx.Sym("gw"))
	}
	path := filepath.Join(t.TempDir(), "backbone.onnx")
	require.NoError(t, os.WriteFile(path, b.Marshal("backbone", "test", "1"), 0o600))
	return path
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

// requireRuntime skips tests that need the native ONNX Runtime library.
func requireRuntime(t *testing.T) {
	t.Helper()
	if err := InitRuntime(""); err != nil {
		t.Skipf("onnx runtime unavailable: %v", err)
	}
}

func TestSharedLibPath(t *testing.T) {
	assert.Equal(t, "/opt/ort.so", SharedLibPath("/opt/ort.so"))
	t.Setenv(LibraryEnv, "/env/ort.so")
	assert.Equal(t, "/env/ort.so", SharedLibPath(""))
	t.Setenv(LibraryEnv, "")
	assert.Contains(t, SharedLibPath(""), "third_party")
}

func TestGroupBySize(t *testing.T) {
	imgs := []images.Image{images.New(10, 20), images.New(5, 5), images.New(10, 20), images.New(5, 5), images.New(7, 3)}
	groups := groupBySize(imgs)
	require.Len(t, groups, 3)
	assert.Equal(t, sizeGroup{height: 10, width: 20, indices: []int{0, 2}}, groups[0])
	assert.Equal(t, sizeGroup{height: 5, width: 5, indices: []int{1, 3}}, groups[1])
	assert.Equal(t, sizeGroup{height: 7, width: 3, indices: []int{4}}, groups[2])
	assert.Empty(t, groupBySize(nil))

	batch, err := stack(imgs, groups[0])
	require.NoError(t, err)
	assert.Len(t, batch, 2*3*10*20)

	_, err = stack([]images.Image{{}}, sizeGroup{indices: []int{0}})
	assert.True(t, errors.Is(err, errdefs.ErrInvalidInputShape))
}

func TestParseOutputs(t *testing.T) {
	num := []int64{1, 0}
	boxes := []float32{
		1, 2, 3, 4, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0,
	}
	scores := []float32{0.9, 0, 0, 0}
	labels := []int64{2, -1, -1, -1}

	dets, err := parseOutputs(num, boxes, scores, labels, 2)
	require.NoError(t, err)
	assert.Equal(t, [][]postprocess.Detection{
		{{Box: images.Box{X1: 1, Y1: 2, X2: 3, Y2: 4}, Score: 0.9, Label: 2}},
		{},
	}, dets)

	_, err = parseOutputs([]int64{3, 0}, boxes, scores, labels, 2)
	assert.True(t, errors.Is(err, errdefs.ErrInvalidInputShape))
	_, err = parseOutputs(num, boxes[:4], scores, labels, 2)
	assert.True(t, errors.Is(err, errdefs.ErrInvalidInputShape))
	_, err = parseOutputs(num[:1], boxes, scores, labels, 2)
	assert.True(t, errors.Is(err, errdefs.ErrInvalidInputShape))
}

func exportArtifact(t *testing.T, p *pipeline.Pipeline, target export.Target) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.onnx")
	_, err := export.NewAdapter(nil).Export(context.Background(), p, export.Request{Target: target, Path: path})
	require.NoError(t, err)
	return path
}

func TestCheckArtifact(t *testing.T) {
	cfg := testConfig()
	p, err := pipeline.New(cfg, projection(t, cfg))
	require.NoError(t, err)

	m, err := onnx.ReadFile(exportArtifact(t, p, export.Interchange))
	require.NoError(t, err)
	assert.NoError(t, checkArtifact(m, providers.CPU))

	fused, err := onnx.ReadFile(exportArtifact(t, p, export.FusedEngine))
	require.NoError(t, err)
	assert.True(t, errors.Is(checkArtifact(fused, providers.CUDA), errdefs.ErrConfiguration))
	assert.NoError(t, checkArtifact(fused, providers.TensorRT))

	m.Graph.Outputs = m.Graph.Outputs[:3]
	assert.True(t, errors.Is(checkArtifact(m, providers.CPU), errdefs.ErrConfiguration))
}

func TestLowerONNXSplicesBackbone(t *testing.T) {
	cfg := testConfig()
	ex := &Extractor{path: writeBackbone(t, projection(t, cfg))}

	ref := ex.Describe()
	assert.Equal(t, ExtractorName, ref.Name)
	assert.JSONEq(t, fmt.Sprintf(`{"path":%q}`, ex.path), string(ref.Params))

	p, err := pipeline.New(cfg, ex)
	require.NoError(t, err)
	m, err := onnx.ReadFile(exportArtifact(t, p, export.Interchange))
	require.NoError(t, err)
	assert.Len(t, m.Graph.NodesOf("Conv"), 2)
	assert.Len(t, m.Graph.NodesOf("AveragePool"), 2)
	require.Len(t, m.Graph.Inputs, 1)
	assert.Equal(t, graph.ValueImages, m.Graph.Inputs[0].Name)

	produced := map[string]bool{}
	for _, n := range m.Graph.Nodes {
		for _, o := range n.Outputs {
			assert.False(t, produced[o], "value %s produced twice", o)
			produced[o] = true
		}
	}
}

func TestResolver(t *testing.T) {
	cfg := testConfig()
	resolve := Resolver(providers.Config{}, nil)

	ex, err := resolve(projection(t, cfg).Describe())
	require.NoError(t, err)
	assert.IsType(t, &extractor.Projection{}, ex)

	_, err = resolve(graph.ExtractorRef{Name: ExtractorName, Params: []byte(`{}`)})
	assert.True(t, errors.Is(err, errdefs.ErrConfiguration))
	_, err = resolve(graph.ExtractorRef{Name: "tflite"})
	assert.True(t, errors.Is(err, errdefs.ErrConfiguration))
}

func TestExtractorMatchesProjection(t *testing.T) {
	requireRuntime(t)
	cfg := testConfig()
	proj := projection(t, cfg)
	ex, err := NewExtractor(writeBackbone(t, proj), providers.Config{}, nil)
	require.NoError(t, err)
	defer ex.Close()

	data := make([]float32, 2*3*64*96)
	r := rand.New(rand.NewSource(5))
	for i := range data {
		data[i] = r.Float32()
	}
	batch := tensor.New(tensor.WithShape(2, 3, 64, 96), tensor.WithBacking(data))

	want, err := proj.Extract(context.Background(), batch)
	require.NoError(t, err)
	got, err := ex.Extract(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Shape(), got[i].Shape())
		assert.InDeltaSlice(t, want[i].Data(), got[i].Data(), 1e-3)
	}
}

func TestRunnerMatchesPipeline(t *testing.T) {
	requireRuntime(t)
	cfg := testConfig()
	p, err := pipeline.New(cfg, projection(t, cfg))
	require.NoError(t, err)

	r, err := NewRunner(exportArtifact(t, p, export.Interchange), providers.Config{}, nil)
	require.NoError(t, err)
	defer r.Close()

	// Inference-sized images resize exactly, so both paths see identical pixels.
	imgs := randomImages(t, 9, [2]int{64, 64}, [2]int{64, 64})
	want, err := p.Detect(context.Background(), imgs)
	require.NoError(t, err)
	got, err := r.Detect(context.Background(), imgs)
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		require.Len(t, got[i], len(want[i]), "image %d", i)
		for j := range want[i] {
			assert.Equal(t, want[i][j].Label, got[i][j].Label)
			assert.InDelta(t, want[i][j].Score, got[i][j].Score, 1e-4)
			assert.InDelta(t, want[i][j].Box.X1, got[i][j].Box.X1, 1e-2)
			assert.InDelta(t, want[i][j].Box.Y2, got[i][j].Box.Y2, 1e-2)
		}
	}
}
