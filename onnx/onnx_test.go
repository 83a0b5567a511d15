package onnx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-detgraph/errdefs"
)

func buildSample(t *testing.T, opset int) []byte {
	t.Helper()
	b := NewBuilder(opset, "p/")
	x := b.Input(ValueInfo{Name: "images", ElemType: Float, Dims: []Dim{Sym("batch"), Fixed(3), Sym("height"), Sym("width")}})
	y := b.Op("Mul", []string{x, b.Scalar(2)})
	z := b.Unsqueeze(y, 0)
	s := b.ReduceSum(z, false, 0)
	b.Output("out", s, Float, Sym("batch"), Fixed(3), Sym("height"), Sym("width"))
	b.SetMetadata("strategy", "matrix")
	return b.Marshal("sample", "detgraph", "test")
}

func TestBuilderRoundTrip(t *testing.T) {
	m, err := Decode(buildSample(t, 13))
	require.NoError(t, err)

	assert.Equal(t, int64(7), m.IRVersion)
	assert.Equal(t, "detgraph", m.ProducerName)
	assert.Equal(t, int64(13), m.Opset(""))
	assert.Equal(t, "sample", m.Graph.Name)
	assert.Equal(t, "matrix", m.Metadata["strategy"])
	assert.Equal(t, []string{"Identity", "Mul", "ReduceSum", "Unsqueeze"}, m.OpTypes())

	require.Len(t, m.Graph.Inputs, 1)
	in := m.Graph.Inputs[0]
	assert.Equal(t, "images", in.Name)
	assert.Equal(t, Float, in.ElemType)
	require.Len(t, in.Dims, 4)
	assert.True(t, in.Dims[0].Dynamic())
	assert.False(t, in.Dims[1].Dynamic())
	assert.Equal(t, "height", in.Dims[2].Param)

	require.Len(t, m.Graph.Outputs, 1)
	assert.Equal(t, "out", m.Graph.Outputs[0].Name)

	mul := m.Graph.NodesOf("Mul")
	require.Len(t, mul, 1)
	c, ok := m.Graph.Initializer(mul[0].Inputs[1])
	require.True(t, ok)
	assert.Equal(t, []float32{2}, c.Floats())
	assert.Empty(t, c.Dims)

	// Opset 13 takes Unsqueeze axes as an input.
	u := m.Graph.NodesOf("Unsqueeze")[0]
	require.Len(t, u.Inputs, 2)
	axes, ok := m.Graph.Initializer(u.Inputs[1])
	require.True(t, ok)
	assert.Equal(t, []int64{0}, axes.Int64s())
}

func TestBuilderOpsetAttributes(t *testing.T) {
	m, err := Decode(buildSample(t, 11))
	require.NoError(t, err)
	assert.Equal(t, int64(6), m.IRVersion)

	u := m.Graph.NodesOf("Unsqueeze")[0]
	assert.Len(t, u.Inputs, 1)
	a, ok := u.Attr("axes")
	require.True(t, ok)
	assert.Equal(t, []int64{0}, a.Ints)

	r := m.Graph.NodesOf("ReduceSum")[0]
	k, ok := r.Attr("keepdims")
	require.True(t, ok)
	assert.Equal(t, int64(0), k.I)
}

func TestCustomDomain(t *testing.T) {
	b := NewBuilder(13, "p/")
	x := b.Input(ValueInfo{Name: "x", ElemType: Float, Dims: []Dim{Fixed(1)}})
	outs := b.Custom("trt.plugins", 1, "EfficientNMS_TRT", 4, []string{x, x},
		AttrF("iou_threshold", 0.45), AttrS("plugin_version", "1"), AttrFloats("f", 1, 2))
	require.Len(t, outs, 4)
	b.Output("y", outs[0], Int32, Fixed(1))

	assert.Contains(t, b.OpTypes(), "trt.plugins::EfficientNMS_TRT")

	m, err := Decode(b.Marshal("g", "p", "v"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Opset("trt.plugins"))
	n := m.Graph.NodesOf("EfficientNMS_TRT")[0]
	assert.Equal(t, "trt.plugins", n.Domain)
	iou, _ := n.Attr("iou_threshold")
	assert.InDelta(t, 0.45, iou.F, 1e-7)
	v, _ := n.Attr("plugin_version")
	assert.Equal(t, "1", v.S)
	f, _ := n.Attr("f")
	assert.Equal(t, []float32{1, 2}, f.Floats)
}

func TestDecodeInvalid(t *testing.T) {
	_, err := Decode([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)
}

func backbone(t *testing.T, opset int, out string) *Model {
	t.Helper()
	b := NewBuilder(opset, "")
	b.Input(ValueInfo{Name: "input", ElemType: Float, Dims: []Dim{Sym("n"), Fixed(3), Sym("h"), Sym("w")}})
	w := b.Const(FloatTensor("weight", []float32{0.5}))
	b.Add(Node{Name: "scale", OpType: "Mul", Inputs: []string{"input", w}, Outputs: []string{"hidden"}})
	b.Add(Node{Name: "act", OpType: "Relu", Inputs: []string{"hidden"}, Outputs: []string{out}})
	b.outputs = append(b.outputs, ValueInfo{Name: out, ElemType: Float})
	m, err := Decode(b.Marshal("backbone", "other", "1"))
	require.NoError(t, err)
	return m
}

func TestSplice(t *testing.T) {
	b := NewBuilder(13, "p/")
	x := b.Input(ValueInfo{Name: "images", ElemType: Float})
	outs, err := b.Splice(backbone(t, 13, "boxes"), x, "boxes", "scores")
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.NotEqual(t, "boxes", outs[0])
	b.Output("boxes", outs[0], Float)

	m, err := Decode(b.Marshal("g", "p", "v"))
	require.NoError(t, err)
	mul := m.Graph.NodesOf("Mul")[0]
	assert.Equal(t, "images", mul.Inputs[0])
	assert.Equal(t, "weight", mul.Inputs[1])
	relu := m.Graph.NodesOf("Relu")[0]
	assert.Equal(t, outs[0], relu.Outputs[0])
	w, ok := m.Graph.Initializer("weight")
	require.True(t, ok)
	assert.Equal(t, []float32{0.5}, w.Floats())
}

func TestSpliceOpsetMismatch(t *testing.T) {
	b := NewBuilder(13, "p/")
	_, err := b.Splice(backbone(t, 12, "feat"), "images")
	assert.True(t, errdefs.Is(err, errdefs.ErrUnsupportedExportOperation))
}

func TestAttributeTypes(t *testing.T) {
	b := NewBuilder(13, "")
	x := b.Input(ValueInfo{Name: "x", ElemType: Float, Dims: []Dim{Fixed(1)}})
	b.Add(Node{Name: "attrs", OpType: "Identity", Inputs: []string{x}, Outputs: []string{"h"}, Attrs: []Attribute{
		AttrF("f", 0.5),
		AttrI("i", 3),
		AttrS("s", "v"),
		AttrT("t", Int64Tensor("", []int64{4}, 1)),
		AttrFloats("fs", 1, 2),
		AttrInts("is", 5, 6),
	}})
	b.Output("y", "h", Float, Fixed(1))

	m, err := Decode(b.Marshal("attrs", "p", "v"))
	require.NoError(t, err)
	n := m.Graph.NodesOf("Identity")
	require.NotEmpty(t, n)

	for name, want := range map[string]AttrType{
		"f": AttrTypeFloat, "i": AttrTypeInt, "s": AttrTypeString,
		"t": AttrTypeTensor, "fs": AttrTypeFloats, "is": AttrTypeInts,
	} {
		a, ok := n[0].Attr(name)
		require.True(t, ok, name)
		assert.Equal(t, want, a.Type, name)
	}
	is, _ := n[0].Attr("is")
	assert.Equal(t, []int64{5, 6}, is.Ints)
	assert.Equal(t, "attrs", m.Graph.Name)
}
