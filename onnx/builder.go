package onnx

import (
	"fmt"
	"sort"
)

// Builder accumulates an ONNX graph in emission order.
//
// Generated value and node names carry the builder prefix, so graphs spliced in
// from other models cannot collide with them. Builders are not safe for concurrent use.
type Builder struct {
	opset    int
	prefix   string
	seq      int
	nodes    [][]byte
	ops      map[string]int
	inits    [][]byte
	inputs   []ValueInfo
	outputs  []ValueInfo
	domains  map[string]int64
	metadata [][2]string
}

// NewBuilder returns a builder emitting operators of the given default-domain opset.
func NewBuilder(opset int, prefix string) *Builder {
	return &Builder{
		opset:   opset,
		prefix:  prefix,
		ops:     make(map[string]int),
		domains: make(map[string]int64),
	}
}

// Opset returns the default-domain opset.
func (b *Builder) Opset() int { return b.opset }

// Name returns a fresh, unique value name based on hint.
func (b *Builder) Name(hint string) string {
	b.seq++
	return fmt.Sprintf("%s%s_%d", b.prefix, hint, b.seq)
}

// Input declares a graph input.
func (b *Builder) Input(v ValueInfo) string {
	b.inputs = append(b.inputs, v)
	return v.Name
}

// Output publishes src under a graph output name.
func (b *Builder) Output(name, src string, elem DataType, dims ...Dim) {
	b.Add(Node{Name: b.Name("output"), OpType: "Identity", Inputs: []string{src}, Outputs: []string{name}})
	b.outputs = append(b.outputs, ValueInfo{Name: name, ElemType: elem, Dims: dims})
}

// Add appends a fully specified node.
func (b *Builder) Add(n Node) {
	key := n.OpType
	if n.Domain != "" {
		key = n.Domain + "::" + n.OpType
	}
	b.ops[key]++
	b.nodes = append(b.nodes, n.marshal())
}

// OpN appends a node with n generated outputs.
func (b *Builder) OpN(op string, n int, inputs []string, attrs ...Attribute) []string {
	outs := make([]string, n)
	for i := range outs {
		outs[i] = b.Name(op)
	}
	b.Add(Node{Name: b.Name(op + "_node"), OpType: op, Inputs: inputs, Outputs: outs, Attrs: attrs})
	return outs
}

// Op appends a single-output node and returns its output name.
func (b *Builder) Op(op string, inputs []string, attrs ...Attribute) string {
	return b.OpN(op, 1, inputs, attrs...)[0]
}

// Custom appends a node from a non-default domain and records the domain import.
func (b *Builder) Custom(domain string, version int64, op string, n int, inputs []string, attrs ...Attribute) []string {
	b.domains[domain] = version
	outs := make([]string, n)
	for i := range outs {
		outs[i] = b.Name(op)
	}
	b.Add(Node{Name: b.Name(op + "_node"), OpType: op, Domain: domain, Inputs: inputs, Outputs: outs, Attrs: attrs})
	return outs
}

// Const adds an initializer and returns its name.
func (b *Builder) Const(t Tensor) string {
	if t.Name == "" {
		t.Name = b.Name("const")
	}
	b.inits = append(b.inits, t.marshal())
	return t.Name
}

// Floats adds a float32 initializer.
func (b *Builder) Floats(vals []float32, dims ...int64) string {
	return b.Const(FloatTensor("", vals, dims...))
}

// Ints adds an int64 initializer.
func (b *Builder) Ints(vals []int64, dims ...int64) string {
	return b.Const(Int64Tensor("", vals, dims...))
}

// Scalar adds a zero-rank float32 initializer.
func (b *Builder) Scalar(v float32) string { return b.Floats([]float32{v}) }

// ScalarInt adds a zero-rank int64 initializer.
func (b *Builder) ScalarInt(v int64) string { return b.Ints([]int64{v}) }

// Empty adds an empty float32 tensor, used for unset positional inputs.
func (b *Builder) Empty() string { return b.Floats(nil, 0) }

// Unsqueeze inserts unit axes. Opset 13 moved axes from an attribute to an input.
func (b *Builder) Unsqueeze(x string, axes ...int64) string {
	if b.opset >= 13 {
		return b.Op("Unsqueeze", []string{x, b.Ints(axes, int64(len(axes)))})
	}
	return b.Op("Unsqueeze", []string{x}, AttrInts("axes", axes...))
}

// Squeeze removes unit axes, following the same opset split as Unsqueeze.
func (b *Builder) Squeeze(x string, axes ...int64) string {
	if b.opset >= 13 {
		return b.Op("Squeeze", []string{x, b.Ints(axes, int64(len(axes)))})
	}
	return b.Op("Squeeze", []string{x}, AttrInts("axes", axes...))
}

// ReduceSum sums over axes. Opset 13 moved axes to an input.
func (b *Builder) ReduceSum(x string, keep bool, axes ...int64) string {
	k := int64(0)
	if keep {
		k = 1
	}
	if b.opset >= 13 {
		return b.Op("ReduceSum", []string{x, b.Ints(axes, int64(len(axes)))}, AttrI("keepdims", k))
	}
	return b.Op("ReduceSum", []string{x}, AttrInts("axes", axes...), AttrI("keepdims", k))
}

// ReduceMin takes the minimum over axes; axes stay an attribute through opset 17.
func (b *Builder) ReduceMin(x string, keep bool, axes ...int64) string {
	k := int64(0)
	if keep {
		k = 1
	}
	return b.Op("ReduceMin", []string{x}, AttrInts("axes", axes...), AttrI("keepdims", k))
}

// Slice slices x with constant bounds.
func (b *Builder) Slice(x string, starts, ends, axes []int64) string {
	n := int64(len(starts))
	return b.Op("Slice", []string{x, b.Ints(starts, n), b.Ints(ends, n), b.Ints(axes, n)})
}

// Cast converts x to the given element type.
func (b *Builder) Cast(x string, to DataType) string {
	return b.Op("Cast", []string{x}, AttrI("to", int64(to)))
}

// SetMetadata records a model metadata property.
func (b *Builder) SetMetadata(key, value string) {
	b.metadata = append(b.metadata, [2]string{key, value})
}

// OpTypes lists the distinct operators emitted so far, sorted. Custom-domain ops
// are reported as "domain::op".
func (b *Builder) OpTypes() []string {
	out := make([]string, 0, len(b.ops))
	for op := range b.ops {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}

// NodeCount returns the number of nodes emitted so far.
func (b *Builder) NodeCount() int { return len(b.nodes) }

// Marshal encodes the accumulated graph as a ModelProto.
func (b *Builder) Marshal(name, producer, version string) []byte {
	var g []byte
	for _, n := range b.nodes {
		g = appendMessage(g, graphNode, n)
	}
	g = appendString(g, graphName, name)
	for _, t := range b.inits {
		g = appendMessage(g, graphInitializer, t)
	}
	for _, v := range b.inputs {
		g = appendMessage(g, graphInput, v.marshal())
	}
	for _, v := range b.outputs {
		g = appendMessage(g, graphOutput, v.marshal())
	}

	m := appendVarint(nil, modelIRVersion, IRVersionFor(b.opset))
	m = appendString(m, modelProducerName, producer)
	m = appendString(m, modelProducerVer, version)
	m = appendMessage(m, modelGraph, g)
	m = appendMessage(m, modelOpsetImport, OpsetID{Version: int64(b.opset)}.marshal())

	domains := make([]string, 0, len(b.domains))
	for d := range b.domains {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	for _, d := range domains {
		m = appendMessage(m, modelOpsetImport, OpsetID{Domain: d, Version: b.domains[d]}.marshal())
	}

	for _, kv := range b.metadata {
		entry := appendString(nil, stringEntryKey, kv[0])
		entry = appendString(entry, stringEntryVal, kv[1])
		m = appendMessage(m, modelMetadataProps, entry)
	}
	return m
}
