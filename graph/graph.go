// Package graph - The pipeline's stage graph.
//
// A Graph is the backend-neutral description of a composed detection pipeline:
// letterbox, feature extraction, decode, suppression and unmapping, with the
// attributes each stage was configured with. The in-process pipeline executes
// it, and every export target lowers it.
package graph

import (
	"fmt"
	"slices"

	jsoniter "github.com/json-iterator/go"

	"github.com/nvr-ai/go-detgraph/anchors"
	"github.com/nvr-ai/go-detgraph/errdefs"
	"github.com/nvr-ai/go-detgraph/letterbox"
	"github.com/nvr-ai/go-detgraph/postprocess"
)

// Op identifies a stage.
type Op string

const (
	OpLetterbox Op = "letterbox"
	OpExtract   Op = "extract"
	OpDecode    Op = "decode"
	OpNMS       Op = "nms"
	OpUnmap     Op = "unmap"
)

// Symbolic dimension names shared by the graph and its exported forms.
const (
	DimBatch  = "batch"
	DimHeight = "height"
	DimWidth  = "width"
)

// Public value names of the composed graph.
const (
	ValueImages        = "images"
	ValueNumDetections = "num_detections"
	ValueBoxes         = "boxes"
	ValueScores        = "scores"
	ValueLabels        = "labels"
)

// ElemType is the element type of a graph value.
type ElemType string

const (
	Float32 ElemType = "float32"
	Int64   ElemType = "int64"
)

// Dim is a value dimension: a fixed size, or a symbol resolved at run time.
type Dim struct {
	Size   int    `json:"size,omitempty"`
	Symbol string `json:"symbol,omitempty"`
}

// Sym returns a symbolic dimension.
func Sym(name string) Dim { return Dim{Symbol: name} }

// Fixed returns a static dimension.
func Fixed(n int) Dim { return Dim{Size: n} }

// String renders the dimension for logs.
func (d Dim) String() string {
	if d.Symbol != "" {
		return d.Symbol
	}
	return fmt.Sprint(d.Size)
}

// Value is a typed edge between stages.
type Value struct {
	Name string   `json:"name"`
	Type ElemType `json:"type"`
	Dims []Dim    `json:"dims"`
}

// ExtractorRef names a feature extractor and the parameters needed to rebuild it.
type ExtractorRef struct {
	Name   string              `json:"name"`
	Params jsoniter.RawMessage `json:"params,omitempty"`
}

// DecodeAttrs configures the decode stage.
type DecodeAttrs struct {
	NumClasses int         `json:"num_classes"`
	Anchors    anchors.Set `json:"anchors"`
}

// NMSAttrs configures the suppression stage. Strategy is auto, native or matrix.
type NMSAttrs struct {
	Params   postprocess.Params `json:"params"`
	Strategy string             `json:"strategy"`
}

// Node is one stage. Exactly the attribute field matching Op is set.
type Node struct {
	Name    string   `json:"name"`
	Op      Op       `json:"op"`
	Inputs  []string `json:"inputs"`
	Outputs []string `json:"outputs"`

	Letterbox *letterbox.Params `json:"letterbox,omitempty"`
	Extractor *ExtractorRef     `json:"extractor,omitempty"`
	Decode    *DecodeAttrs      `json:"decode,omitempty"`
	NMS       *NMSAttrs         `json:"nms,omitempty"`
}

// Graph is an ordered list of stages between typed inputs and outputs.
type Graph struct {
	Inputs  []Value `json:"inputs"`
	Outputs []Value `json:"outputs"`
	Values  []Value `json:"values"`
	Nodes   []Node  `json:"nodes"`
}

// Stages configures Build.
type Stages struct {
	Letterbox  letterbox.Params
	Extractor  ExtractorRef
	NumClasses int
	Anchors    anchors.Set
	NMS        postprocess.Params
	Strategy   string
}

// Build composes the five pipeline stages into a graph.
//
// Arguments:
//   - s: The stage attributes.
//
// Returns:
//   - *Graph: The validated graph.
//   - error: ErrConfiguration when a stage attribute is unusable.
//
// @example
//
//	g, err := graph.Build(graph.Stages{Letterbox: cfg.Letterbox(), NMS: cfg.NMS(), ...})
func Build(s Stages) (*Graph, error) {
	lb := s.Letterbox
	set := s.Anchors
	nms := NMSAttrs{Params: s.NMS, Strategy: s.Strategy}
	if nms.Strategy == "" {
		nms.Strategy = "auto"
	}
	ref := s.Extractor

	batch, c := Sym(DimBatch), s.NumClasses
	g := &Graph{
		Inputs: []Value{{Name: ValueImages, Type: Float32, Dims: []Dim{batch, Fixed(3), Sym(DimHeight), Sym(DimWidth)}}},
		Outputs: []Value{
			{Name: ValueNumDetections, Type: Int64, Dims: []Dim{batch}},
			{Name: ValueBoxes, Type: Float32, Dims: []Dim{batch, Sym("detections"), Fixed(4)}},
			{Name: ValueScores, Type: Float32, Dims: []Dim{batch, Sym("detections")}},
			{Name: ValueLabels, Type: Int64, Dims: []Dim{batch, Sym("detections")}},
		},
	}

	canvas := []Dim{batch, Fixed(3), Fixed(lb.Height), Fixed(lb.Width)}
	if lb.Rectangle {
		canvas = []Dim{batch, Fixed(3), Sym("canvas_height"), Sym("canvas_width")}
	}
	g.Values = append(g.Values,
		Value{Name: "letterboxed", Type: Float32, Dims: canvas},
		Value{Name: "letterbox_meta", Type: Float32, Dims: []Dim{batch, Fixed(5)}},
	)

	raws := make([]string, len(set.Scales))
	for i, sc := range set.Scales {
		raws[i] = fmt.Sprintf("raw_s%d", sc.Stride)
		g.Values = append(g.Values, Value{Name: raws[i], Type: Float32, Dims: []Dim{
			batch, Fixed(len(sc.Anchors) * (5 + c)), Sym(fmt.Sprintf("grid_h_s%d", sc.Stride)), Sym(fmt.Sprintf("grid_w_s%d", sc.Stride)),
		}})
	}
	g.Values = append(g.Values,
		Value{Name: "candidate_boxes", Type: Float32, Dims: []Dim{batch, Sym("candidates"), Fixed(4)}},
		Value{Name: "candidate_scores", Type: Float32, Dims: []Dim{batch, Sym("candidates"), Fixed(c)}},
		Value{Name: "kept_boxes", Type: Float32, Dims: []Dim{batch, Sym("detections"), Fixed(4)}},
	)

	g.Nodes = []Node{
		{Name: "letterbox", Op: OpLetterbox, Inputs: []string{ValueImages}, Outputs: []string{"letterboxed", "letterbox_meta"}, Letterbox: &lb},
		{Name: "extract", Op: OpExtract, Inputs: []string{"letterboxed"}, Outputs: raws, Extractor: &ref},
		{Name: "decode", Op: OpDecode, Inputs: raws, Outputs: []string{"candidate_boxes", "candidate_scores"}, Decode: &DecodeAttrs{NumClasses: c, Anchors: set}},
		{Name: "nms", Op: OpNMS, Inputs: []string{"candidate_boxes", "candidate_scores"}, Outputs: []string{ValueNumDetections, "kept_boxes", ValueScores, ValueLabels}, NMS: &nms},
		{Name: "unmap", Op: OpUnmap, Inputs: []string{"kept_boxes", "letterbox_meta"}, Outputs: []string{ValueBoxes}},
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Validate checks that every stage is present once, in order, with its attributes,
// and that every input is produced before it is consumed.
func (g *Graph) Validate() error {
	order := []Op{OpLetterbox, OpExtract, OpDecode, OpNMS, OpUnmap}
	if len(g.Nodes) != len(order) {
		return errdefs.Configuration("graph has %d stages, want %d", len(g.Nodes), len(order))
	}

	defined := map[string]bool{}
	for _, v := range g.Inputs {
		defined[v.Name] = true
	}
	for i, n := range g.Nodes {
		if n.Op != order[i] {
			return errdefs.Configuration("stage %d is %s, want %s", i, n.Op, order[i])
		}
		for _, in := range n.Inputs {
			if !defined[in] {
				return errdefs.Configuration("stage %s consumes undefined value %q", n.Name, in)
			}
		}
		for _, out := range n.Outputs {
			if defined[out] {
				return errdefs.Configuration("value %q is produced twice", out)
			}
			defined[out] = true
		}
		if err := n.validateAttrs(); err != nil {
			return err
		}
	}
	for _, v := range g.Outputs {
		if !defined[v.Name] {
			return errdefs.Configuration("graph output %q is never produced", v.Name)
		}
	}

	dec, nms := g.Nodes[2].Decode, g.Nodes[3].NMS
	if len(g.Nodes[1].Outputs) != len(dec.Anchors.Scales) {
		return errdefs.Configuration("extractor produces %d scales, decoder expects %d",
			len(g.Nodes[1].Outputs), len(dec.Anchors.Scales))
	}
	if lb := g.Nodes[0].Letterbox; lb.Stride != 0 && lb.Stride < dec.Anchors.MaxStride() {
		return errdefs.Configuration("letterbox stride %d is below the network stride %d", lb.Stride, dec.Anchors.MaxStride())
	}
	return nms.Params.Validate()
}

func (n Node) validateAttrs() error {
	var ok bool
	switch n.Op {
	case OpLetterbox:
		ok = n.Letterbox != nil
	case OpExtract:
		ok = n.Extractor != nil && n.Extractor.Name != ""
		if ok && len(n.Extractor.Params) > 0 && !jsoniter.Valid(n.Extractor.Params) {
			return errdefs.Configuration("stage %s: extractor %q params are not valid JSON", n.Name, n.Extractor.Name)
		}
	case OpDecode:
		ok = n.Decode != nil && n.Decode.NumClasses > 0 && len(n.Decode.Anchors.Scales) > 0
	case OpNMS:
		ok = n.NMS != nil
		if ok {
			switch n.NMS.Strategy {
			case "auto", string(postprocess.Native), string(postprocess.Matrix):
			default:
				return errdefs.Configuration("stage %s: unknown strategy %q", n.Name, n.NMS.Strategy)
			}
		}
	case OpUnmap:
		ok = true
	}
	if !ok {
		return errdefs.Configuration("stage %s (%s) is missing its attributes", n.Name, n.Op)
	}
	return nil
}

// Node returns the stage with the given op.
func (g *Graph) Node(op Op) *Node {
	for i := range g.Nodes {
		if g.Nodes[i].Op == op {
			return &g.Nodes[i]
		}
	}
	return nil
}

// Value looks up an input, intermediate or output value by name.
func (g *Graph) Value(name string) (Value, bool) {
	for _, set := range [][]Value{g.Inputs, g.Values, g.Outputs} {
		for _, v := range set {
			if v.Name == name {
				return v, true
			}
		}
	}
	return Value{}, false
}

// Clone returns a deep copy, so callers may adjust attributes without touching g.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		Inputs:  cloneValues(g.Inputs),
		Outputs: cloneValues(g.Outputs),
		Values:  cloneValues(g.Values),
		Nodes:   make([]Node, len(g.Nodes)),
	}
	for i, n := range g.Nodes {
		n.Inputs = slices.Clone(n.Inputs)
		n.Outputs = slices.Clone(n.Outputs)
		if n.Letterbox != nil {
			lb := *n.Letterbox
			n.Letterbox = &lb
		}
		if n.Extractor != nil {
			ex := *n.Extractor
			ex.Params = slices.Clone(ex.Params)
			n.Extractor = &ex
		}
		if n.Decode != nil {
			dec := *n.Decode
			dec.Anchors = cloneAnchors(dec.Anchors)
			n.Decode = &dec
		}
		if n.NMS != nil {
			nms := *n.NMS
			n.NMS = &nms
		}
		c.Nodes[i] = n
	}
	return c
}

func cloneValues(vs []Value) []Value {
	if vs == nil {
		return nil
	}
	out := make([]Value, len(vs))
	for i, v := range vs {
		v.Dims = slices.Clone(v.Dims)
		out[i] = v
	}
	return out
}

func cloneAnchors(s anchors.Set) anchors.Set {
	scales := slices.Clone(s.Scales)
	for i := range scales {
		scales[i].Anchors = slices.Clone(scales[i].Anchors)
	}
	return anchors.Set{Scales: scales}
}
