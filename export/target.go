// Package export - Lowering of the pipeline graph to deployable artifacts.
//
// Every target declares the primitives it can execute. Each stage of the graph
// lowers to one of a few variants, each needing a set of primitives; the adapter
// picks a variant per stage, resolves the suppression strategy once, and refuses to
// write anything when a stage cannot be expressed on the target.
package export

import (
	"sort"
	"strings"

	"github.com/nvr-ai/go-detgraph/errdefs"
	"github.com/nvr-ai/go-detgraph/graph"
	"github.com/nvr-ai/go-detgraph/postprocess"
)

// Target names an artifact format.
type Target string

const (
	// GraphCapture is a portable JSON capture of the stage graph, reloaded with LoadCapture.
	GraphCapture Target = "graph-capture"
	// Interchange is a self-contained ONNX model.
	Interchange Target = "interchange-format"
	// FusedEngine is an ONNX model prepared for a TensorRT engine build, with native
	// suppression lowered to the EfficientNMS_TRT plugin.
	FusedEngine Target = "fused-engine"
)

// Targets lists every target.
func Targets() []Target { return []Target{GraphCapture, Interchange, FusedEngine} }

// ParseTarget converts a name into a Target.
func ParseTarget(name string) (Target, error) {
	for _, t := range Targets() {
		if string(t) == name {
			return t, nil
		}
	}
	return "", errdefs.Configuration("unknown export target %q", name)
}

// Opset bounds of the interchange lowering.
const (
	MinOpset     = 11
	MaxOpset     = 17
	DefaultOpset = 13
)

// PluginDomain is the operator domain of TensorRT plugins.
const PluginDomain = "TRT"

// PluginNMS is the fused-engine suppression primitive.
const PluginNMS = PluginDomain + "::EfficientNMS_TRT"

// opsets maps each default-domain primitive the lowering emits to the first opset
// whose form the lowering relies on.
var opsets = map[string]int{
	"Add": 7, "And": 7, "AveragePool": 7, "Cast": 6, "Ceil": 6, "Concat": 4,
	"ConstantOfShape": 9, "Conv": 1, "Div": 7, "Equal": 11, "Expand": 8, "Gather": 1,
	"GatherElements": 11, "Greater": 9, "Identity": 1, "Less": 9, "MatMul": 1, "Max": 8,
	"Min": 8, "Mod": 10, "Mul": 7, "NonMaxSuppression": 11, "Not": 1, "Pad": 11,
	"Range": 11, "ReduceMin": 1, "ReduceSum": 1, "Relu": 6, "Reshape": 5, "Resize": 11,
	"Round": 11, "ScatterND": 11, "Shape": 1, "Sigmoid": 6, "Slice": 10, "Squeeze": 1,
	"Sub": 7, "TopK": 11, "Transpose": 1, "Unsqueeze": 1, "Where": 9,
}

// Capabilities is the primitive set of one target at one opset.
type Capabilities struct {
	Target Target
	Opset  int
	ops    map[string]bool
}

// CapabilitiesFor returns the primitives target supports at opset. Graph captures
// ignore opset.
func CapabilitiesFor(target Target, opset int) (Capabilities, error) {
	c := Capabilities{Target: target, Opset: opset, ops: map[string]bool{}}
	switch target {
	case GraphCapture:
		c.Opset = MaxOpset
	case Interchange, FusedEngine:
		if opset < MinOpset || opset > MaxOpset {
			return Capabilities{}, errdefs.Unsupported(string(target), "opset %d is outside [%d, %d]", opset, MinOpset, MaxOpset)
		}
	default:
		return Capabilities{}, errdefs.Configuration("unknown export target %q", target)
	}

	for op, first := range opsets {
		if c.Opset >= first {
			c.ops[op] = true
		}
	}
	switch target {
	case GraphCapture:
		delete(c.ops, "NonMaxSuppression")
	case FusedEngine:
		delete(c.ops, "NonMaxSuppression")
		c.ops[PluginNMS] = true
	}
	return c, nil
}

// Supports reports whether op is a primitive of the target.
func (c Capabilities) Supports(op string) bool { return c.ops[op] }

// Missing returns the ops the target lacks, sorted.
func (c Capabilities) Missing(ops []string) []string {
	var out []string
	for _, op := range ops {
		if !c.ops[op] {
			out = append(out, op)
		}
	}
	sort.Strings(out)
	return out
}

// Primitives lists the target's primitives, sorted.
func (c Capabilities) Primitives() []string {
	out := make([]string, 0, len(c.ops))
	for op := range c.ops {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}

// Variant is one way of lowering a stage.
type Variant struct {
	Name     string
	Requires []string
}

const (
	variantONNXNMS   = "onnx-nms"
	variantPluginNMS = "plugin-nms"
	variantMatrixNMS = "matrix-nms"
)

var (
	letterboxOps = []string{"Shape", "Slice", "Cast", "Div", "ReduceMin", "Mul", "Round", "Max", "Resize", "Concat", "Sub", "Pad"}
	decodeOps    = []string{"Reshape", "Transpose", "Sigmoid", "Shape", "Slice", "Mul", "Squeeze", "Range", "Mod", "Div", "Unsqueeze", "Concat", "Cast", "Sub", "Add", "MatMul"}
	selectOps    = []string{"Reshape", "Shape", "Slice", "Concat", "ConstantOfShape", "TopK", "Div", "Mod", "Unsqueeze", "Expand", "GatherElements", "Less", "Not", "And", "Where", "Cast", "ReduceSum"}
	unmapOps     = []string{"Gather", "Sub", "Div", "Max", "Min", "Where", "Unsqueeze"}

	nativeVariants = []Variant{
		{Name: variantONNXNMS, Requires: append([]string{"NonMaxSuppression", "ScatterND", "Gather", "Greater", "Equal"}, selectOps...)},
		{Name: variantPluginNMS, Requires: append([]string{PluginNMS, "Range", "Squeeze", "Equal"}, selectOps...)},
	}
	matrixVariants = []Variant{
		{Name: variantMatrixNMS, Requires: append([]string{"Max", "Min", "Relu", "Sub", "Add", "Mul", "Greater", "Equal", "Gather", "Transpose"}, selectOps...)},
	}
)

// Variants returns the lowering variants of a stage, in preference order. The
// extract stage is opaque here; its primitives are checked after lowering.
func Variants(n graph.Node, kind postprocess.StrategyKind) []Variant {
	switch n.Op {
	case graph.OpLetterbox:
		ops := letterboxOps
		if n.Letterbox != nil && n.Letterbox.Rectangle {
			ops = append([]string{"Ceil"}, ops...)
		}
		return []Variant{{Name: "letterbox", Requires: ops}}
	case graph.OpDecode:
		return []Variant{{Name: "decode", Requires: decodeOps}}
	case graph.OpNMS:
		if kind == postprocess.Matrix {
			return matrixVariants
		}
		return nativeVariants
	case graph.OpUnmap:
		return []Variant{{Name: "unmap", Requires: unmapOps}}
	}
	return []Variant{{Name: string(n.Op)}}
}

// Plan is the outcome of resolution: the strategy and the chosen variant per stage.
type Plan struct {
	Target   Target
	Strategy postprocess.StrategyKind
	Variants map[graph.Op]string
}

// Resolve fixes the suppression strategy and a variant for every stage.
//
// "auto" (or "") picks native when the target has a suppression primitive and matrix
// otherwise. An explicit strategy the target cannot express fails.
//
// Arguments:
//   - caps: The target's capabilities.
//   - g: The pipeline graph.
//   - requested: auto, native or matrix.
//
// Returns:
//   - Plan: The resolved plan.
//   - error: ErrUnsupportedExportOperation naming the missing primitives.
func Resolve(caps Capabilities, g *graph.Graph, requested string) (Plan, error) {
	var kinds []postprocess.StrategyKind
	switch requested {
	case "", "auto":
		kinds = []postprocess.StrategyKind{postprocess.Native, postprocess.Matrix}
	default:
		kind, err := postprocess.ParseStrategy(requested)
		if err != nil {
			return Plan{}, err
		}
		kinds = []postprocess.StrategyKind{kind}
	}

	var lastErr error
	for _, kind := range kinds {
		plan, err := resolveWith(caps, g, kind)
		if err == nil {
			return plan, nil
		}
		lastErr = err
	}
	return Plan{}, lastErr
}

func resolveWith(caps Capabilities, g *graph.Graph, kind postprocess.StrategyKind) (Plan, error) {
	plan := Plan{Target: caps.Target, Strategy: kind, Variants: map[graph.Op]string{}}
	for _, n := range g.Nodes {
		var missing []string
		chosen := ""
		for _, v := range Variants(n, kind) {
			m := caps.Missing(v.Requires)
			if len(m) == 0 {
				chosen = v.Name
				break
			}
			if missing == nil || len(m) < len(missing) {
				missing = m
			}
		}
		if chosen == "" {
			return Plan{}, errdefs.Unsupported(string(caps.Target), "stage %s (%s suppression) needs %s",
				n.Name, kind, strings.Join(missing, ", "))
		}
		plan.Variants[n.Op] = chosen
	}
	return plan, nil
}
