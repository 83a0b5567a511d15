package export

import (
	"math"

	"github.com/nvr-ai/go-detgraph/anchors"
	"github.com/nvr-ai/go-detgraph/errdefs"
	"github.com/nvr-ai/go-detgraph/graph"
	"github.com/nvr-ai/go-detgraph/letterbox"
	"github.com/nvr-ai/go-detgraph/onnx"
	"github.com/nvr-ai/go-detgraph/postprocess"
)

// Lowerable is implemented by feature extractors that can emit themselves into an
// ONNX graph. LowerONNX reads the letterboxed batch from input and returns one raw
// prediction value per anchor scale, finest stride first.
type Lowerable interface {
	LowerONNX(b *onnx.Builder, input string) ([]string, error)
}

// namePrefix prefixes every value the lowering generates.
const namePrefix = "detgraph/"

// lowering emits the stage graph into an ONNX builder.
type lowering struct {
	b    *onnx.Builder
	plan Plan
}

// geometry carries the letterbox values the unmap stage needs.
type geometry struct {
	canvas string // [N, 3, ch, cw]
	scale  string // [1]
	padTL  string // [2] as (top, left)
	origHW string // [2] as (height, width)
}

// candidates is the capped, score-sorted pair set shared by every strategy.
type candidates struct {
	n1     string // [1] batch size
	vals   string // [N, K]
	labels string // [N, K] int64
	boxes  string // [N, K, 4]
	valid  string // [N, K] bool
	kt     string // [1] int64 K
	k      int64  // static K, 0 when K is the runtime pair count
}

// kept is the suppression result, padded to a fixed D entries per image.
type kept struct {
	boxes  string // [N, D, 4]
	scores string // [N, D]
	labels string // [N, D] int64
	valid  string // [N, D] bool
	num    string // [N] int64
	d      int64
}

func (l *lowering) letterbox(p letterbox.Params, images string) geometry {
	b := l.b
	shape := b.Op("Shape", []string{images})
	hw := b.Slice(shape, []int64{2}, []int64{4}, []int64{0})
	hwf := b.Cast(hw, onnx.Float)

	target := b.Floats([]float32{float32(p.Height), float32(p.Width)}, 2)
	scale := b.ReduceMin(b.Op("Div", []string{target, hwf}), true, 0)
	// A resized side never rounds to zero.
	newf := b.Op("Max", []string{b.Op("Round", []string{b.Op("Mul", []string{hwf, scale})}), b.Scalar(1)})
	newi := b.Cast(newf, onnx.Int64)

	nc := b.Slice(shape, []int64{0}, []int64{2}, []int64{0})
	sizes := b.Op("Concat", []string{nc, newi}, onnx.AttrI("axis", 0))
	resized := b.Op("Resize", []string{images, b.Empty(), b.Empty(), sizes},
		onnx.AttrS("mode", "linear"),
		onnx.AttrS("coordinate_transformation_mode", "half_pixel"))

	var canvas string
	if p.Rectangle {
		stride := b.Scalar(float32(max(p.Stride, 1)))
		cells := b.Op("Ceil", []string{b.Op("Div", []string{newf, stride})})
		canvas = b.Cast(b.Op("Mul", []string{cells, stride}), onnx.Int64)
	} else {
		canvas = b.Ints([]int64{int64(p.Height), int64(p.Width)}, 2)
	}

	pad := b.Op("Sub", []string{canvas, newi})
	var low, high string
	if p.Mode == letterbox.Corner {
		low, high = b.Ints([]int64{0, 0}, 2), pad
	} else {
		low = b.Op("Div", []string{pad, b.ScalarInt(2)})
		high = b.Op("Sub", []string{pad, low})
	}
	zeros := b.Ints([]int64{0, 0}, 2)
	pads := b.Op("Concat", []string{zeros, low, zeros, high}, onnx.AttrI("axis", 0))
	out := b.Op("Pad", []string{resized, pads, b.Scalar(p.Fill)}, onnx.AttrS("mode", "constant"))
	if p.Normalize {
		out = b.Op("Div", []string{out, b.Scalar(255)})
	}

	return geometry{canvas: out, scale: scale, padTL: b.Cast(low, onnx.Float), origHW: hwf}
}

// decode mirrors the in-process decoder: per scale, per anchor, per cell in
// row-major grid order, scales concatenated.
func (l *lowering) decode(attrs *graph.DecodeAttrs, raws []string) (boxes, scores string) {
	b := l.b
	c := int64(attrs.NumClasses)
	// Row vector (cx, cy, w, h) times convert gives (x1, y1, x2, y2).
	convert := b.Floats([]float32{
		1, 0, 1, 0,
		0, 1, 0, 1,
		-0.5, 0, 0.5, 0,
		0, -0.5, 0, 0.5,
	}, 4, 4)
	two, half := b.Scalar(2), b.Scalar(0.5)

	var bs, ss []string
	for i, sc := range attrs.Anchors.Scales {
		raw := raws[i]
		a := int64(len(sc.Anchors))

		rs := b.Op("Reshape", []string{raw, b.Ints([]int64{0, a, 5 + c, -1}, 4)})
		sig := b.Op("Sigmoid", []string{b.Op("Transpose", []string{rs}, onnx.AttrInts("perm", 0, 1, 3, 2))})

		shape := b.Op("Shape", []string{raw})
		gw := b.Slice(shape, []int64{3}, []int64{4}, []int64{0})
		cells := b.Op("Mul", []string{b.Slice(shape, []int64{2}, []int64{3}, []int64{0}), gw})
		idx := b.Op("Range", []string{b.ScalarInt(0), b.Squeeze(cells, 0), b.ScalarInt(1)})
		gx := b.Unsqueeze(b.Op("Mod", []string{idx, gw}), 1)
		gy := b.Unsqueeze(b.Op("Div", []string{idx, gw}), 1)
		grid := b.Cast(b.Op("Concat", []string{gx, gy}, onnx.AttrI("axis", 1)), onnx.Float)

		xy := b.Slice(sig, []int64{0}, []int64{2}, []int64{3})
		wh := b.Slice(sig, []int64{2}, []int64{4}, []int64{3})
		obj := b.Slice(sig, []int64{4}, []int64{5}, []int64{3})
		cls := b.Slice(sig, []int64{5}, []int64{5 + c}, []int64{3})

		centre := b.Op("Add", []string{b.Op("Sub", []string{b.Op("Mul", []string{xy, two}), half}), grid})
		centre = b.Op("Mul", []string{centre, b.Scalar(float32(sc.Stride))})
		t := b.Op("Mul", []string{wh, two})
		size := b.Op("Mul", []string{b.Op("Mul", []string{t, t}), b.Floats(anchorPairs(sc.Anchors), 1, a, 1, 2)})

		box := b.Op("MatMul", []string{b.Op("Concat", []string{centre, size}, onnx.AttrI("axis", 3)), convert})
		bs = append(bs, b.Op("Reshape", []string{box, b.Ints([]int64{0, -1, 4}, 3)}))
		score := b.Op("Mul", []string{obj, cls})
		ss = append(ss, b.Op("Reshape", []string{score, b.Ints([]int64{0, -1, c}, 3)}))
	}

	return b.Op("Concat", bs, onnx.AttrI("axis", 1)), b.Op("Concat", ss, onnx.AttrI("axis", 1))
}

// selectPairs is the shared selection stage: the top K (box, class) pairs by score,
// with pairs under the threshold marked invalid. A limit of 0 takes every pair. The
// score matrix is padded with -1 entries so TopK always has K inputs and at least
// max_detections pairs exist.
func (l *lowering) selectPairs(p postprocess.Params, numClasses int, limit int64, boxes, scores string) candidates {
	b := l.b
	c := int64(numClasses)
	pad := limit
	if pad == 0 {
		pad = int64(p.MaxDetections)
	}

	flat := b.Op("Reshape", []string{scores, b.Ints([]int64{0, -1}, 2)})
	n1 := b.Slice(b.Op("Shape", []string{flat}), []int64{0}, []int64{1}, []int64{0})
	fill := l.filled(b.Op("Concat", []string{n1, b.Ints([]int64{pad}, 1)}, onnx.AttrI("axis", 0)), -1)
	padded := b.Op("Concat", []string{flat, fill}, onnx.AttrI("axis", 1))
	kt := b.Ints([]int64{limit}, 1)
	if limit == 0 {
		kt = b.Slice(b.Op("Shape", []string{padded}), []int64{1}, []int64{2}, []int64{0})
	}
	top := b.OpN("TopK", 2, []string{padded, kt},
		onnx.AttrI("axis", 1), onnx.AttrI("largest", 1), onnx.AttrI("sorted", 1))
	vals, idx := top[0], top[1]

	boxIdx := b.Op("Div", []string{idx, b.ScalarInt(c)})
	labels := b.Op("Mod", []string{idx, b.ScalarInt(c)})

	padShape := b.Op("Concat", []string{n1, b.Ints([]int64{pad, 4}, 2)}, onnx.AttrI("axis", 0))
	boxesP := b.Op("Concat", []string{boxes, l.filled(padShape, 0)}, onnx.AttrI("axis", 1))
	shape3 := b.Op("Concat", []string{n1, kt, b.Ints([]int64{4}, 1)}, onnx.AttrI("axis", 0))
	gather := b.Op("Expand", []string{b.Unsqueeze(boxIdx, 2), shape3})
	sel := b.Op("GatherElements", []string{boxesP, gather}, onnx.AttrI("axis", 1))

	valid := b.Op("Not", []string{b.Op("Less", []string{vals, b.Scalar(p.ScoreThresh)})})
	return candidates{n1: n1, vals: vals, labels: labels, boxes: sel, valid: valid, kt: kt, k: limit}
}

// filled returns a float tensor of the given runtime shape filled with v.
func (l *lowering) filled(shape string, v float32) string {
	return l.b.Op("ConstantOfShape", []string{shape}, onnx.AttrT("value", onnx.FloatTensor("", []float32{v}, 1)))
}

// classScores scatters every pair's score into its class row, -1 elsewhere. The
// result is [N, C, K], or [N, K, C] when classLast is set.
func (l *lowering) classScores(c candidates, numClasses int, classLast bool) string {
	b := l.b
	classes := make([]int64, numClasses)
	for i := range classes {
		classes[i] = int64(i)
	}
	axis, dims := int64(1), []int64{1, int64(numClasses), 1}
	if classLast {
		axis, dims = 2, []int64{1, 1, int64(numClasses)}
	}
	match := b.Op("Equal", []string{b.Unsqueeze(c.labels, axis), b.Ints(classes, dims...)})
	return b.Op("Where", []string{match, b.Unsqueeze(c.vals, axis), b.Scalar(-1)})
}

// nms lowers suppression with the plan's strategy and variant.
func (l *lowering) nms(attrs *graph.NMSAttrs, numClasses int, boxes, scores string) kept {
	p := attrs.Params
	c := l.selectPairs(p, numClasses, int64(p.Limit(l.plan.Strategy)), boxes, scores)
	d := int64(p.MaxDetections)
	if c.k > 0 {
		d = min(d, c.k)
	}

	switch l.plan.Variants[graph.OpNMS] {
	case variantPluginNMS:
		return l.pluginNMS(p, numClasses, c, d)
	case variantONNXNMS:
		return l.finish(c, l.onnxKeep(p, numClasses, c), d)
	default:
		return l.finish(c, l.matrixKeep(p, c), d)
	}
}

// scoreFloor is the exclusive threshold that admits scores equal to thresh.
func scoreFloor(thresh float32) float32 {
	return math.Nextafter32(thresh, float32(math.Inf(-1)))
}

func (l *lowering) onnxKeep(p postprocess.Params, numClasses int, c candidates) string {
	b := l.b
	var scores string
	if p.ClassAgnostic {
		scores = b.Unsqueeze(c.vals, 1)
	} else {
		scores = l.classScores(c, numClasses, false)
	}
	selected := b.Op("NonMaxSuppression", []string{
		c.boxes, scores,
		c.kt,
		b.Floats([]float32{p.IoUThresh}, 1),
		b.Floats([]float32{scoreFloor(p.ScoreThresh)}, 1),
	})

	// selected rows are (batch, class, box); only (batch, box) addresses the pair.
	at := b.Op("Gather", []string{selected, b.Ints([]int64{0, 2}, 2)}, onnx.AttrI("axis", 1))
	count := b.Slice(b.Op("Shape", []string{selected}), []int64{0}, []int64{1}, []int64{0})
	hits := b.Op("ScatterND", []string{l.filled(b.Op("Shape", []string{c.vals}), 0), at, l.filled(count, 1)})
	return b.Op("Greater", []string{hits, b.Scalar(0.5)})
}

// matrixKeep unrolls the greedy mask reduction over K rank-ordered pairs.
func (l *lowering) matrixKeep(p postprocess.Params, c candidates) string {
	b := l.b
	coord := func(i int64) string { return b.Slice(c.boxes, []int64{i}, []int64{i + 1}, []int64{2}) }
	across := func(v string) string { return b.Op("Transpose", []string{v}, onnx.AttrInts("perm", 0, 2, 1)) }
	x1, y1, x2, y2 := coord(0), coord(1), coord(2), coord(3)

	iw := b.Op("Relu", []string{b.Op("Sub", []string{
		b.Op("Min", []string{x2, across(x2)}), b.Op("Max", []string{x1, across(x1)}),
	})})
	ih := b.Op("Relu", []string{b.Op("Sub", []string{
		b.Op("Min", []string{y2, across(y2)}), b.Op("Max", []string{y1, across(y1)}),
	})})
	inter := b.Op("Mul", []string{iw, ih})
	area := b.Op("Mul", []string{b.Op("Sub", []string{x2, x1}), b.Op("Sub", []string{y2, y1})})
	union := b.Op("Sub", []string{b.Op("Add", []string{area, across(area)}), inter})
	iou := b.Op("Div", []string{inter, union})

	sup := b.Op("Greater", []string{iou, b.Scalar(p.IoUThresh)})
	if !p.ClassAgnostic {
		same := b.Op("Equal", []string{b.Unsqueeze(c.labels, 2), b.Unsqueeze(c.labels, 1)})
		sup = b.Op("And", []string{sup, same})
	}
	upper := make([]bool, c.k*c.k)
	for i := int64(0); i < c.k; i++ {
		for j := i + 1; j < c.k; j++ {
			upper[i*c.k+j] = true
		}
	}
	sup = b.Op("And", []string{sup, b.Const(onnx.BoolTensor("", upper, c.k, c.k))})

	keep := c.valid
	for i := int64(0); i < c.k; i++ {
		row := b.Op("Gather", []string{sup, b.ScalarInt(i)}, onnx.AttrI("axis", 1))
		self := b.Slice(keep, []int64{i}, []int64{i + 1}, []int64{1})
		hit := b.Op("And", []string{row, self})
		keep = b.Op("And", []string{keep, b.Op("Not", []string{hit})})
	}
	return keep
}

// finish keeps the top D surviving pairs, in rank order.
func (l *lowering) finish(c candidates, keep string, d int64) kept {
	b := l.b
	final := b.Op("And", []string{keep, c.valid})
	ranked := b.Op("Where", []string{final, c.vals, b.Scalar(-1)})
	top := b.OpN("TopK", 2, []string{ranked, b.Ints([]int64{d}, 1)},
		onnx.AttrI("axis", 1), onnx.AttrI("largest", 1), onnx.AttrI("sorted", 1))
	scores, at := top[0], top[1]

	shape3 := b.Op("Concat", []string{c.n1, b.Ints([]int64{d, 4}, 2)}, onnx.AttrI("axis", 0))
	gather := b.Op("Expand", []string{b.Unsqueeze(at, 2), shape3})
	boxes := b.Op("GatherElements", []string{c.boxes, gather}, onnx.AttrI("axis", 1))
	labels := b.Op("GatherElements", []string{c.labels, at}, onnx.AttrI("axis", 1))
	valid := b.Op("GatherElements", []string{final, at}, onnx.AttrI("axis", 1))
	num := b.ReduceSum(b.Cast(valid, onnx.Int64), false, 1)
	return kept{boxes: boxes, scores: scores, labels: labels, valid: valid, num: num, d: d}
}

func (l *lowering) pluginNMS(p postprocess.Params, numClasses int, c candidates, d int64) kept {
	b := l.b
	attrs := []onnx.Attribute{
		onnx.AttrI("background_class", -1),
		onnx.AttrI("box_coding", 0),
		onnx.AttrF("iou_threshold", p.IoUThresh),
		onnx.AttrI("max_output_boxes", d),
		onnx.AttrS("plugin_version", "1"),
		onnx.AttrI("score_activation", 0),
		onnx.AttrF("score_threshold", scoreFloor(p.ScoreThresh)),
	}
	if p.ClassAgnostic {
		attrs = append(attrs, onnx.AttrI("class_agnostic", 1))
	}
	outs := b.Custom(PluginDomain, 1, "EfficientNMS_TRT", 4,
		[]string{c.boxes, l.classScores(c, numClasses, true)}, attrs...)

	num := b.Cast(b.Squeeze(outs[0], 1), onnx.Int64)
	slots := b.Op("Range", []string{b.ScalarInt(0), b.ScalarInt(d), b.ScalarInt(1)})
	valid := b.Op("Less", []string{slots, b.Unsqueeze(num, 1)})
	return kept{boxes: outs[1], scores: outs[2], labels: b.Cast(outs[3], onnx.Int64), valid: valid, num: num, d: d}
}

// unmap maps kept boxes back to original pixels and zeroes the padding slots.
func (l *lowering) unmap(geo geometry, k kept) (boxes, scores, labels string) {
	b := l.b
	xyxy := b.Ints([]int64{1, 0, 1, 0}, 4)
	pad := b.Op("Gather", []string{geo.padTL, xyxy}, onnx.AttrI("axis", 0))
	limit := b.Op("Gather", []string{geo.origHW, xyxy}, onnx.AttrI("axis", 0))

	mapped := b.Op("Div", []string{b.Op("Sub", []string{k.boxes, pad}), geo.scale})
	mapped = b.Op("Min", []string{b.Op("Max", []string{mapped, b.Scalar(0)}), limit})

	boxes = b.Op("Where", []string{b.Unsqueeze(k.valid, 2), mapped, b.Scalar(0)})
	scores = b.Op("Where", []string{k.valid, k.scores, b.Scalar(0)})
	labels = b.Op("Where", []string{k.valid, k.labels, b.ScalarInt(-1)})
	return boxes, scores, labels
}

func anchorPairs(as []anchors.Anchor) []float32 {
	out := make([]float32, 0, 2*len(as))
	for _, a := range as {
		out = append(out, a.Width, a.Height)
	}
	return out
}

// lowerGraph emits the full pipeline and publishes the four detection outputs.
func lowerGraph(b *onnx.Builder, g *graph.Graph, plan Plan, ex Lowerable) error {
	l := &lowering{b: b, plan: plan}
	lbNode, decNode, nmsNode := g.Node(graph.OpLetterbox), g.Node(graph.OpDecode), g.Node(graph.OpNMS)

	images := b.Input(onnx.ValueInfo{Name: graph.ValueImages, ElemType: onnx.Float, Dims: []onnx.Dim{
		onnx.Sym(graph.DimBatch), onnx.Fixed(3), onnx.Sym(graph.DimHeight), onnx.Sym(graph.DimWidth),
	}})
	geo := l.letterbox(*lbNode.Letterbox, images)

	raws, err := ex.LowerONNX(b, geo.canvas)
	if err != nil {
		return err
	}
	if len(raws) != len(decNode.Decode.Anchors.Scales) {
		return errdefs.Unsupported(string(plan.Target), "extractor lowered %d scales, decoder expects %d",
			len(raws), len(decNode.Decode.Anchors.Scales))
	}

	boxes, scores := l.decode(decNode.Decode, raws)
	k := l.nms(nmsNode.NMS, decNode.Decode.NumClasses, boxes, scores)
	outBoxes, outScores, outLabels := l.unmap(geo, k)

	batch, d := onnx.Sym(graph.DimBatch), onnx.Fixed(k.d)
	b.Output(graph.ValueNumDetections, k.num, onnx.Int64, batch)
	b.Output(graph.ValueBoxes, outBoxes, onnx.Float, batch, d, onnx.Fixed(4))
	b.Output(graph.ValueScores, outScores, onnx.Float, batch, d)
	b.Output(graph.ValueLabels, outLabels, onnx.Int64, batch, d)
	return nil
}
