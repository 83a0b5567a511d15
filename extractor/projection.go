// Package extractor - A self-contained projection backbone.
//
// Projection average-pools the letterboxed batch down to each anchor stride and
// applies a 1x1 convolution producing the raw YOLO head layout. It carries no
// learned features; it exists so the whole pipeline, its exports and its captures
// can run and be compared without an external model.
package extractor

import (
	"context"
	"fmt"
	"math/rand"

	jsoniter "github.com/json-iterator/go"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-detgraph/anchors"
	"github.com/nvr-ai/go-detgraph/errdefs"
	"github.com/nvr-ai/go-detgraph/graph"
	"github.com/nvr-ai/go-detgraph/images"
	"github.com/nvr-ai/go-detgraph/onnx"
)

// Name is the reference name of the projection backbone.
const Name = "projection"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Head is one scale's 1x1 projection from RGB to A*(5+C) channels.
type Head struct {
	Stride int `json:"stride"`
	// Weights is row-major [channels, 3].
	Weights []float32 `json:"weights"`
	// Bias has one value per output channel.
	Bias []float32 `json:"bias"`
}

// Channels returns the head's output channel count.
func (h Head) Channels() int { return len(h.Bias) }

// Params fully determines a Projection.
type Params struct {
	Heads []Head `json:"heads"`
}

// Projection is the pooled-projection backbone. It is immutable.
type Projection struct {
	params Params
}

// Random builds a projection for the anchor set with weights drawn from a seeded
// normal distribution, so equal seeds give equal backbones.
//
// Arguments:
//   - set: The anchor set; one head is built per scale.
//   - numClasses: The class count C.
//   - seed: The weight seed.
//
// Returns:
//   - *Projection: The backbone.
func Random(set anchors.Set, numClasses int, seed int64) *Projection {
	r := rand.New(rand.NewSource(seed))
	p := Params{Heads: make([]Head, len(set.Scales))}
	for i, sc := range set.Scales {
		out := len(sc.Anchors) * (5 + numClasses)
		h := Head{Stride: sc.Stride, Weights: make([]float32, out*images.Channels), Bias: make([]float32, out)}
		for j := range h.Weights {
			h.Weights[j] = float32(r.NormFloat64() * 2)
		}
		for j := range h.Bias {
			h.Bias[j] = float32(r.NormFloat64())
		}
		p.Heads[i] = h
	}
	return &Projection{params: p}
}

// New validates params and returns a Projection.
func New(p Params) (*Projection, error) {
	if len(p.Heads) == 0 {
		return nil, errdefs.Configuration("projection needs at least one head")
	}
	for i, h := range p.Heads {
		if h.Stride <= 0 {
			return nil, errdefs.Configuration("head %d: stride %d must be positive", i, h.Stride)
		}
		if h.Channels() == 0 || len(h.Weights) != h.Channels()*images.Channels {
			return nil, errdefs.Configuration("head %d: %d weights for %d channels", i, len(h.Weights), h.Channels())
		}
	}
	return &Projection{params: p}, nil
}

// Resolve rebuilds a Projection from a graph reference.
func Resolve(ref graph.ExtractorRef) (*Projection, error) {
	if ref.Name != Name {
		return nil, errdefs.Configuration("extractor %q is not %q", ref.Name, Name)
	}
	var p Params
	if err := json.Unmarshal(ref.Params, &p); err != nil {
		return nil, errdefs.Configuration("projection params: %v", err)
	}
	return New(p)
}

// Params returns the backbone's parameters.
func (p *Projection) Params() Params { return p.params }

// Describe records the backbone in a graph reference.
func (p *Projection) Describe() graph.ExtractorRef {
	data, err := json.Marshal(p.params)
	if err != nil {
		panic(fmt.Sprintf("extractor: marshal projection: %v", err))
	}
	return graph.ExtractorRef{Name: Name, Params: data}
}

// Extract runs every head on a [N, 3, H, W] batch. H and W must be multiples of
// every head stride.
func (p *Projection) Extract(_ context.Context, batch *tensor.Dense) ([]*tensor.Dense, error) {
	shape := batch.Shape()
	if len(shape) != 4 || shape[1] != images.Channels {
		return nil, errdefs.InvalidShape("projection input %v, want [N, 3, H, W]", shape)
	}
	data, ok := batch.Data().([]float32)
	if !ok {
		return nil, errdefs.InvalidShape("projection input dtype %v, want float32", batch.Dtype())
	}
	n, hgt, wid := shape[0], shape[2], shape[3]

	out := make([]*tensor.Dense, len(p.params.Heads))
	for i, h := range p.params.Heads {
		s := h.Stride
		if hgt%s != 0 || wid%s != 0 {
			return nil, errdefs.InvalidShape("input %dx%d is not a multiple of stride %d", hgt, wid, s)
		}
		gh, gw := hgt/s, wid/s
		pooled := avgPool(data, n, hgt, wid, s)
		out[i] = tensor.New(tensor.WithShape(n, h.Channels(), gh, gw), tensor.WithBacking(project(pooled, n, gh*gw, h)))
	}
	return out, nil
}

// avgPool averages non-overlapping s x s windows, summing rows then columns in
// scan order.
func avgPool(data []float32, n, hgt, wid, s int) []float32 {
	gh, gw := hgt/s, wid/s
	out := make([]float32, n*images.Channels*gh*gw)
	inv := float32(s * s)
	images.Parallel(n*images.Channels, func(start, end int) {
		for plane := start; plane < end; plane++ {
			src := data[plane*hgt*wid : (plane+1)*hgt*wid]
			dst := out[plane*gh*gw : (plane+1)*gh*gw]
			for gy := 0; gy < gh; gy++ {
				for gx := 0; gx < gw; gx++ {
					var sum float32
					for y := gy * s; y < (gy+1)*s; y++ {
						row := src[y*wid:]
						for x := gx * s; x < (gx+1)*s; x++ {
							sum += row[x]
						}
					}
					dst[gy*gw+gx] = sum / inv
				}
			}
		}
	})
	return out
}

// project applies the 1x1 convolution to pooled [N, 3, cells] data.
func project(pooled []float32, n, cells int, h Head) []float32 {
	oc := h.Channels()
	out := make([]float32, n*oc*cells)
	images.Parallel(n*oc, func(start, end int) {
		for job := start; job < end; job++ {
			b, o := job/oc, job%oc
			w := h.Weights[o*images.Channels : (o+1)*images.Channels]
			dst := out[job*cells : (job+1)*cells]
			src := pooled[b*images.Channels*cells:]
			for cell := range dst {
				v := h.Bias[o]
				for c := 0; c < images.Channels; c++ {
					v += w[c] * src[c*cells+cell]
				}
				dst[cell] = v
			}
		}
	})
	return out
}

// LowerONNX emits the heads as AveragePool and Conv nodes reading input.
func (p *Projection) LowerONNX(b *onnx.Builder, input string) ([]string, error) {
	outs := make([]string, len(p.params.Heads))
	for i, h := range p.params.Heads {
		s := int64(h.Stride)
		pooled := b.Op("AveragePool", []string{input},
			onnx.AttrInts("kernel_shape", s, s), onnx.AttrInts("strides", s, s))
		w := b.Floats(h.Weights, int64(h.Channels()), images.Channels, 1, 1)
		bias := b.Floats(h.Bias, int64(h.Channels()))
		outs[i] = b.Op("Conv", []string{pooled, w, bias}, onnx.AttrInts("kernel_shape", 1, 1))
	}
	return outs, nil
}
