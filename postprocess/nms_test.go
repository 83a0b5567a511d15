package postprocess

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/nvr-ai/go-detgraph/errdefs"
	"github.com/nvr-ai/go-detgraph/images"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var strategies = []StrategyKind{Native, Matrix}

func defaultParams() Params {
	return Params{ScoreThresh: 0.5, IoUThresh: 0.5, MaxDetections: 100, MaxCandidates: 1000}
}

func newEngine(t *testing.T, p Params, kind StrategyKind) *Engine {
	t.Helper()
	e, err := NewEngine(p, kind)
	require.NoError(t, err)
	return e
}

// randomCandidates draws clustered boxes so that suppression actually triggers.
func randomCandidates(r *rand.Rand, boxes, classes int) Candidates {
	c := Candidates{
		Boxes:      make([]images.Box, boxes),
		Scores:     make([]float32, boxes*classes),
		NumClasses: classes,
	}
	for i := range c.Boxes {
		cx := float32(r.Intn(4))*60 + r.Float32()*20
		cy := float32(r.Intn(4))*60 + r.Float32()*20
		w := 20 + r.Float32()*40
		h := 20 + r.Float32()*40
		c.Boxes[i] = images.Box{X1: cx - w/2, Y1: cy - h/2, X2: cx + w/2, Y2: cy + h/2}
	}
	for i := range c.Scores {
		// Coarse scores produce plenty of exact ties.
		c.Scores[i] = float32(r.Intn(20)) / 20
	}
	return c
}

// TestOverlappingPairScenario checks two boxes of one class with scores 0.9 and 0.8 at
// IoU 0.6: with iou_thresh 0.5 only the 0.9 box survives.
func TestOverlappingPairScenario(t *testing.T) {
	c := Candidates{
		Boxes: []images.Box{
			{X1: 0, Y1: 0, X2: 10, Y2: 6},
			{X1: 0, Y1: 0, X2: 10, Y2: 10},
		},
		Scores:     []float32{0.8, 0.9},
		NumClasses: 1,
	}
	require.InDelta(t, 0.6, c.Boxes[0].IoU(c.Boxes[1]), 1e-6)

	for _, kind := range strategies {
		t.Run(string(kind), func(t *testing.T) {
			dets, err := newEngine(t, defaultParams(), kind).Run(c)
			require.NoError(t, err)
			require.Len(t, dets, 1, "the lower-scoring overlapping box is suppressed")
			assert.Equal(t, float32(0.9), dets[0].Score)
			assert.Equal(t, c.Boxes[1], dets[0].Box)

			p := defaultParams()
			p.IoUThresh = 0.7
			dets, err = newEngine(t, p, kind).Run(c)
			require.NoError(t, err)
			assert.Len(t, dets, 2, "an IoU below the threshold keeps both boxes")
		})
	}
}

func TestEmptyInput(t *testing.T) {
	tests := []struct {
		name string
		c    Candidates
	}{
		{"no boxes", Candidates{NumClasses: 3}},
		{"all below threshold", Candidates{
			Boxes:      []images.Box{{X2: 1, Y2: 1}, {X2: 2, Y2: 2}},
			Scores:     []float32{0.1, 0.2, 0.49, 0.0},
			NumClasses: 2,
		}},
	}

	for _, tt := range tests {
		for _, kind := range strategies {
			t.Run(tt.name+"/"+string(kind), func(t *testing.T) {
				dets, err := newEngine(t, defaultParams(), kind).Run(tt.c)
				require.NoError(t, err, "zero detections is not an error")
				assert.NotNil(t, dets)
				assert.Empty(t, dets)
			})
		}
	}
}

func TestThresholdIsInclusive(t *testing.T) {
	c := Candidates{Boxes: []images.Box{{X2: 5, Y2: 5}}, Scores: []float32{0.5}, NumClasses: 1}
	dets, err := newEngine(t, defaultParams(), Native).Run(c)
	require.NoError(t, err)
	assert.Len(t, dets, 1, "a score equal to score_thresh is kept")
}

func TestTieBreakByCandidateOrder(t *testing.T) {
	c := Candidates{
		Boxes: []images.Box{
			{X1: 0, Y1: 0, X2: 10, Y2: 10},
			{X1: 1, Y1: 1, X2: 11, Y2: 11},
			{X1: 50, Y1: 50, X2: 60, Y2: 60},
		},
		Scores:     []float32{0.7, 0.7, 0.7},
		NumClasses: 1,
	}

	for _, kind := range strategies {
		t.Run(string(kind), func(t *testing.T) {
			dets, err := newEngine(t, defaultParams(), kind).Run(c)
			require.NoError(t, err)
			require.Len(t, dets, 2)
			assert.Equal(t, c.Boxes[0], dets[0].Box, "equal scores resolve to the earlier candidate")
			assert.Equal(t, c.Boxes[2], dets[1].Box)
		})
	}
}

func TestMultiLabel(t *testing.T) {
	c := Candidates{
		Boxes:      []images.Box{{X1: 0, Y1: 0, X2: 10, Y2: 10}},
		Scores:     []float32{0.6, 0.9},
		NumClasses: 2,
	}

	for _, kind := range strategies {
		t.Run(string(kind), func(t *testing.T) {
			dets, err := newEngine(t, defaultParams(), kind).Run(c)
			require.NoError(t, err)
			require.Len(t, dets, 2, "class-aware suppression keeps one detection per class")
			assert.Equal(t, 1, dets[0].Label)
			assert.Equal(t, 0, dets[1].Label)

			p := defaultParams()
			p.ClassAgnostic = true
			dets, err = newEngine(t, p, kind).Run(c)
			require.NoError(t, err)
			require.Len(t, dets, 1, "class-agnostic suppression keeps only the best label")
			assert.Equal(t, 1, dets[0].Label)
		})
	}
}

func TestMaxCandidatesBoundsSelection(t *testing.T) {
	c := Candidates{
		Boxes:      []images.Box{{X2: 1, Y2: 1}, {X1: 10, X2: 11, Y2: 1}, {X1: 20, X2: 21, Y2: 1}},
		Scores:     []float32{0.6, 0.8, 0.7},
		NumClasses: 1,
	}
	p := defaultParams()
	p.MaxCandidates, p.MaxDetections = 2, 2

	pairs, dropped := Select(c, p, p.Limit(Matrix))
	require.Len(t, pairs, 2)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, []int{1, 2}, []int{pairs[0].Box, pairs[1].Box})

	pairs, dropped = Select(c, p, p.Limit(Native))
	assert.Len(t, pairs, 3, "native selection is uncapped when max_nms is 0")
	assert.Zero(t, dropped)
}

// A crowd of mutually suppressing boxes must not push a disjoint box out of native
// suppression.
func TestNativeKeepsBoxBehindCrowd(t *testing.T) {
	const crowd = 400
	c := Candidates{NumClasses: 1}
	for i := 0; i < crowd; i++ {
		c.Boxes = append(c.Boxes, images.Box{X1: 10, Y1: 10, X2: 50, Y2: 50})
		c.Scores = append(c.Scores, 0.9)
	}
	c.Boxes = append(c.Boxes, images.Box{X1: 200, Y1: 200, X2: 260, Y2: 260})
	c.Scores = append(c.Scores, 0.5)

	p := Params{ScoreThresh: 0.25, IoUThresh: 0.45, MaxDetections: 100, MaxCandidates: 300, MaxNMS: 30000}

	dets, err := newEngine(t, p, Native).Run(c)
	require.NoError(t, err)
	require.Len(t, dets, 2)
	assert.Equal(t, 0, dets[0].Label)
	assert.InDelta(t, 0.5, dets[1].Score, 1e-7)
	assert.Equal(t, float32(200), dets[1].Box.X1)

	p.MaxCandidates = crowd + 1
	matrix, err := newEngine(t, p, Matrix).Run(c)
	require.NoError(t, err)
	assert.Equal(t, dets, matrix, "matrix agrees once its bound covers every pair")

	p.MaxNMS = 300
	capped, err := newEngine(t, p, Native).Run(c)
	require.NoError(t, err)
	assert.Len(t, capped, 1, "max_nms bounds native selection")
}

// TestStrategyProperties checks the suppression invariant, the cap, idempotence, and
// native/matrix equivalence over random candidates.
func TestStrategyProperties(t *testing.T) {
	r := rand.New(rand.NewSource(7))

	for trial := 0; trial < 40; trial++ {
		c := randomCandidates(r, 5+r.Intn(40), 1+r.Intn(4))
		p := Params{
			ScoreThresh:   float32(r.Intn(10)) / 10,
			IoUThresh:     0.2 + float32(r.Intn(7))/10,
			MaxDetections: 1 + r.Intn(30),
			ClassAgnostic: trial%2 == 0,
		}
		p.MaxCandidates = p.MaxDetections + r.Intn(60)
		p.MaxNMS = p.MaxCandidates
		if p.ScoreThresh == 0 {
			p.ScoreThresh = 0.05
		}

		t.Run(fmt.Sprintf("trial%d", trial), func(t *testing.T) {
			native, err := newEngine(t, p, Native).Run(c)
			require.NoError(t, err)
			matrix, err := newEngine(t, p, Matrix).Run(c)
			require.NoError(t, err)

			assert.Equal(t, native, matrix, "both strategies must agree exactly")
			assert.LessOrEqual(t, len(native), p.MaxDetections)

			for i := range native {
				if i > 0 {
					assert.GreaterOrEqual(t, native[i-1].Score, native[i].Score, "output is ordered by score")
				}
				for j := i + 1; j < len(native); j++ {
					if p.ClassAgnostic || native[i].Label == native[j].Label {
						assert.LessOrEqual(t, native[i].Box.IoU(native[j].Box), p.IoUThresh,
							"kept boxes in one pool never overlap beyond iou_thresh")
					}
				}
			}

			for _, kind := range strategies {
				again, err := newEngine(t, p, kind).Run(FromDetections(native, c.NumClasses))
				require.NoError(t, err)
				assert.Equal(t, native, again, "%s on its own output is idempotent", kind)
			}
		})
	}
}

func TestNewEngineValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Params)
		kind   StrategyKind
	}{
		{"score above one", func(p *Params) { p.ScoreThresh = 1.2 }, Native},
		{"negative iou", func(p *Params) { p.IoUThresh = -0.1 }, Native},
		{"zero max detections", func(p *Params) { p.MaxDetections = 0 }, Matrix},
		{"candidates below cap", func(p *Params) { p.MaxCandidates = 10 }, Matrix},
		{"max nms below cap", func(p *Params) { p.MaxNMS = 10 }, Native},
		{"unknown strategy", func(p *Params) {}, "soft"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := defaultParams()
			p.MaxDetections = 50
			tt.mutate(&p)
			_, err := NewEngine(p, tt.kind)
			assert.ErrorIs(t, err, errdefs.ErrConfiguration)
		})
	}
}

func TestRunRejectsMalformedCandidates(t *testing.T) {
	e := newEngine(t, defaultParams(), Native)

	_, err := e.Run(Candidates{Boxes: make([]images.Box, 2), Scores: make([]float32, 3), NumClasses: 2})
	assert.ErrorIs(t, err, errdefs.ErrInvalidInputShape)

	_, err = e.RunBatch([]Candidates{{NumClasses: 1}, {NumClasses: 0}})
	assert.ErrorIs(t, err, errdefs.ErrInvalidInputShape)
}

func TestParseStrategy(t *testing.T) {
	kind, err := ParseStrategy("matrix")
	require.NoError(t, err)
	assert.Equal(t, Matrix, kind)

	_, err = ParseStrategy("auto")
	assert.ErrorIs(t, err, errdefs.ErrConfiguration, "auto is resolved by the exporter, not the engine")
}
