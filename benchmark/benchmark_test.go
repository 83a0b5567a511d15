package benchmark

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-detgraph/config"
	"github.com/nvr-ai/go-detgraph/errdefs"
	"github.com/nvr-ai/go-detgraph/extractor"
	"github.com/nvr-ai/go-detgraph/images"
	"github.com/nvr-ai/go-detgraph/pipeline"
	"github.com/nvr-ai/go-detgraph/postprocess"
	"github.com/nvr-ai/go-detgraph/profiler"
)

// flaky fails every other call.
type flaky struct{ calls int }

func (f *flaky) Detect(_ context.Context, imgs []images.Image) ([][]postprocess.Detection, error) {
	f.calls++
	if f.calls%2 == 0 {
		return nil, errdefs.InvalidShape("boom")
	}
	out := make([][]postprocess.Detection, len(imgs))
	for i := range out {
		out[i] = []postprocess.Detection{{Score: 0.5}}
	}
	return out, nil
}

func TestScenarioValidate(t *testing.T) {
	good := Scenario{Name: "ok", Resolution: Resolution{Width: 8, Height: 8}, BatchSize: 1, Iterations: 1}
	assert.NoError(t, good.Validate())

	for name, mutate := range map[string]func(*Scenario){
		"zero width":  func(s *Scenario) { s.Resolution.Width = 0 },
		"zero batch":  func(s *Scenario) { s.BatchSize = 0 },
		"no runs":     func(s *Scenario) { s.Iterations = 0 },
		"neg warmups": func(s *Scenario) { s.WarmupRuns = -1 },
	} {
		t.Run(name, func(t *testing.T) {
			sc := good
			mutate(&sc)
			assert.ErrorIs(t, sc.Validate(), errdefs.ErrConfiguration)
		})
	}
}

func TestScenarios(t *testing.T) {
	got := Scenarios(CommonResolutions[:2], []int{1, 4}, 10)
	require.Len(t, got, 4)
	assert.Equal(t, "480p_b1", got[0].Name)
	assert.Equal(t, "720p_b4", got[3].Name)
	assert.Equal(t, 3, got[0].WarmupRuns)
}

func TestSummarize(t *testing.T) {
	var samples []time.Duration
	for i := 1; i <= 20; i++ {
		samples = append(samples, time.Duration(i)*time.Millisecond)
	}
	l := summarize(samples)
	assert.Equal(t, time.Millisecond, l.Min)
	assert.Equal(t, 20*time.Millisecond, l.Max)
	assert.Equal(t, 19*time.Millisecond, l.P95)
	assert.Equal(t, 10500*time.Microsecond, l.Mean)
	assert.Equal(t, Latency{}, summarize(nil))
}

func TestRunScenarioCountsFailures(t *testing.T) {
	det := &flaky{}
	s := NewSuite(det, nil, nil)
	m, err := s.RunScenario(context.Background(), Scenario{
		Name: "flaky", Resolution: Resolution{Width: 4, Height: 4}, BatchSize: 2, Iterations: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, 0.5, m.ErrorRate)
	assert.Equal(t, 4, m.DetectionCount)
	assert.Len(t, s.Results(), 1)
}

func TestRunPipelineAndSave(t *testing.T) {
	cfg := config.Default()
	cfg.InferenceSize = [2]int{64, 64}
	cfg.NumClasses = 2
	set, err := cfg.AnchorSet()
	require.NoError(t, err)

	prof := profiler.New(profiler.Options{})
	p, err := pipeline.New(cfg, extractor.Random(set, cfg.NumClasses, 3), pipeline.WithProfiler(prof))
	require.NoError(t, err)

	s := NewSuite(p, prof, nil)
	s.AddScenario(Scenario{Name: "small", Resolution: Resolution{Width: 48, Height: 32}, BatchSize: 2, Iterations: 2, WarmupRuns: 1})
	results, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Zero(t, results[0].ErrorRate)
	assert.NotEmpty(t, results[0].Stages)

	path, err := s.SaveResults(t.TempDir())
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, ".json", filepath.Ext(path))
	var decoded []Metrics
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "small", decoded[0].Scenario.Name)
}

func TestRunScenarioHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSuite(&flaky{}, nil, nil).RunScenario(ctx, Scenario{
		Name: "cancelled", Resolution: Resolution{Width: 4, Height: 4}, BatchSize: 1, Iterations: 1,
	})
	assert.ErrorIs(t, err, context.Canceled)
}
