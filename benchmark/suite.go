package benchmark

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nvr-ai/go-detgraph/errdefs"
	"github.com/nvr-ai/go-detgraph/images"
	"github.com/nvr-ai/go-detgraph/logger"
	"github.com/nvr-ai/go-detgraph/postprocess"
	"github.com/nvr-ai/go-detgraph/profiler"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Detector is the system under test.
type Detector interface {
	Detect(ctx context.Context, imgs []images.Image) ([][]postprocess.Detection, error)
}

// Resolution is an image size in pixels.
type Resolution struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Name   string `json:"name"`
}

// CommonResolutions covers typical camera and still-image sizes.
var CommonResolutions = []Resolution{
	{Width: 640, Height: 480, Name: "480p"},
	{Width: 1280, Height: 720, Name: "720p"},
	{Width: 1920, Height: 1080, Name: "1080p"},
}

// Scenario is one timed configuration.
type Scenario struct {
	Name       string     `json:"name"`
	Resolution Resolution `json:"resolution"`
	BatchSize  int        `json:"batch_size"`
	Iterations int        `json:"iterations"`
	WarmupRuns int        `json:"warmup_runs"`
}

// Validate rejects scenarios that cannot run.
func (s Scenario) Validate() error {
	if s.Resolution.Width <= 0 || s.Resolution.Height <= 0 {
		return errdefs.Configuration("scenario %q: resolution %dx%d must be positive", s.Name, s.Resolution.Width, s.Resolution.Height)
	}
	if s.BatchSize <= 0 || s.Iterations <= 0 || s.WarmupRuns < 0 {
		return errdefs.Configuration("scenario %q: batch size and iterations must be positive", s.Name)
	}
	return nil
}

// Scenarios crosses resolutions with batch sizes.
func Scenarios(resolutions []Resolution, batchSizes []int, iterations int) []Scenario {
	out := make([]Scenario, 0, len(resolutions)*len(batchSizes))
	for _, r := range resolutions {
		for _, b := range batchSizes {
			out = append(out, Scenario{
				Name:       r.Name + "_b" + strconv.Itoa(b),
				Resolution: r,
				BatchSize:  b,
				Iterations: iterations,
				WarmupRuns: min(iterations, 3),
			})
		}
	}
	return out
}

// Suite runs scenarios against one detector.
type Suite struct {
	det  Detector
	prof *profiler.Profiler
	log  logrus.FieldLogger
	seed int64

	mu        sync.RWMutex
	scenarios []Scenario
	results   []Metrics
}

// NewSuite creates a suite.
//
// Arguments:
//   - det: The detector to time.
//   - prof: The profiler det records stages into, or nil.
//   - log: Logger for per-scenario summaries, or nil.
//
// Returns:
//   - *Suite: A suite with no scenarios.
func NewSuite(det Detector, prof *profiler.Profiler, log logrus.FieldLogger) *Suite {
	return &Suite{det: det, prof: prof, log: logger.OrDiscard(log), seed: 1}
}

// AddScenario adds a scenario to the suite.
func (s *Suite) AddScenario(sc Scenario) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scenarios = append(s.scenarios, sc)
}

// Results returns the metrics of every completed scenario.
func (s *Suite) Results() []Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.results)
}

// Run executes every scenario in order and stops at the first failure.
func (s *Suite) Run(ctx context.Context) ([]Metrics, error) {
	s.mu.RLock()
	scenarios := slices.Clone(s.scenarios)
	s.mu.RUnlock()

	for _, sc := range scenarios {
		if _, err := s.RunScenario(ctx, sc); err != nil {
			return s.Results(), err
		}
	}
	return s.Results(), nil
}

// RunScenario times one scenario. Failed batches count towards the error rate and
// do not abort the run.
func (s *Suite) RunScenario(ctx context.Context, sc Scenario) (*Metrics, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	batch := corpus(sc, s.seed)

	for i := 0; i < sc.WarmupRuns; i++ {
		_, _ = s.det.Detect(ctx, batch)
	}
	// Stage timings cover the measured iterations only.
	s.prof.Reset()

	var startMem runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&startMem)

	samples := make([]time.Duration, 0, sc.Iterations)
	failures, detections := 0, 0
	start := time.Now()
	for i := 0; i < sc.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "scenario %q", sc.Name)
		}
		t := time.Now()
		dets, err := s.det.Detect(ctx, batch)
		if err != nil {
			failures++
			s.log.WithError(err).WithField("scenario", sc.Name).Debug("batch failed")
			continue
		}
		samples = append(samples, time.Since(t))
		for _, d := range dets {
			detections += len(d)
		}
	}
	total := time.Since(start)

	var endMem runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&endMem)

	slices.Sort(samples)
	m := Metrics{
		Scenario:        sc,
		Timestamp:       start,
		TotalDuration:   total,
		FramesPerSecond: float64(len(samples)*sc.BatchSize) / total.Seconds(),
		Latency:         summarize(samples),
		MemoryStats:     memoryDelta(startMem, endMem),
		NumCPU:          runtime.NumCPU(),
		DetectionCount:  detections,
		ErrorRate:       float64(failures) / float64(sc.Iterations),
	}
	if s.prof != nil {
		m.Stages = s.prof.Stats()
	}

	s.log.WithFields(logrus.Fields{
		"scenario": sc.Name,
		"fps":      m.FramesPerSecond,
		"p95":      m.Latency.P95,
		"errors":   failures,
	}).Info("scenario complete")

	s.mu.Lock()
	s.results = append(s.results, m)
	s.mu.Unlock()
	return &m, nil
}

// SaveResults writes the results as indented JSON into dir.
func (s *Suite) SaveResults(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "create %s", dir)
	}
	data, err := json.MarshalIndent(s.Results(), "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "encode results")
	}
	path := filepath.Join(dir, "benchmark_"+time.Now().UTC().Format("20060102T150405Z")+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.Wrapf(err, "write %s", path)
	}
	return path, nil
}

// corpus builds a deterministic batch of noise images.
func corpus(sc Scenario, seed int64) []images.Image {
	rng := rand.New(rand.NewSource(seed))
	out := make([]images.Image, sc.BatchSize)
	for i := range out {
		img := images.New(sc.Resolution.Height, sc.Resolution.Width)
		data := img.Data()
		for j := range data {
			data[j] = float32(rng.Intn(256))
		}
		out[i] = img
	}
	return out
}
