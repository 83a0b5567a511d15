// Package profiler - Per-stage timing for the detection pipeline.
package profiler

import (
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Stat summarises the recorded durations of one operation.
type Stat struct {
	Name  string        `json:"name"`
	Count int64         `json:"count"`
	Total time.Duration `json:"total"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Avg   time.Duration `json:"avg"`
}

// timeTracker keeps a bounded window of durations plus lifetime extremes.
type timeTracker struct {
	durations []time.Duration
	window    time.Duration
	minTime   time.Duration
	maxTime   time.Duration
	count     int64
}

// Profiler tracks operation timings. It is safe for concurrent use; a nil
// *Profiler records nothing, so callers never need to check for one.
type Profiler struct {
	mu         sync.RWMutex
	startTime  time.Time
	maxSamples int
	operations map[string]*timeTracker
}

// Options configures a Profiler.
type Options struct {
	// MaxSamples bounds the averaging window per operation (default: 600).
	MaxSamples int
}

// New creates a profiler.
//
// Arguments:
//   - opts: Configuration options for the profiler.
//
// Returns:
//   - *Profiler: A profiler with no recorded operations.
func New(opts Options) *Profiler {
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = 600
	}
	return &Profiler{
		startTime:  time.Now(),
		maxSamples: opts.MaxSamples,
		operations: make(map[string]*timeTracker),
	}
}

// StartOperation begins timing an operation.
//
// Arguments:
//   - name: The name of the operation to track.
//
// Returns:
//   - func(): Call when the operation completes.
//
// @example
//
//	defer prof.StartOperation("nms")()
func (p *Profiler) StartOperation(name string) func() {
	if p == nil {
		return func() {}
	}
	start := time.Now()
	return func() { p.Record(name, time.Since(start)) }
}

// Record adds one duration sample for name.
func (p *Profiler) Record(name string, d time.Duration) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.operations[name]
	if !ok {
		t = &timeTracker{minTime: d, maxTime: d}
		p.operations[name] = t
	}

	t.durations = append(t.durations, d)
	t.window += d
	if len(t.durations) > p.maxSamples {
		t.window -= t.durations[0]
		t.durations = t.durations[1:]
	}
	t.count++
	t.minTime = min(t.minTime, d)
	t.maxTime = max(t.maxTime, d)
}

// Stats returns a snapshot sorted by operation name. Avg covers the sample window,
// the other fields the profiler's lifetime.
func (p *Profiler) Stats() []Stat {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Stat, 0, len(p.operations))
	for name, t := range p.operations {
		s := Stat{Name: name, Count: t.count, Min: t.minTime, Max: t.maxTime}
		for _, d := range t.durations {
			s.Total += d
		}
		if n := len(t.durations); n > 0 {
			s.Avg = t.window / time.Duration(n)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset drops every recorded sample.
func (p *Profiler) Reset() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.operations = make(map[string]*timeTracker)
	p.startTime = time.Now()
}

// Report logs one line per operation plus a runtime summary.
func (p *Profiler) Report(log logrus.FieldLogger) {
	if p == nil {
		return
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	p.mu.RLock()
	uptime := time.Since(p.startTime)
	p.mu.RUnlock()

	log.WithFields(logrus.Fields{
		"uptime":     uptime.Truncate(time.Millisecond),
		"goroutines": runtime.NumGoroutine(),
		"heap_alloc": mem.HeapAlloc,
		"gc_cycles":  mem.NumGC,
	}).Info("profiler: runtime")

	for _, s := range p.Stats() {
		log.WithFields(logrus.Fields{
			"operation": s.Name,
			"count":     s.Count,
			"avg":       s.Avg.Truncate(time.Microsecond),
			"min":       s.Min.Truncate(time.Microsecond),
			"max":       s.Max.Truncate(time.Microsecond),
		}).Info("profiler: operation")
	}
}
