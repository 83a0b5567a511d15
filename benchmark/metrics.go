// Package benchmark - Timed detection scenarios over a fixed image corpus.
package benchmark

import (
	"runtime"
	"time"

	"github.com/nvr-ai/go-detgraph/profiler"
)

// Metrics captures one scenario run.
type Metrics struct {
	Scenario        Scenario      `json:"scenario"`
	Timestamp       time.Time     `json:"timestamp"`
	TotalDuration   time.Duration `json:"total_duration"`
	FramesPerSecond float64       `json:"frames_per_second"`
	// Latency is the per-batch wall time distribution.
	Latency        Latency         `json:"latency"`
	Stages         []profiler.Stat `json:"stages,omitempty"`
	MemoryStats    MemoryMetrics   `json:"memory_stats"`
	NumCPU         int             `json:"num_cpu"`
	DetectionCount int             `json:"detection_count"`
	ErrorRate      float64         `json:"error_rate"`
}

// Latency summarises batch durations.
type Latency struct {
	Min  time.Duration `json:"min"`
	Mean time.Duration `json:"mean"`
	P95  time.Duration `json:"p95"`
	Max  time.Duration `json:"max"`
}

// MemoryMetrics captures memory usage statistics
type MemoryMetrics struct {
	AllocBytes      uint64 `json:"alloc_bytes"`
	TotalAllocBytes uint64 `json:"total_alloc_bytes"`
	SysBytes        uint64 `json:"sys_bytes"`
	NumGC           uint32 `json:"num_gc"`
	HeapAllocBytes  uint64 `json:"heap_alloc_bytes"`
}

func memoryDelta(start, end runtime.MemStats) MemoryMetrics {
	return MemoryMetrics{
		AllocBytes:      end.Alloc,
		TotalAllocBytes: end.TotalAlloc - start.TotalAlloc,
		SysBytes:        end.Sys,
		NumGC:           end.NumGC - start.NumGC,
		HeapAllocBytes:  end.HeapAlloc,
	}
}

// summarize expects samples sorted ascending.
func summarize(samples []time.Duration) Latency {
	if len(samples) == 0 {
		return Latency{}
	}
	var total time.Duration
	for _, s := range samples {
		total += s
	}
	p95 := (len(samples)*95 + 99) / 100
	return Latency{
		Min:  samples[0],
		Mean: total / time.Duration(len(samples)),
		P95:  samples[max(p95-1, 0)],
		Max:  samples[len(samples)-1],
	}
}
