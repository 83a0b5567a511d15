package profiler

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndStats(t *testing.T) {
	p := New(Options{MaxSamples: 2})
	p.Record("nms", 3*time.Millisecond)
	p.Record("nms", 1*time.Millisecond)
	p.Record("nms", 5*time.Millisecond)
	p.Record("decode", 2*time.Millisecond)

	stats := p.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "decode", stats[0].Name)

	nms := stats[1]
	assert.Equal(t, int64(3), nms.Count)
	assert.Equal(t, time.Millisecond, nms.Min)
	assert.Equal(t, 5*time.Millisecond, nms.Max)
	// The window keeps the last two samples.
	assert.Equal(t, 3*time.Millisecond, nms.Avg)
	assert.Equal(t, 6*time.Millisecond, nms.Total)
}

func TestStartOperationConcurrent(t *testing.T) {
	p := New(Options{})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.StartOperation("letterbox")()
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(16), p.Stats()[0].Count)

	p.Reset()
	assert.Empty(t, p.Stats())
}

func TestNilProfiler(t *testing.T) {
	var p *Profiler
	assert.NotPanics(t, func() {
		p.StartOperation("x")()
		p.Record("x", time.Second)
		p.Report(logrus.New())
		p.Reset()
	})
	assert.Nil(t, p.Stats())
}

func TestReport(t *testing.T) {
	log, hook := test.NewNullLogger()
	p := New(Options{})
	p.Record("extract", time.Millisecond)
	p.Report(log)

	entries := hook.AllEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, "extract", entries[1].Data["operation"])
}
