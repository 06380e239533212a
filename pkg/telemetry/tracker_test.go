package telemetry_test

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/Sumatoshi-tech/offload/pkg/analysis"
	"github.com/Sumatoshi-tech/offload/pkg/telemetry"
	"github.com/Sumatoshi-tech/offload/pkg/units"
)

// sequenceSampler returns the queued RSS values (in MB) in order and repeats
// the last one when exhausted.
type sequenceSampler struct {
	mu   sync.Mutex
	rss  []float64
	next int
}

func (s *sequenceSampler) Sample() telemetry.MemorySample {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.rss) == 0 {
		return telemetry.MemorySample{}
	}

	idx := min(s.next, len(s.rss)-1)
	s.next++

	return telemetry.MemorySample{
		RSS:       units.MBToBytes(s.rss[idx]),
		HeapUsed:  8 * units.MiB,
		HeapTotal: 16 * units.MiB,
		External:  2 * units.MiB,
	}
}

func pending(n int) analysis.Snapshot {
	return analysis.Snapshot{FilesRequiringAnalysis: n, FilesInProgram: 10}
}

func newTracker(sampler telemetry.MemorySampler) (*telemetry.Tracker, *telemetry.MemorySink, *clock.Mock) {
	sink := &telemetry.MemorySink{}
	mock := clock.NewMock()

	return telemetry.NewTracker(sink, telemetry.WithClock(mock), telemetry.WithSampler(sampler)), sink, mock
}

func TestTracker_EmitsOncePerCycle(t *testing.T) {
	t.Parallel()

	tracker, sink, mock := newTracker(&sequenceSampler{rss: []float64{100}})

	_, emitted := tracker.Update(pending(3))
	assert.False(t, emitted)
	assert.True(t, tracker.Tracking())

	mock.Add(time.Second)

	_, emitted = tracker.Update(pending(1))
	assert.False(t, emitted)

	event, emitted := tracker.Update(pending(0))
	require.True(t, emitted)
	assert.False(t, tracker.Tracking())

	assert.Equal(t, "offload/analysis_complete", event.EventName)
	assert.Contains(t, event.Properties, telemetry.PropertyVersion)

	for _, key := range []string{
		"peakRssMB", "rssMB", "heapTotalMB", "heapUsedMB", "externalMB",
		"elapsedMs", "numFilesAnalyzed", "numFilesInProgram",
	} {
		assert.Contains(t, event.Measurements, key)
	}

	assert.InDelta(t, 3.0, event.Measurements["numFilesAnalyzed"], 0)
	assert.InDelta(t, 10.0, event.Measurements["numFilesInProgram"], 0)
	assert.InDelta(t, 16.0, event.Measurements["heapTotalMB"], 1e-9)
	assert.InDelta(t, 8.0, event.Measurements["heapUsedMB"], 1e-9)
	assert.InDelta(t, 2.0, event.Measurements["externalMB"], 1e-9)
	assert.InDelta(t, 1.0, event.Measurements["isFirstRun"], 0)
	assert.InDelta(t, 0.0, event.Measurements["fatalErrorOccurred"], 0)

	require.Len(t, sink.Events(), 1)
	assert.Equal(t, event, sink.Events()[0])
}

func TestTracker_SteadyStateIsNoop(t *testing.T) {
	t.Parallel()

	tracker, sink, _ := newTracker(&sequenceSampler{rss: []float64{1}})

	for range 10 {
		_, emitted := tracker.Update(pending(0))
		assert.False(t, emitted)
	}

	assert.Empty(t, sink.Events())
	assert.False(t, tracker.Tracking())
}

func TestTracker_RateLimitsBurstOfCycles(t *testing.T) {
	t.Parallel()

	tracker, sink, mock := newTracker(&sequenceSampler{rss: []float64{1}})

	for range 5 {
		tracker.Update(pending(3))
		mock.Add(time.Second)
		tracker.Update(pending(0))
		mock.Add(time.Second)
	}

	assert.Len(t, sink.Events(), 1)

	mock.Add(telemetry.RateLimitWindow)

	tracker.Update(pending(2))
	event, emitted := tracker.Update(pending(0))
	require.True(t, emitted)
	assert.InDelta(t, 0.0, event.Measurements["isFirstRun"], 0)
	assert.Len(t, sink.Events(), 2)
}

func TestTracker_FirstRunIsPerTracker(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	shared := telemetry.NewRateLimiter(mock, telemetry.RateLimitWindow)
	sampler := &sequenceSampler{rss: []float64{1}}

	first := telemetry.NewTracker(nil, telemetry.WithClock(mock), telemetry.WithSampler(sampler), telemetry.WithRateLimiter(shared))
	second := telemetry.NewTracker(nil, telemetry.WithClock(mock), telemetry.WithSampler(sampler), telemetry.WithRateLimiter(shared))

	first.Update(pending(2))
	event, emitted := first.Update(pending(0))
	require.True(t, emitted)
	assert.InDelta(t, 1.0, event.Measurements["isFirstRun"], 0)

	mock.Add(telemetry.RateLimitWindow)

	second.Update(pending(2))
	event, emitted = second.Update(pending(0))
	require.True(t, emitted)
	assert.InDelta(t, 1.0, event.Measurements["isFirstRun"], 0)

	mock.Add(telemetry.RateLimitWindow)

	first.Update(pending(1))
	event, emitted = first.Update(pending(0))
	require.True(t, emitted)
	assert.InDelta(t, 0.0, event.Measurements["isFirstRun"], 0)
}

func TestTracker_PeakIsMaxWithinCycleAndResets(t *testing.T) {
	t.Parallel()

	// Samples: three during the first cycle, one final sample at emission,
	// then the second cycle.
	sampler := &sequenceSampler{rss: []float64{10, 50, 20, 20, 30, 30}}
	tracker, _, mock := newTracker(sampler)

	tracker.Update(pending(3))
	tracker.Update(pending(2))
	tracker.Update(pending(1))

	event, emitted := tracker.Update(pending(0))
	require.True(t, emitted)
	assert.InDelta(t, 50.0, event.Measurements["peakRssMB"], 1e-6)
	assert.InDelta(t, 20.0, event.Measurements["rssMB"], 1e-6)

	mock.Add(telemetry.RateLimitWindow + time.Second)

	tracker.Update(pending(4))

	event, emitted = tracker.Update(pending(0))
	require.True(t, emitted)
	assert.InDelta(t, 30.0, event.Measurements["peakRssMB"], 1e-6)
}

func TestTracker_PeakIncludesFinalSample(t *testing.T) {
	t.Parallel()

	tracker, _, _ := newTracker(&sequenceSampler{rss: []float64{10, 80}})

	tracker.Update(pending(1))

	event, emitted := tracker.Update(pending(0))
	require.True(t, emitted)
	assert.InDelta(t, 80.0, event.Measurements["peakRssMB"], 1e-6)
}

func TestTracker_SuppressedCycleResetsPeak(t *testing.T) {
	t.Parallel()

	tracker, _, mock := newTracker(&sequenceSampler{rss: []float64{10, 10, 90, 5, 5}})

	tracker.Update(pending(1))
	_, emitted := tracker.Update(pending(0))
	require.True(t, emitted)

	tracker.Update(pending(1))
	_, emitted = tracker.Update(pending(0))
	require.False(t, emitted)

	mock.Add(telemetry.RateLimitWindow)

	tracker.Update(pending(1))
	event, emitted := tracker.Update(pending(0))
	require.True(t, emitted)
	assert.InDelta(t, 5.0, event.Measurements["peakRssMB"], 1e-6)
}

func TestTracker_ElapsedIncludesBaseline(t *testing.T) {
	t.Parallel()

	tracker, _, mock := newTracker(&sequenceSampler{rss: []float64{1}})

	tracker.Update(analysis.Snapshot{FilesRequiringAnalysis: 5, ElapsedTime: 2.0})
	mock.Add(3 * time.Second)

	event, emitted := tracker.Update(analysis.Snapshot{FilesRequiringAnalysis: 0, ElapsedTime: 9})
	require.True(t, emitted)
	assert.InDelta(t, 5000.0, event.Measurements["elapsedMs"], 1e-6)
}

func TestTracker_FatalErrorClosesCycle(t *testing.T) {
	t.Parallel()

	tracker, sink, _ := newTracker(&sequenceSampler{rss: []float64{1}})

	event, emitted := tracker.Update(analysis.Snapshot{FilesRequiringAnalysis: 4, FatalErrorOccurred: true})
	require.True(t, emitted)
	assert.InDelta(t, 1.0, event.Measurements["fatalErrorOccurred"], 0)
	assert.InDelta(t, 4.0, event.Measurements["numFilesAnalyzed"], 0)
	assert.False(t, tracker.Tracking())
	assert.Len(t, sink.Events(), 1)
}

func TestTracker_ZeroSampleOnSamplerFailure(t *testing.T) {
	t.Parallel()

	zero := telemetry.SamplerFunc(func() telemetry.MemorySample { return telemetry.MemorySample{} })
	tracker, _, _ := newTracker(zero)

	tracker.Update(pending(2))

	event, emitted := tracker.Update(pending(0))
	require.True(t, emitted)
	assert.Zero(t, event.Measurements["peakRssMB"])
	assert.Zero(t, event.Measurements["rssMB"])
}

func TestTracker_NilSinkStillReturnsEvent(t *testing.T) {
	t.Parallel()

	tracker := telemetry.NewTracker(nil, telemetry.WithSampler(&sequenceSampler{rss: []float64{1}}))

	tracker.Update(pending(1))

	_, emitted := tracker.Update(pending(0))
	assert.True(t, emitted)
}

// At most one cycle is open at a time and an event is only ever emitted on
// the snapshot that drains the queue.
func TestTracker_Property_EmitsOnlyOnDrain(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		sink := &telemetry.MemorySink{}
		mock := clock.NewMock()
		tracker := telemetry.NewTracker(sink, telemetry.WithClock(mock),
			telemetry.WithSampler(&sequenceSampler{rss: []float64{1}}))

		counts := rapid.SliceOf(rapid.IntRange(0, 5)).Draw(rt, "pending")
		open := false
		drains := 0

		for _, n := range counts {
			mock.Add(time.Duration(rapid.IntRange(0, 90).Draw(rt, "gap")) * time.Second)

			_, emitted := tracker.Update(pending(n))

			if emitted && (n != 0 || !open) {
				rt.Fatalf("emitted on snapshot with %d pending (open=%v)", n, open)
			}

			if n == 0 && open {
				drains++
			}

			open = n > 0
			if tracker.Tracking() != open {
				rt.Fatalf("tracking=%v, want %v", tracker.Tracking(), open)
			}
		}

		if len(sink.Events()) > drains {
			rt.Fatalf("%d events for %d drained cycles", len(sink.Events()), drains)
		}
	})
}
