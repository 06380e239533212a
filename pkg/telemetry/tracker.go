package telemetry

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Sumatoshi-tech/offload/pkg/analysis"
	"github.com/Sumatoshi-tech/offload/pkg/units"
)

// Tracker converts a stream of analysis snapshots into at most one
// EventAnalysisComplete per completed analysis cycle.
//
// A cycle opens on the first snapshot with files left to analyze and closes
// on the first snapshot with none left, or on a fatal error. Peak resident
// memory is sampled on every snapshot in between. Emission is rate limited
// across cycles; a suppressed cycle is discarded.
//
// Tracker is not safe for concurrent use. Snapshots must be fed in emission
// order from a single goroutine.
type Tracker struct {
	sink    Sink
	clock   clock.Clock
	sampler MemorySampler
	limiter *RateLimiter
	logger  *slog.Logger

	// completed is set once this tracker closed its first cycle.
	completed      bool
	tracking       bool
	startedAt      time.Time
	filesAtStart   int
	elapsedAtStart float64
	peakRSS        uint64
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithClock sets the clock used for cycle durations and rate limiting.
func WithClock(clk clock.Clock) TrackerOption {
	return func(t *Tracker) {
		if clk != nil {
			t.clock = clk
		}
	}
}

// WithSampler sets the memory sampler.
func WithSampler(s MemorySampler) TrackerOption {
	return func(t *Tracker) {
		if s != nil {
			t.sampler = s
		}
	}
}

// WithRateLimiter shares a limiter between trackers.
func WithRateLimiter(l *RateLimiter) TrackerOption {
	return func(t *Tracker) {
		if l != nil {
			t.limiter = l
		}
	}
}

// WithLogger sets the tracker logger.
func WithLogger(logger *slog.Logger) TrackerOption {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTracker creates a tracker that sends events to sink. A nil sink only
// returns events from Update.
func NewTracker(sink Sink, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		sink:   sink,
		clock:  clock.New(),
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.sampler == nil {
		t.sampler = ProcessSampler{Logger: t.logger}
	}

	if t.limiter == nil {
		t.limiter = NewRateLimiter(t.clock, RateLimitWindow)
	}

	return t
}

// Tracking reports whether a cycle is open.
func (t *Tracker) Tracking() bool {
	return t.tracking
}

// Update consumes one snapshot. It returns the emitted event when the
// snapshot completed a cycle and the rate limiter admitted it.
func (t *Tracker) Update(s analysis.Snapshot) (Event, bool) {
	if s.FilesRequiringAnalysis > 0 || s.FatalErrorOccurred {
		if !t.tracking {
			t.open(s)
		}

		t.peakRSS = max(t.peakRSS, t.sampler.Sample().RSS)

		if !s.FatalErrorOccurred {
			return Event{}, false
		}
	}

	if !t.tracking {
		return Event{}, false
	}

	return t.close(s)
}

func (t *Tracker) open(s analysis.Snapshot) {
	t.tracking = true
	t.startedAt = t.clock.Now()
	t.filesAtStart = s.FilesRequiringAnalysis
	t.elapsedAtStart = s.ElapsedTime
}

func (t *Tracker) close(s analysis.Snapshot) (Event, bool) {
	t.tracking = false

	peak := t.peakRSS
	t.peakRSS = 0

	firstRun := !t.completed
	t.completed = true

	if !t.limiter.Allow() {
		t.logger.Debug("telemetry: analysis cycle suppressed by rate limit",
			"files", t.filesAtStart, "fatal", s.FatalErrorOccurred)

		return Event{}, false
	}

	final := t.sampler.Sample()
	wall := t.clock.Since(t.startedAt)

	event := NewEvent(EventAnalysisComplete)
	final.addTo(event.Measurements)
	event.Measurements["peakRssMB"] = units.BytesToMB(max(peak, final.RSS))
	event.Measurements["elapsedMs"] = float64(wall)/float64(time.Millisecond) + t.elapsedAtStart*1000
	event.Measurements["numFilesAnalyzed"] = float64(t.filesAtStart)
	event.Measurements["numFilesInProgram"] = float64(s.FilesInProgram)
	event.Measurements["fatalErrorOccurred"] = boolMeasure(s.FatalErrorOccurred)
	event.Measurements["isFirstRun"] = boolMeasure(firstRun)

	if t.sink != nil {
		t.sink.Send(event.Clone())
	}

	return event, true
}

func boolMeasure(b bool) float64 {
	if b {
		return 1
	}

	return 0
}
