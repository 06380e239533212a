// Package telemetry turns analysis activity into best-effort telemetry
// events: one aggregated event per completed analysis cycle, rate limited,
// plus slow-operation events from TrackPerf.
package telemetry

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/Sumatoshi-tech/offload/pkg/version"
)

// EventPrefix is prepended to every event name.
const EventPrefix = "offload/"

// Event names.
const (
	EventAnalysisComplete = "analysis_complete"
	EventAnalyzeSlow      = "analyze_slow"
)

// PropertyVersion is set on every event.
const PropertyVersion = "lsVersion"

// Event is a write-once telemetry record.
type Event struct {
	EventName    string             `json:"EventName"`
	Properties   map[string]string  `json:"Properties"`
	Measurements map[string]float64 `json:"Measurements"`
}

// NewEvent creates an event named EventPrefix+name carrying the version property.
func NewEvent(name string) Event {
	return Event{
		EventName:    EventPrefix + name,
		Properties:   map[string]string{PropertyVersion: version.Version},
		Measurements: map[string]float64{},
	}
}

// Clone returns a deep copy, so sinks never share maps with the producer.
func (e Event) Clone() Event {
	return Event{
		EventName:    e.EventName,
		Properties:   maps.Clone(e.Properties),
		Measurements: maps.Clone(e.Measurements),
	}
}

// Sink receives telemetry events. Delivery is best effort.
type Sink interface {
	Send(event Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(event Event)

// Send implements Sink.
func (f SinkFunc) Send(event Event) {
	f(event)
}

// MultiSink fans an event out to every sink, each with its own copy.
type MultiSink []Sink

// Send implements Sink.
func (m MultiSink) Send(event Event) {
	for _, s := range m {
		if s != nil {
			s.Send(event.Clone())
		}
	}
}

// LogSink writes events to a structured logger.
type LogSink struct {
	Logger *slog.Logger
	Level  slog.Level
}

// Send implements Sink.
func (s LogSink) Send(event Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	attrs := make([]any, 0, 2+2*len(event.Measurements)+2*len(event.Properties))
	attrs = append(attrs, "event", event.EventName)

	for _, k := range slices.Sorted(maps.Keys(event.Properties)) {
		attrs = append(attrs, k, event.Properties[k])
	}

	for _, k := range slices.Sorted(maps.Keys(event.Measurements)) {
		attrs = append(attrs, k, event.Measurements[k])
	}

	logger.Log(context.Background(), s.Level, "telemetry", attrs...)
}

// MemorySink keeps events in memory. It is used by the CLI summary and tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// Send implements Sink.
func (s *MemorySink) Send(event Event) {
	s.mu.Lock()
	s.events = append(s.events, event.Clone())
	s.mu.Unlock()
}

// Events returns a copy of the received events.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Event, len(s.events))
	for i, e := range s.events {
		out[i] = e.Clone()
	}

	return out
}
