package telemetry

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricEventsTotal = "offload.telemetry.events.total"
	metricPrefix      = "offload.telemetry."

	attrEvent = "event"
)

// MetricsSink records every event as an OpenTelemetry counter increment and
// its measurements as histograms named offload.telemetry.<measurement>.
type MetricsSink struct {
	meter  metric.Meter
	events metric.Int64Counter

	mu         sync.Mutex
	histograms map[string]metric.Float64Histogram
}

// NewMetricsSink creates the sink instruments from mt.
func NewMetricsSink(mt metric.Meter) (*MetricsSink, error) {
	events, err := mt.Int64Counter(metricEventsTotal,
		metric.WithDescription("Telemetry events emitted"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricEventsTotal, err)
	}

	return &MetricsSink{
		meter:      mt,
		events:     events,
		histograms: map[string]metric.Float64Histogram{},
	}, nil
}

// Send implements Sink. Safe to call on a nil receiver (no-op).
func (s *MetricsSink) Send(event Event) {
	if s == nil {
		return
	}

	ctx := context.Background()
	name := strings.TrimPrefix(event.EventName, EventPrefix)
	attrs := metric.WithAttributes(attribute.String(attrEvent, name))

	s.events.Add(ctx, 1, attrs)

	for key, value := range event.Measurements {
		h, err := s.histogram(key)
		if err != nil {
			continue
		}

		h.Record(ctx, value, attrs)
	}
}

func (s *MetricsSink) histogram(measurement string) (metric.Float64Histogram, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.histograms[measurement]; ok {
		return h, nil
	}

	h, err := s.meter.Float64Histogram(metricPrefix+measurement,
		metric.WithDescription("Telemetry measurement "+measurement),
	)
	if err != nil {
		return nil, fmt.Errorf("create histogram %s: %w", measurement, err)
	}

	s.histograms[measurement] = h

	return h, nil
}
