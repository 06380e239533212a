package telemetry

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Measures collects custom measurements for a TrackPerf event.
type Measures struct {
	values map[string]float64
}

// Add records a custom measurement, stored as custom_<name>.
func (m *Measures) Add(name string, value float64) {
	if m.values == nil {
		m.values = map[string]float64{}
	}

	m.values["custom_"+name] = value
}

// TrackPerf runs fn and, when it succeeds slower than threshold, sends
// EventPrefix+name with totalTime in milliseconds and any custom measures.
// Failed or cancelled runs are never reported. A nil clock uses the wall clock.
func TrackPerf[T any](sink Sink, clk clock.Clock, name string, threshold time.Duration,
	fn func(m *Measures) (T, error),
) (T, error) {
	if clk == nil {
		clk = clock.New()
	}

	start := clk.Now()
	measures := &Measures{}

	result, err := fn(measures)
	if err != nil || sink == nil {
		return result, err
	}

	total := clk.Since(start)
	if total <= threshold {
		return result, nil
	}

	event := NewEvent(name)
	for k, v := range measures.values {
		event.Measurements[k] = v
	}

	event.Measurements["totalTime"] = float64(total) / float64(time.Millisecond)

	sink.Send(event)

	return result, nil
}
