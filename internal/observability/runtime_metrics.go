package observability

import (
	"context"
	"fmt"
	"runtime"

	"go.opentelemetry.io/otel/metric"

	"github.com/Sumatoshi-tech/offload/pkg/telemetry"
)

const (
	metricGoroutines  = "offload.runtime.goroutines"
	metricRSSBytes    = "offload.process.rss.bytes"
	metricHeapInUse   = "offload.runtime.heap.used.bytes"
	metricHeapReserve = "offload.runtime.heap.total.bytes"
)

// RuntimeMetrics exposes goroutine and memory gauges, observed on every
// collection cycle.
type RuntimeMetrics struct {
	goroutines metric.Int64ObservableGauge
	rss        metric.Int64ObservableGauge
	heapUsed   metric.Int64ObservableGauge
	heapTotal  metric.Int64ObservableGauge
	sampler    telemetry.MemorySampler
}

// NewRuntimeMetrics registers the gauges on mt. A nil sampler uses the
// process sampler.
func NewRuntimeMetrics(mt metric.Meter, sampler telemetry.MemorySampler) (*RuntimeMetrics, error) {
	if sampler == nil {
		sampler = telemetry.ProcessSampler{}
	}

	b := newMetricBuilder(mt)

	rm := &RuntimeMetrics{
		goroutines: b.gauge(instrument{metricGoroutines, "Current number of live goroutines", "{goroutine}"}),
		rss:        b.gauge(instrument{metricRSSBytes, "Resident set size of the process", "By"}),
		heapUsed:   b.gauge(instrument{metricHeapInUse, "Bytes of allocated heap objects", "By"}),
		heapTotal:  b.gauge(instrument{metricHeapReserve, "Bytes of heap memory obtained from the OS", "By"}),
		sampler:    sampler,
	}

	err := b.err()
	if err != nil {
		return nil, err
	}

	_, err = mt.RegisterCallback(rm.observe, rm.goroutines, rm.rss, rm.heapUsed, rm.heapTotal)
	if err != nil {
		return nil, fmt.Errorf("register runtime metrics callback: %w", err)
	}

	return rm, nil
}

func (rm *RuntimeMetrics) observe(_ context.Context, obs metric.Observer) error {
	sample := rm.sampler.Sample()

	obs.ObserveInt64(rm.goroutines, int64(runtime.NumGoroutine()))
	obs.ObserveInt64(rm.rss, clampInt64(sample.RSS))
	obs.ObserveInt64(rm.heapUsed, clampInt64(sample.HeapUsed))
	obs.ObserveInt64(rm.heapTotal, clampInt64(sample.HeapTotal))

	return nil
}

func clampInt64(v uint64) int64 {
	const maxInt64 = 1<<63 - 1
	if v > maxInt64 {
		return maxInt64
	}

	return int64(v)
}
