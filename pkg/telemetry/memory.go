package telemetry

import (
	"log/slog"
	"runtime"

	"github.com/prometheus/procfs"

	"github.com/Sumatoshi-tech/offload/pkg/units"
)

// MemorySample is a point-in-time view of process memory, in bytes.
type MemorySample struct {
	RSS       uint64
	HeapUsed  uint64
	HeapTotal uint64
	External  uint64
}

// MemorySampler samples process memory. Implementations never fail: an
// unreadable figure is reported as zero.
type MemorySampler interface {
	Sample() MemorySample
}

// SamplerFunc adapts a function to MemorySampler.
type SamplerFunc func() MemorySample

// Sample implements MemorySampler.
func (f SamplerFunc) Sample() MemorySample {
	return f()
}

// ProcessSampler reads resident memory from procfs and heap figures from the
// Go runtime.
type ProcessSampler struct {
	Logger *slog.Logger
}

// Sample implements MemorySampler.
func (s ProcessSampler) Sample() MemorySample {
	var ms runtime.MemStats

	runtime.ReadMemStats(&ms)

	sample := MemorySample{
		HeapUsed:  ms.HeapAlloc,
		HeapTotal: ms.HeapSys,
	}

	if ms.Sys > ms.HeapSys {
		sample.External = ms.Sys - ms.HeapSys
	}

	sample.RSS = s.residentMemory()

	return sample
}

func (s ProcessSampler) residentMemory() uint64 {
	proc, err := procfs.Self()
	if err != nil {
		s.debug("telemetry: procfs unavailable", err)

		return 0
	}

	stat, err := proc.Stat()
	if err != nil {
		s.debug("telemetry: read process stat", err)

		return 0
	}

	rss := stat.ResidentMemory()
	if rss < 0 {
		return 0
	}

	return uint64(rss)
}

func (s ProcessSampler) debug(msg string, err error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger.Debug(msg, "error", err)
}

func (m MemorySample) addTo(measurements map[string]float64) {
	measurements["rssMB"] = units.BytesToMB(m.RSS)
	measurements["heapUsedMB"] = units.BytesToMB(m.HeapUsed)
	measurements["heapTotalMB"] = units.BytesToMB(m.HeapTotal)
	measurements["externalMB"] = units.BytesToMB(m.External)
}
