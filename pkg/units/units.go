// Package units provides binary size unit multipliers (1024-based) and
// conversions used when reporting memory figures.
package units

// Binary size multipliers.
const (
	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB
)

// BytesToMB converts a byte count to fractional mebibytes.
// Telemetry reports memory in MB the way editors expect it (1 MB = 1024*1024 bytes).
func BytesToMB(bytes uint64) float64 {
	return float64(bytes) / MiB
}

// MBToBytes converts fractional mebibytes back to a byte count.
// Negative inputs yield zero.
func MBToBytes(mb float64) uint64 {
	if mb <= 0 {
		return 0
	}

	return uint64(mb * MiB)
}
