// Package config loads offload settings from .offload.yaml, OFFLOAD_*
// environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Sumatoshi-tech/offload/internal/observability"
	"github.com/Sumatoshi-tech/offload/pkg/cancellation"
)

// Executor modes.
const (
	// ModeInProcess runs the analysis on a goroutine.
	ModeInProcess = "inprocess"
	// ModeProcess runs the analysis in a child process.
	ModeProcess = "process"
)

// Defaults.
const (
	DefaultExecutorMode          = ModeInProcess
	DefaultCancellationTransport = string(cancellation.TransportFile)
	DefaultAnalysisSlice         = 250 * time.Millisecond
	DefaultAnalysisMaxFileSize   = "1MiB"
	DefaultLogLevel              = "info"
	DefaultSampleRatio           = 1.0
)

// Config is the top-level configuration struct for offload.
// Field tags use mapstructure for viper unmarshalling.
type Config struct {
	Executor      ExecutorConfig      `mapstructure:"executor"`
	Cancellation  CancellationConfig  `mapstructure:"cancellation"`
	Analysis      AnalysisConfig      `mapstructure:"analysis"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// ExecutorConfig selects where the background analysis runs.
type ExecutorConfig struct {
	Mode string `mapstructure:"mode"`
}

// CancellationConfig selects the cancellation transport.
type CancellationConfig struct {
	Transport string `mapstructure:"transport"`
	// Root is the parent directory of cancellation folders. Empty means the
	// system temp directory.
	Root string `mapstructure:"root"`
}

// AnalysisConfig holds knobs of the background runner.
type AnalysisConfig struct {
	Slice       time.Duration `mapstructure:"slice"`
	MaxFileSize string        `mapstructure:"max_file_size"`
	// RespectGitIgnore skips files matched by the workspace's .gitignore.
	RespectGitIgnore bool `mapstructure:"respect_gitignore"`
}

// ObservabilityConfig holds logging, tracing and metrics settings.
type ObservabilityConfig struct {
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	OTLPHeaders  string  `mapstructure:"otlp_headers"`
	OTLPInsecure bool    `mapstructure:"otlp_insecure"`
	MetricsAddr  string  `mapstructure:"metrics_addr"`
	LogLevel     string  `mapstructure:"log_level"`
	LogJSON      bool    `mapstructure:"log_json"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
	TraceVerbose bool    `mapstructure:"trace_verbose"`
	Environment  string  `mapstructure:"environment"`
}

// Sentinel errors for configuration validation.
var (
	// ErrInvalidExecutorMode indicates an unknown executor.mode.
	ErrInvalidExecutorMode = errors.New("executor.mode must be inprocess or process")
	// ErrInvalidSlice indicates a non-positive analysis.slice.
	ErrInvalidSlice = errors.New("analysis.slice must be positive")
	// ErrInvalidMaxFileSize indicates an unparsable or zero analysis.max_file_size.
	ErrInvalidMaxFileSize = errors.New("analysis.max_file_size must be a positive byte size")
	// ErrInvalidSampleRatio indicates a sample ratio outside [0, 1].
	ErrInvalidSampleRatio = errors.New("observability.sample_ratio must be between 0 and 1")
	// ErrFlagTransportCrossProcess indicates in-memory flags with a child process executor.
	ErrFlagTransportCrossProcess = errors.New("cancellation.transport flag requires executor.mode inprocess")
)

// Validate checks Config invariants and returns the first error found.
func (c *Config) Validate() error {
	if c.Executor.Mode != ModeInProcess && c.Executor.Mode != ModeProcess {
		return fmt.Errorf("%w: %q", ErrInvalidExecutorMode, c.Executor.Mode)
	}

	transport, err := c.Transport()
	if err != nil {
		return err
	}

	if transport == cancellation.TransportFlag && c.Executor.Mode == ModeProcess {
		return ErrFlagTransportCrossProcess
	}

	if c.Analysis.Slice <= 0 {
		return ErrInvalidSlice
	}

	_, err = c.MaxFileSizeBytes()
	if err != nil {
		return err
	}

	if c.Observability.SampleRatio < 0 || c.Observability.SampleRatio > 1 {
		return ErrInvalidSampleRatio
	}

	return nil
}

// Transport parses cancellation.transport.
func (c *Config) Transport() (cancellation.Transport, error) {
	transport, err := cancellation.ParseTransport(c.Cancellation.Transport)
	if err != nil {
		return "", fmt.Errorf("cancellation.transport: %w", err)
	}

	return transport, nil
}

// MaxFileSizeBytes parses analysis.max_file_size ("1MiB", "512 kB", "2000000").
func (c *Config) MaxFileSizeBytes() (int64, error) {
	size, err := humanize.ParseBytes(c.Analysis.MaxFileSize)
	if err != nil || size == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMaxFileSize, c.Analysis.MaxFileSize)
	}

	return int64(min(size, 1<<62)), nil
}

// ObservabilityConfig maps the observability section onto the providers
// configuration for the given mode.
func (c *Config) ObservabilityConfig(mode observability.AppMode, version string) observability.Config {
	obs := observability.DefaultConfig()
	obs.ServiceVersion = version
	obs.Environment = c.Observability.Environment
	obs.Mode = mode
	obs.OTLPEndpoint = c.Observability.OTLPEndpoint
	obs.OTLPHeaders = observability.ParseOTLPHeaders(c.Observability.OTLPHeaders)
	obs.OTLPInsecure = c.Observability.OTLPInsecure
	obs.Prometheus = c.Observability.MetricsAddr != ""
	obs.SampleRatio = c.Observability.SampleRatio
	obs.TraceVerbose = c.Observability.TraceVerbose
	obs.LogLevel = observability.ParseLogLevel(c.Observability.LogLevel)
	obs.LogJSON = c.Observability.LogJSON

	if mode == observability.ModeLSP || mode == observability.ModeMCP || mode == observability.ModeBackground {
		obs.LogJSON = true
	}

	return obs
}
