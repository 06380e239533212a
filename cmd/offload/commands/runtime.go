// Package commands implements the offload CLI subcommands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Sumatoshi-tech/offload/internal/config"
	"github.com/Sumatoshi-tech/offload/internal/observability"
	"github.com/Sumatoshi-tech/offload/pkg/analysis"
	"github.com/Sumatoshi-tech/offload/pkg/cancellation"
	"github.com/Sumatoshi-tech/offload/pkg/controller"
	"github.com/Sumatoshi-tech/offload/pkg/executor"
	"github.com/Sumatoshi-tech/offload/pkg/progress"
	"github.com/Sumatoshi-tech/offload/pkg/telemetry"
	"github.com/Sumatoshi-tech/offload/pkg/version"
)

// Persistent flags shared by every subcommand. They are registered on the
// root command in main.
const (
	FlagConfig  = "config"
	FlagVerbose = "verbose"
)

// BackgroundCommandName is the hidden subcommand a process executor runs.
const BackgroundCommandName = "background"

const closeTimeout = 10 * time.Second

// ErrNoController is reported by the readiness check before a workspace opened.
var ErrNoController = errors.New("no controller started")

// runtime is the wiring shared by the long-running subcommands: loaded
// configuration, observability providers and the controllers they launched.
type runtime struct {
	cfg       *config.Config
	providers observability.Providers
	logger    *slog.Logger
	red       *observability.REDMetrics
	sink      telemetry.Sink
	diag      *observability.DiagnosticsServer

	// configPath is forwarded to process executors.
	configPath string
	// executable is the binary a process executor starts.
	executable string

	mu       sync.Mutex
	ctrls    []*controller.Controller
	latest   atomic.Pointer[controller.Controller]
	closeOne sync.Once
}

// newRuntime loads configuration for cmd, initializes observability for mode
// and starts the diagnostics endpoint when observability.metrics_addr is set.
// Flags bound to v override file and environment values; nil v means none.
func newRuntime(cmd *cobra.Command, mode observability.AppMode, v *viper.Viper) (*runtime, error) {
	path, _ := cmd.Flags().GetString(FlagConfig)

	cfg, err := loadConfig(v, path)
	if err != nil {
		return nil, err
	}

	obsCfg := cfg.ObservabilityConfig(mode, version.Version)
	if verbose(cmd) {
		obsCfg.LogLevel = slog.LevelDebug
		obsCfg.DebugTrace = true
	}

	providers, err := observability.Init(obsCfg)
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}

	rt := &runtime{cfg: cfg, providers: providers, logger: providers.Logger, configPath: path}

	err = rt.instrument(mode)
	if err != nil {
		_ = providers.Shutdown(context.Background())

		return nil, err
	}

	return rt, nil
}

func (rt *runtime) instrument(mode observability.AppMode) error {
	red, err := observability.NewREDMetrics(rt.providers.Meter)
	if err != nil {
		return fmt.Errorf("create request metrics: %w", err)
	}

	metricsSink, err := telemetry.NewMetricsSink(rt.providers.Meter)
	if err != nil {
		return fmt.Errorf("create telemetry metrics: %w", err)
	}

	_, err = observability.NewRuntimeMetrics(rt.providers.Meter, telemetry.ProcessSampler{Logger: rt.logger})
	if err != nil {
		return fmt.Errorf("create runtime metrics: %w", err)
	}

	rt.red = red
	rt.sink = telemetry.MultiSink{telemetry.LogSink{Logger: rt.logger, Level: slog.LevelInfo}, metricsSink}

	// A process executor shares the controller's configuration, so only the
	// controller binds the diagnostics address.
	addr := rt.cfg.Observability.MetricsAddr
	if addr == "" || mode == observability.ModeBackground {
		return nil
	}

	diag, err := observability.NewDiagnosticsServer(addr, rt.providers.MetricsHandler, rt.logger, rt.ready)
	if err != nil {
		return fmt.Errorf("start diagnostics: %w", err)
	}

	rt.diag = diag
	rt.logger.Info("diagnostics listening", "addr", diag.Addr())

	return nil
}

func (rt *runtime) ready(ctx context.Context) error {
	ctrl := rt.latest.Load()
	if ctrl == nil {
		return ErrNoController
	}

	return ctrl.Ready(ctx)
}

// launch implements lsp.Launcher: it builds the executor host, the broker for
// the configured transport and the controller, then starts the executor.
func (rt *runtime) launch(ctx context.Context, root string, ui progress.UI, sink telemetry.Sink) (*controller.Controller, error) {
	transport, err := rt.cfg.Transport()
	if err != nil {
		return nil, err
	}

	host := executor.NewHost(executor.WithLogger(rt.logger))

	broker, err := cancellation.Select(transport, rt.cfg.Cancellation.Root, controller.RelayTo(host), rt.logger)
	if err != nil {
		return nil, fmt.Errorf("select cancellation broker: %w", err)
	}

	entry, err := rt.entry(broker)
	if err != nil {
		return nil, err
	}

	ctrl, err := controller.New(controller.Deps{
		Host:          host,
		Broker:        broker,
		UI:            ui,
		Sink:          telemetry.MultiSink{rt.sink, sink},
		Logger:        rt.logger,
		Metrics:       rt.red,
		Tracer:        rt.providers.Tracer,
		RootDirectory: root,
	})
	if err != nil {
		return nil, fmt.Errorf("create controller: %w", err)
	}

	err = ctrl.Start(ctx, entry)
	if err != nil {
		_ = ctrl.Shutdown(context.Background())

		return nil, fmt.Errorf("start executor: %w", err)
	}

	rt.mu.Lock()
	rt.ctrls = append(rt.ctrls, ctrl)
	rt.mu.Unlock()

	rt.latest.Store(ctrl)

	return ctrl, nil
}

// entry selects the executor for executor.mode.
func (rt *runtime) entry(broker cancellation.Broker) (executor.EntryPoint, error) {
	if rt.cfg.Executor.Mode == config.ModeProcess {
		path := rt.executable
		if path == "" {
			exe, err := os.Executable()
			if err != nil {
				return nil, fmt.Errorf("locate executable: %w", err)
			}

			path = exe
		}

		args := []string{BackgroundCommandName}
		if rt.configPath != "" {
			args = append(args, "--"+FlagConfig, rt.configPath)
		}

		return executor.Subprocess{Path: path, Args: args, Stderr: os.Stderr}, nil
	}

	opts, err := analysisOptions(rt.cfg, rt.logger)
	if err != nil {
		return nil, err
	}

	if flags, ok := broker.(*cancellation.FlagBroker); ok {
		opts.Checker = flags
	}

	return executor.InProcess(analysis.Background(opts)), nil
}

// close shuts down every launched controller, the diagnostics endpoint and
// the observability providers. It is safe to call more than once.
func (rt *runtime) close() {
	rt.closeOne.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()

		rt.mu.Lock()
		ctrls := rt.ctrls
		rt.ctrls = nil
		rt.mu.Unlock()

		for _, ctrl := range ctrls {
			err := ctrl.Shutdown(ctx)
			if err != nil {
				rt.logger.Warn("controller shutdown failed", "error", err)
			}
		}

		if rt.diag != nil {
			err := rt.diag.Close(ctx)
			if err != nil {
				rt.logger.Warn("diagnostics shutdown failed", "error", err)
			}
		}

		err := rt.providers.Shutdown(ctx)
		if err != nil {
			rt.logger.Warn("observability shutdown failed", "error", err)
		}
	})
}

func analysisOptions(cfg *config.Config, logger *slog.Logger) (analysis.Options, error) {
	maxSize, err := cfg.MaxFileSizeBytes()
	if err != nil {
		return analysis.Options{}, err
	}

	return analysis.Options{
		Slice:       cfg.Analysis.Slice,
		MaxFileSize: maxSize,
		GitIgnore:   cfg.Analysis.RespectGitIgnore,
		Logger:      logger,
	}, nil
}

func loadConfig(v *viper.Viper, path string) (*config.Config, error) {
	if v == nil {
		v = viper.New()
	}

	cfg, err := config.LoadWith(v, path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return cfg, nil
}

func verbose(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool(FlagVerbose)

	return v
}

func workspaceRoot(root string) (string, error) {
	if root != "" {
		return root, nil
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}

	return wd, nil
}
