package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Sumatoshi-tech/offload/internal/observability"
	"github.com/Sumatoshi-tech/offload/pkg/progress"
	"github.com/Sumatoshi-tech/offload/pkg/telemetry"
)

const (
	analyzeFlagRoot      = "root"
	analyzeFlagFormat    = "format"
	analyzeFlagMode      = "mode"
	analyzeFlagTransport = "transport"
	analyzeFlagSlice     = "slice"
)

// NewAnalyzeCommand creates the one-shot analyze command.
func NewAnalyzeCommand() *cobra.Command {
	var (
		root   string
		format string
	)

	v := viper.New()

	cmd := &cobra.Command{
		Use:   "analyze [paths...]",
		Short: "Analyze a workspace in a background executor",
		Long: `Analyze the workspace once and print a summary.

The analysis runs in the configured executor while progress is reported on
stderr. Paths restrict the pass to the given files; none means everything.
Ctrl-C cancels the request through the configured cancellation transport.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cobraCmd *cobra.Command, args []string) error {
			err := checkFormat(format)
			if err != nil {
				return err
			}

			dir, err := workspaceRoot(root)
			if err != nil {
				return err
			}

			rt, err := newRuntime(cobraCmd, observability.ModeCLI, v)
			if err != nil {
				return err
			}

			defer rt.close()

			ctx := cobraCmd.Context()
			ui := &progress.TerminalUI{Out: cobraCmd.ErrOrStderr(), Title: "Analyzing " + dir}
			events := &telemetry.MemorySink{}

			ctrl, err := rt.launch(ctx, dir, ui, events)
			if err != nil {
				return err
			}

			started := time.Now()

			result, err := ctrl.Analyze(ctx, args)
			if err != nil {
				return fmt.Errorf("analyze %s: %w", dir, err)
			}

			// Stop the executor before printing so its output does not interleave with the report.
			rt.close()

			return Render(cobraCmd.OutOrStdout(), format, NewReport(dir, time.Since(started), result, events.Events()))
		},
	}

	cmd.Flags().StringVar(&root, analyzeFlagRoot, "", "workspace root (default: current directory)")
	cmd.Flags().StringVarP(&format, analyzeFlagFormat, "f", FormatTable, "output format: table, json, yaml or html")
	cmd.Flags().String(analyzeFlagMode, "", "executor mode: inprocess or process")
	cmd.Flags().String(analyzeFlagTransport, "", "cancellation transport: file, flag or message")
	cmd.Flags().Duration(analyzeFlagSlice, 0, "time between progress snapshots")

	_ = v.BindPFlag("executor.mode", cmd.Flags().Lookup(analyzeFlagMode))
	_ = v.BindPFlag("cancellation.transport", cmd.Flags().Lookup(analyzeFlagTransport))
	_ = v.BindPFlag("analysis.slice", cmd.Flags().Lookup(analyzeFlagSlice))

	return cmd
}
