package commands

import (
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/offload/internal/observability"
	"github.com/Sumatoshi-tech/offload/pkg/analysis"
	"github.com/Sumatoshi-tech/offload/pkg/executor"
)

// NewBackgroundCommand creates the hidden command a process executor runs.
// It reads its initialization data from the environment and serves the
// analysis runner over stdin/stdout.
func NewBackgroundCommand() *cobra.Command {
	return &cobra.Command{
		Use:           BackgroundCommandName,
		Short:         "Run the analysis executor (started by the controller)",
		Hidden:        true,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cobraCmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(cobraCmd, observability.ModeBackground, nil)
			if err != nil {
				return err
			}

			defer rt.close()

			opts, err := analysisOptions(rt.cfg, rt.logger)
			if err != nil {
				return err
			}

			return executor.RunBackground(cobraCmd.Context(), analysis.Background(opts))
		},
	}
}
