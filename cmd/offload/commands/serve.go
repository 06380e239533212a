package commands

import (
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/offload/internal/lsp"
	"github.com/Sumatoshi-tech/offload/internal/observability"
	"github.com/Sumatoshi-tech/offload/pkg/version"
)

// NewServeCommand creates the language-server command.
func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the language server on stdio",
		Long: `Start a Language Server Protocol server on stdio.

The first analysis of the workspace starts as soon as the client sends
initialized. Saved and changed files are re-analyzed in the background.
Commands available through workspace/executeCommand:
  - offload.analyze: start an analysis job, reported through offload/jobDone
  - offload.cancel: cancel a running job
  - offload.status: report controller status`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cobraCmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(cobraCmd, observability.ModeLSP, nil)
			if err != nil {
				return err
			}

			defer rt.close()

			srv := lsp.NewServer(version.Version, rt.launch, rt.logger)

			return srv.Run()
		},
	}
}
