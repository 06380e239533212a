package commands

import (
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/offload/internal/mcp"
	"github.com/Sumatoshi-tech/offload/internal/observability"
	"github.com/Sumatoshi-tech/offload/pkg/progress"
	"github.com/Sumatoshi-tech/offload/pkg/version"
)

// NewMCPCommand creates the MCP server command.
func NewMCPCommand() *cobra.Command {
	var root string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start MCP server for AI agent integration",
		Long: `Start a Model Context Protocol (MCP) server on stdio transport.

The server runs one controller for the workspace and exposes it as tools:
  - offload_analyze: analyze the workspace or the given paths
  - offload_mark_dirty: queue changed paths for background analysis
  - offload_cancel: cancel running analyze calls
  - offload_status: report controller status`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cobraCmd *cobra.Command, _ []string) error {
			dir, err := workspaceRoot(root)
			if err != nil {
				return err
			}

			rt, err := newRuntime(cobraCmd, observability.ModeMCP, nil)
			if err != nil {
				return err
			}

			defer rt.close()

			ctx := cobraCmd.Context()

			ctrl, err := rt.launch(ctx, dir, &progress.LogUI{Logger: rt.logger, Title: "analysis"}, nil)
			if err != nil {
				return err
			}

			srv := mcp.NewServer(mcp.ServerDeps{
				Service: ctrl,
				Version: version.Version,
				Logger:  rt.logger,
				Metrics: rt.red,
				Tracer:  rt.providers.Tracer,
			})

			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&root, "root", "", "workspace root (default: current directory)")

	return cmd
}
