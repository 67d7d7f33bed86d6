package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

// Execute runs the CLI dispatcher with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	root := buildRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "agent-relay",
		Short: "Streaming chat relay for a served agent endpoint",
		Long: `agent-relay is a streaming chat relay for a served agent endpoint.

It keeps per-session history, forwards each turn to the agent with the
caller's identity and streams status, text and tables back to the client.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildServeCmd(), buildAskCmd())
	return root
}
