package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"agent-relay/internal/config"
	"agent-relay/internal/server"
)

func buildServeCmd() *cobra.Command {
	var (
		cfgPath      string
		overridePort int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Example: `  agent-relay serve --config relay.yaml
  agent-relay serve --config relay.yaml --port 9000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfgPath == "" {
				return errors.New("serve command requires --config <path>")
			}

			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("port") {
				if overridePort <= 0 || overridePort > 65535 {
					return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
				}
				cfg.Server.Port = overridePort
			}

			setupLogging(cfg)
			ctx := cmd.Context()

			deps, err := wire(ctx, cfg)
			if err != nil {
				return err
			}
			defer deps.Close()

			srv, err := server.New(cfg, deps.relay, deps.store, deps.metrics)
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "Path to YAML configuration file (required)")
	cmd.Flags().IntVarP(&overridePort, "port", "p", 0, "Override server port from configuration")
	return cmd
}
