package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"agent-relay/internal/config"
	"agent-relay/internal/identity"
	"agent-relay/internal/relay"
	"agent-relay/internal/render"
)

func buildAskCmd() *cobra.Command {
	var (
		cfgPath string
		user    string
	)
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Relay a single question and print the streamed answer",
		Long: `Relay a single question to the agent endpoint using the configured
personal access token and print status lines and the answer as they stream.`,
		Example: `  agent-relay ask --config relay.yaml "Which regions sold the most?"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgPath == "" {
				return errors.New("ask command requires --config <path>")
			}
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.Auth.PAT) == "" {
				return errors.New("ask command requires auth.pat in the configuration")
			}
			// Keep stdout for the answer.
			cfg.Log.Level = "warn"
			setupLogging(cfg)

			ctx := cmd.Context()
			deps, err := wireRelay(cfg)
			if err != nil {
				return err
			}
			defer deps.Close()

			id := identity.NewPasswords(nil, cfg.Auth.PAT).Direct(user)
			_, err = deps.relay.Turn(ctx, relay.TurnRequest{
				Identity: id,
				Text:     strings.Join(args, " "),
			}, render.NewWriterHost(cmd.OutOrStdout()))
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "Path to YAML configuration file (required)")
	cmd.Flags().StringVar(&user, "user", "cli", "User name recorded for the turn")
	return cmd
}
