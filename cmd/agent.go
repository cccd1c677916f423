package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/relay-scraper/internal/server"
)

func newAgentCmd() *cobra.Command {
	var headful bool
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run a relay agent backed by a local browser",
		Long: `Starts a browser and serves the relay endpoint /relay/{relay_id} on
agent.port. Scrapers configured with fetcher.kind=relay connect to it and
have their pages rendered here, with this browser's cookies and logins.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			cfg := e.cfg.Agent
			if headful {
				cfg.Headless = false
			}
			agentApp, err := server.BuildAgent(cfg, e.logger)
			if err != nil {
				return fmt.Errorf("failed to start relay agent: %w", err)
			}
			return agentApp.Run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&headful, "headful", false, "open a visible browser window")
	return cmd
}
