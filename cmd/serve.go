package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/relay-scraper/internal/server"
)

// buildApp is a variable so tests can stub out infrastructure.
var buildApp = server.Build

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the workflow HTTP API",
		Long: `Starts the HTTP API on server.port. POST /v1/runs streams a workflow's items
as NDJSON; /healthz, /readyz and /metrics are served without authentication.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			app, err := buildApp(cmd.Context(), e.cfg, e.logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
}
