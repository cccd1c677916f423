package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/relay-scraper/internal/pipeline"
)

type runOptions struct {
	file            string
	limit           int
	concurrency     int
	publishAllSteps bool
}

// newRunCmd creates the 'run' subcommand, which executes one workflow and
// streams its items to stdout as NDJSON.
func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run [url]",
		Short: "Run a workflow and print its items as NDJSON",
		Long: `Loads a workflow from --file (or stdin with "-") and prints every item it
produces as one JSON object per line. A bare URL argument runs a workflow
with a single const step, which is handy for checking a fetcher setup.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, args, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "workflow JSON file, - for stdin")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "cap the number of final items (overrides the workflow)")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "inputs each step processes at once (overrides the workflow)")
	cmd.Flags().BoolVar(&opts.publishAllSteps, "publish-all-steps", false, "also print intermediate items with status loading")
	return cmd
}

func runWorkflow(cmd *cobra.Command, args []string, opts runOptions) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	raw, err := readWorkflow(cmd.InOrStdin(), opts.file, args)
	if err != nil {
		return err
	}
	wf, err := pipeline.ParseWorkflow(raw)
	if err != nil {
		return fmt.Errorf("parse workflow: %w", err)
	}

	app, err := buildApp(cmd.Context(), e.cfg, e.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer app.Close()

	p, err := app.NewPipeline(wf)
	if err != nil {
		return err
	}
	p.Context().Update(pipeline.Options{
		Limit:           pipeline.Number(opts.limit),
		Concurrency:     pipeline.Number(opts.concurrency),
		PublishAllSteps: opts.publishAllSteps,
	})

	enc := json.NewEncoder(cmd.OutOrStdout())
	var n int
	for item, err := range p.Stream(cmd.Context()) {
		if err != nil {
			return fmt.Errorf("run workflow after %d items: %w", n, err)
		}
		if err := enc.Encode(item); err != nil {
			return fmt.Errorf("write item: %w", err)
		}
		n++
	}
	e.logger.Info("run finished", zap.Int("items", n), zap.Any("usage", p.Context().Usage()))
	return nil
}

func readWorkflow(stdin io.Reader, file string, args []string) ([]byte, error) {
	switch {
	case file != "" && len(args) > 0:
		return nil, errors.New("pass either --file or a url, not both")
	case file == "-":
		raw, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read workflow from stdin: %w", err)
		}
		return raw, nil
	case file != "":
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read workflow: %w", err)
		}
		return raw, nil
	case len(args) == 1:
		return json.Marshal(args[0])
	default:
		return nil, errors.New("a workflow is required: use --file or pass a url")
	}
}
