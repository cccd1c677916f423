package step

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/relay-scraper/internal/pipeline"
)

// ExportStep ships each item to a named exporter and passes it on.
type ExportStep struct {
	commonArgs
	destination string
}

type exportArgs struct {
	commonArgs
	Destination string `json:"destination"`
}

// NewExport accepts {"destination": name} or the bare name.
func NewExport(raw json.RawMessage) (pipeline.Step, error) {
	var args exportArgs
	if isString(raw) {
		if err := json.Unmarshal(raw, &args.Destination); err != nil {
			return nil, fmt.Errorf("decode export destination: %w", err)
		}
	} else if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Destination == "" {
		return nil, errors.New("export step requires a destination")
	}
	return &ExportStep{commonArgs: args.commonArgs, destination: args.Destination}, nil
}

// Name implements pipeline.Step.
func (s *ExportStep) Name() string { return NameExport }

// Process implements pipeline.Step.
func (s *ExportStep) Process(ctx context.Context, cur pipeline.Cursor, emit pipeline.Emit) error {
	exporter, ok := cur.Ctx.Exporter(s.destination)
	if !ok {
		return fmt.Errorf("no exporter named %q", s.destination)
	}
	if err := exporter.Export(ctx, cur.Item); err != nil {
		return fmt.Errorf("export to %s: %w", s.destination, err)
	}
	cur.Ctx.CountExport()
	emit(cur.Item)
	return nil
}
