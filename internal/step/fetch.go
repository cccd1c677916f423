package step

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/relay-scraper/internal/crawler"
	"github.com/JakeFAU/relay-scraper/internal/document"
	"github.com/JakeFAU/relay-scraper/internal/pipeline"
)

// FetchStep loads each input's page and attaches its HTML under _html.
type FetchStep struct {
	commonArgs
	opts     crawler.FetchOptions
	minimize bool
}

type fetchArgs struct {
	commonArgs
	Active      bool   `json:"active,omitempty"`
	WaitForText string `json:"waitForText,omitempty"`
	Minimize    bool   `json:"minimize,omitempty"`
}

// NewFetch builds a FetchStep.
func NewFetch(raw json.RawMessage) (pipeline.Step, error) {
	var args fetchArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return &FetchStep{
		commonArgs: args.commonArgs,
		opts:       crawler.FetchOptions{Active: args.Active, WaitForText: args.WaitForText},
		minimize:   args.Minimize,
	}, nil
}

// Name implements pipeline.Step.
func (s *FetchStep) Name() string { return NameFetch }

// Process implements pipeline.Step. A fetch that produces no document (for
// example a relay timeout) emits nothing.
func (s *FetchStep) Process(ctx context.Context, cur pipeline.Cursor, emit pipeline.Emit) error {
	doc, err := fetchItem(ctx, cur, s.opts)
	if err != nil || doc == nil {
		return err
	}
	if s.minimize {
		url := doc.URL
		if doc, err = doc.Minimize(); err != nil {
			return fmt.Errorf("minimize %s: %w", url, err)
		}
	}
	out := cur.Item.With(crawler.KeyHTML, doc.HTML)
	if !out.HasURL() {
		out[crawler.KeyURL] = doc.URL
	}
	if doc.Status != 0 {
		out["status"] = doc.Status
	}
	emit(out)
	return nil
}

// fetchItem fetches the input's URL through the context fetcher. Inputs
// without a URL are logged and skipped.
func fetchItem(ctx context.Context, cur pipeline.Cursor, opts crawler.FetchOptions) (*document.Document, error) {
	logger := cur.Ctx.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cur.Ctx.Fetcher == nil {
		return nil, errors.New("no fetcher configured")
	}
	url := cur.Item.URL()
	if url == "" {
		logger.Warn("input has no url to fetch", zap.Int("index", cur.Index))
		return nil, nil
	}
	cur.Ctx.CountFetch()
	doc, err := cur.Ctx.Fetcher.Fetch(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	if doc == nil {
		logger.Warn("fetch produced no document", zap.String("url", url))
	}
	return doc, nil
}
