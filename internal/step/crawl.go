package step

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/relay-scraper/internal/crawler"
	"github.com/JakeFAU/relay-scraper/internal/pipeline"
)

// CrawlStep discovers pages linked from each input's URL that match a query.
type CrawlStep struct {
	commonArgs
	query string
	css   string
	fetch crawler.FetchOptions
}

type crawlArgs struct {
	commonArgs
	Query       string `json:"query"`
	CSS         string `json:"css,omitempty"`
	Active      bool   `json:"active,omitempty"`
	WaitForText string `json:"waitForText,omitempty"`
}

// NewCrawl accepts a bare query string or {"query", "css", "maxPages", ...}.
func NewCrawl(raw json.RawMessage) (pipeline.Step, error) {
	var args crawlArgs
	if isString(raw) {
		if err := json.Unmarshal(raw, &args.Query); err != nil {
			return nil, fmt.Errorf("decode crawl query: %w", err)
		}
	} else if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Query == "" {
		return nil, ErrNoQuery
	}
	return &CrawlStep{
		commonArgs: args.commonArgs,
		query:      args.Query,
		css:        args.CSS,
		fetch:      crawler.FetchOptions{Active: args.Active, WaitForText: args.WaitForText},
	}, nil
}

// Name implements pipeline.Step.
func (s *CrawlStep) Name() string { return NameCrawl }

// Process implements pipeline.Step.
func (s *CrawlStep) Process(ctx context.Context, cur pipeline.Cursor, emit pipeline.Emit) error {
	logger := cur.Ctx.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cur.Ctx.Crawler == nil {
		return errors.New("no crawler configured")
	}
	url := cur.Item.URL()
	if url == "" {
		logger.Warn("crawl input has no url", zap.Int("index", cur.Index))
		return nil
	}

	start := time.Now()
	opts := crawler.CrawlOptions{
		CSS:      s.css,
		MaxPages: s.MaxPages.Int(),
		Fetch:    s.fetch,
	}
	for output, err := range cur.Ctx.Crawler.Run(ctx, url, s.query, opts) {
		if err != nil {
			return fmt.Errorf("crawl %s: %w", url, err)
		}
		if !output.HasURL() {
			logger.Error("crawl produced an item without a url", zap.String("source", url), zap.Any("item", output))
			continue
		}
		logger.Debug("crawl candidate",
			zap.String("url", output.URL()),
			zap.Duration("elapsed", time.Since(start)),
		)
		if emit(output.WithSource(url)) {
			break
		}
	}
	return nil
}
