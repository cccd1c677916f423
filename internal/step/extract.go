package step

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/relay-scraper/internal/crawler"
	"github.com/JakeFAU/relay-scraper/internal/document"
	"github.com/JakeFAU/relay-scraper/internal/pipeline"
)

// ExtractStep answers a set of questions about each input's page.
type ExtractStep struct {
	commonArgs
	questions map[string]string
	single    bool
	opts      crawler.FetchOptions
}

type extractArgs struct {
	commonArgs
	Questions   map[string]string `json:"questions"`
	Single      bool              `json:"single,omitempty"`
	Active      bool              `json:"active,omitempty"`
	WaitForText string            `json:"waitForText,omitempty"`
}

var extractReserved = map[string]struct{}{
	"limit": {}, "maxPages": {}, "single": {}, "active": {}, "waitForText": {},
}

// NewExtract accepts {"questions": {...}, "single": bool} or, as shorthand,
// the questions object itself.
func NewExtract(raw json.RawMessage) (pipeline.Step, error) {
	var args extractArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Questions == nil {
		var shorthand map[string]any
		if err := decodeArgs(raw, &shorthand); err != nil {
			return nil, err
		}
		args.Questions = map[string]string{}
		for k, v := range shorthand {
			if _, reserved := extractReserved[k]; reserved {
				continue
			}
			if q, ok := v.(string); ok {
				args.Questions[k] = q
			}
		}
	}
	if len(args.Questions) == 0 {
		return nil, errors.New("extract step requires questions")
	}
	return &ExtractStep{
		commonArgs: args.commonArgs,
		questions:  args.Questions,
		single:     args.Single,
		opts:       crawler.FetchOptions{Active: args.Active, WaitForText: args.WaitForText},
	}, nil
}

// Name implements pipeline.Step.
func (s *ExtractStep) Name() string { return NameExtract }

// Process implements pipeline.Step. Extractor failures abort the run.
func (s *ExtractStep) Process(ctx context.Context, cur pipeline.Cursor, emit pipeline.Emit) error {
	if cur.Ctx.Extractor == nil {
		return errors.New("no extractor configured")
	}
	doc, err := s.document(ctx, cur)
	if err != nil || doc == nil {
		return err
	}
	minimized, err := doc.Minimize()
	if err != nil {
		return fmt.Errorf("minimize %s: %w", doc.URL, err)
	}
	results, err := cur.Ctx.Extractor.Extract(ctx, minimized, s.questions, s.single)
	if err != nil {
		return fmt.Errorf("extract %s: %w", doc.URL, err)
	}
	for _, result := range results {
		out := cur.Item.Merge(result)
		delete(out, crawler.KeyHTML)
		if !out.HasURL() {
			out[crawler.KeyURL] = doc.URL
		}
		if emit(out) {
			return nil
		}
	}
	return nil
}

// document reuses HTML attached by an earlier fetch step when present.
func (s *ExtractStep) document(ctx context.Context, cur pipeline.Cursor) (*document.Document, error) {
	if html, ok := cur.Item[crawler.KeyHTML].(string); ok && html != "" {
		return &document.Document{URL: cur.Item.URL(), HTML: html, Body: html}, nil
	}
	return fetchItem(ctx, cur, s.opts)
}
