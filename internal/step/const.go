package step

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/relay-scraper/internal/crawler"
	"github.com/JakeFAU/relay-scraper/internal/pipeline"
)

// ConstStep emits a fixed list of items and ignores its input.
type ConstStep struct {
	commonArgs
	items []crawler.Item
}

type constArgs struct {
	commonArgs
	Items []json.RawMessage `json:"items"`
}

// NewConst accepts a URL string, a single item object, an array of URLs or
// items, or {"items": [...]}.
func NewConst(raw json.RawMessage) (pipeline.Step, error) {
	s := &ConstStep{}
	trimmed := bytes.TrimSpace(raw)
	switch {
	case isEmpty(raw):
		return nil, errors.New("const step requires items")
	case trimmed[0] == '[':
		var entries []json.RawMessage
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return nil, fmt.Errorf("decode const items: %w", err)
		}
		items, err := constItems(entries)
		if err != nil {
			return nil, err
		}
		s.items = items
	case trimmed[0] == '{':
		var args constArgs
		if err := json.Unmarshal(trimmed, &args); err != nil {
			return nil, fmt.Errorf("decode const args: %w", err)
		}
		s.commonArgs = args.commonArgs
		if args.Items == nil {
			item, err := constItem(trimmed)
			if err != nil {
				return nil, err
			}
			s.items = []crawler.Item{item}
			break
		}
		items, err := constItems(args.Items)
		if err != nil {
			return nil, err
		}
		s.items = items
	default:
		item, err := constItem(trimmed)
		if err != nil {
			return nil, err
		}
		s.items = []crawler.Item{item}
	}
	return s, nil
}

func constItems(entries []json.RawMessage) ([]crawler.Item, error) {
	items := make([]crawler.Item, 0, len(entries))
	for _, e := range entries {
		item, err := constItem(e)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func constItem(raw json.RawMessage) (crawler.Item, error) {
	if isString(raw) {
		var url string
		if err := json.Unmarshal(raw, &url); err != nil {
			return nil, fmt.Errorf("decode const url: %w", err)
		}
		return crawler.Item{"url": url}, nil
	}
	var item crawler.Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("decode const item: %w", err)
	}
	return item, nil
}

// Name implements pipeline.Step.
func (s *ConstStep) Name() string { return NameConst }

// Process implements pipeline.Step.
func (s *ConstStep) Process(_ context.Context, _ pipeline.Cursor, emit pipeline.Emit) error {
	for _, item := range s.items {
		if emit(item.Clone()) {
			return nil
		}
	}
	return nil
}
