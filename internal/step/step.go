// Package step provides the built-in pipeline steps: const, crawl, fetch,
// extract, limit and export.
package step

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/relay-scraper/internal/pipeline"
)

// Step names.
const (
	NameConst   = "const"
	NameCrawl   = "crawl"
	NameFetch   = "fetch"
	NameExtract = "extract"
	NameLimit   = "limit"
	NameExport  = "export"
)

// ErrNoQuery is returned when a crawl step has no query.
var ErrNoQuery = errors.New("crawl step requires a query")

// commonArgs are accepted by every step.
type commonArgs struct {
	Limit    pipeline.Number `json:"limit,omitempty"`
	MaxPages pipeline.Number `json:"maxPages,omitempty"`
}

// StepLimit caps how many items the step emits in a run; zero is unlimited.
func (a commonArgs) StepLimit() int {
	return a.Limit.Int()
}

// DefaultRegistry returns a registry with every built-in step.
func DefaultRegistry() *pipeline.Registry {
	r := pipeline.NewRegistry()
	r.Register(NameConst, NewConst)
	r.Register(NameCrawl, NewCrawl)
	r.Register(NameFetch, NewFetch)
	r.Register(NameExtract, NewExtract)
	r.Register(NameLimit, NewLimit)
	r.Register(NameExport, NewExport)
	return r
}

func isEmpty(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || string(raw) == "null"
}

func isString(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '"'
}

func decodeArgs(raw json.RawMessage, v any) error {
	if isEmpty(raw) {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode args: %w", err)
	}
	return nil
}
