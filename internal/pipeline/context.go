package pipeline

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/relay-scraper/internal/crawler"
)

// Options are the run-wide knobs stored in a workflow's "options" block.
type Options struct {
	// Limit caps the number of final items; zero means unlimited.
	Limit Number `json:"limit,omitempty"`
	// PublishAllSteps also reports intermediate items as "loading" partials.
	PublishAllSteps bool `json:"publishAllSteps,omitempty"`
	// Concurrency bounds how many inputs each step processes at once.
	Concurrency Number `json:"concurrency,omitempty"`
}

// Usage counts work done during runs.
type Usage struct {
	Fetches  int64 `json:"fetches"`
	Emitted  int64 `json:"emitted"`
	Exported int64 `json:"exported"`
}

// Context is the state shared by every step of a pipeline. Steps read its
// collaborators and bump counters; they never replace it.
type Context struct {
	Fetcher   crawler.Fetcher
	Crawler   crawler.Crawler
	Extractor crawler.Extractor
	Exporters map[string]crawler.Exporter
	Logger    *zap.Logger

	mu      sync.RWMutex
	options Options

	fetches  atomic.Int64
	emitted  atomic.Int64
	exported atomic.Int64
}

// Options returns a copy of the current options.
func (c *Context) Options() Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.options
}

// Update overlays the non-zero fields of opts.
func (c *Context) Update(opts Options) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if opts.Limit != 0 {
		c.options.Limit = opts.Limit
	}
	if opts.PublishAllSteps {
		c.options.PublishAllSteps = true
	}
	if opts.Concurrency != 0 {
		c.options.Concurrency = opts.Concurrency
	}
}

// Dump returns the options in their workflow form.
func (c *Context) Dump() Options {
	return c.Options()
}

// Exporter returns the exporter registered under name.
func (c *Context) Exporter(name string) (crawler.Exporter, bool) {
	exp, ok := c.Exporters[name]
	return exp, ok
}

// CountFetch records a page fetch.
func (c *Context) CountFetch() { c.fetches.Add(1) }

// CountExport records an exported item.
func (c *Context) CountExport() { c.exported.Add(1) }

func (c *Context) countEmit() { c.emitted.Add(1) }

// Usage snapshots the counters.
func (c *Context) Usage() Usage {
	return Usage{
		Fetches:  c.fetches.Load(),
		Emitted:  c.emitted.Load(),
		Exported: c.exported.Load(),
	}
}

func (c *Context) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
