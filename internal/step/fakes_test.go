package step

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/relay-scraper/internal/crawler"
	"github.com/JakeFAU/relay-scraper/internal/document"
	"github.com/JakeFAU/relay-scraper/internal/pipeline"
	"go.uber.org/zap"
)

type stubFetcher struct {
	pages map[string]string
	err   error
	calls atomic.Int64
}

func (f *stubFetcher) Fetch(_ context.Context, url string, _ crawler.FetchOptions) (*document.Document, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	html, ok := f.pages[url]
	if !ok {
		return nil, nil
	}
	return &document.Document{URL: url, HTML: html, Body: html, Status: 200}, nil
}

// stubCrawler yields Results for every source URL and counts how many
// items the consumer actually pulled.
type stubCrawler struct {
	results []crawler.Item
	err     error
	pulled  atomic.Int64
	mu      sync.Mutex
	queries []string
}

func (c *stubCrawler) Run(_ context.Context, url, query string, _ crawler.CrawlOptions) iter.Seq2[crawler.Item, error] {
	c.mu.Lock()
	c.queries = append(c.queries, url+"|"+query)
	c.mu.Unlock()
	return func(yield func(crawler.Item, error) bool) {
		for _, item := range c.results {
			c.pulled.Add(1)
			if !yield(item.Clone(), nil) {
				return
			}
		}
		if c.err != nil {
			yield(nil, c.err)
		}
	}
}

type stubExtractor struct {
	results []crawler.Item
	err     error
	calls   atomic.Int64
	lastDoc atomic.Pointer[document.Document]
}

func (e *stubExtractor) Extract(_ context.Context, doc *document.Document, _ map[string]string, _ bool) ([]crawler.Item, error) {
	e.calls.Add(1)
	e.lastDoc.Store(doc)
	if e.err != nil {
		return nil, e.err
	}
	out := make([]crawler.Item, 0, len(e.results))
	for _, r := range e.results {
		out = append(out, r.Clone())
	}
	return out, nil
}

type stubExporter struct {
	mu    sync.Mutex
	items []crawler.Item
	err   error
}

func (e *stubExporter) Export(_ context.Context, item crawler.Item) error {
	if e.err != nil {
		return e.err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.items = append(e.items, item)
	return nil
}

var errUpstream = errors.New("upstream unavailable")

func newContext() *pipeline.Context {
	return &pipeline.Context{Logger: zap.NewNop()}
}

// drive runs one step over a single input and collects what it emits.
func drive(ctx context.Context, s pipeline.Step, pctx *pipeline.Context, input crawler.Item) ([]crawler.Item, error) {
	var out []crawler.Item
	err := s.Process(ctx, pipeline.Cursor{Item: input, Ctx: pctx}, func(item crawler.Item) bool {
		out = append(out, item)
		return false
	})
	return out, err
}
