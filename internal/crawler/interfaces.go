package crawler

import (
	"context"
	"io"
	"iter"
	"time"

	"github.com/JakeFAU/relay-scraper/internal/document"
)

// Fetcher retrieves a page. A nil document with a nil error means the fetch
// produced nothing (for example a relay timeout) and the caller should skip it.
type Fetcher interface {
	Fetch(ctx context.Context, url string, opts FetchOptions) (*document.Document, error)
}

// Crawler discovers candidate items starting from a seed URL. The sequence
// stops as soon as the consumer stops pulling.
type Crawler interface {
	Run(ctx context.Context, url, query string, opts CrawlOptions) iter.Seq2[Item, error]
}

// Extractor answers questions about a document, one item per answer set.
type Extractor interface {
	Extract(ctx context.Context, doc *document.Document, questions map[string]string, single bool) ([]Item, error)
}

// Exporter ships a finished item somewhere.
type Exporter interface {
	Export(ctx context.Context, item Item) error
}

// Presigner mints a URL the holder can PUT an object to without credentials.
type Presigner interface {
	PresignPut(ctx context.Context, key, contentType string) (string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run and correlation IDs.
type IDGenerator interface {
	NewID() (string, error)
}
