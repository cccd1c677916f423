package crawler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/relay-scraper/internal/document"
)

// LinkCrawlerConfig controls link discovery.
type LinkCrawlerConfig struct {
	// DenyDomains drops candidates on matching hosts ("example.org", "*.ru").
	DenyDomains []string
	// AllowDomains, when set, keeps only candidates on matching hosts.
	AllowDomains []string
}

// LinkCrawler discovers candidate pages by scoring anchors on listing pages
// against a free-text query. It follows rel=next pagination up to MaxPages.
type LinkCrawler struct {
	fetcher Fetcher
	hosts   hostFilter
	logger  *zap.Logger
}

// NewLinkCrawler wires a LinkCrawler around fetcher.
func NewLinkCrawler(fetcher Fetcher, cfg LinkCrawlerConfig, logger *zap.Logger) *LinkCrawler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LinkCrawler{
		fetcher: fetcher,
		hosts:   newHostFilter(cfg.AllowDomains, cfg.DenyDomains),
		logger:  logger,
	}
}

type candidate struct {
	url   string
	text  string
	score int
	order int
}

// Run yields one item per matching link, best matches of each page first.
// Items carry _url, title and _sourceUrl (the listing page they came from).
func (c *LinkCrawler) Run(ctx context.Context, seed, query string, opts CrawlOptions) iter.Seq2[Item, error] {
	return func(yield func(Item, error) bool) {
		if seed == "" {
			yield(nil, errors.New("crawl: seed url is required"))
			return
		}
		pages := max(opts.MaxPages, 1)
		terms := queryTerms(query)
		seen := map[string]struct{}{}
		next := seed

		for page := 0; page < pages && next != ""; page++ {
			if err := ctx.Err(); err != nil {
				yield(nil, fmt.Errorf("crawl canceled: %w", err))
				return
			}
			doc, err := c.fetcher.Fetch(ctx, next, opts.Fetch)
			if err != nil {
				yield(nil, fmt.Errorf("fetch listing %s: %w", next, err))
				return
			}
			if doc == nil {
				c.logger.Warn("listing fetch produced no document", zap.String("url", next))
				return
			}
			pageURL := cmp.Or(doc.URL, next)
			base, err := url.Parse(pageURL)
			if err != nil {
				yield(nil, fmt.Errorf("parse listing url: %w", err))
				return
			}
			links, err := doc.Links(opts.CSS)
			if err != nil {
				yield(nil, err)
				return
			}
			seen[seenKey(pageURL)] = struct{}{}
			following := ""
			if page+1 < pages {
				following = nextPage(doc, base, seen)
				if following != "" {
					seen[seenKey(following)] = struct{}{}
				}
			}
			ranked := c.rank(base, links, terms, seen)
			c.logger.Debug("crawled listing page",
				zap.String("url", pageURL),
				zap.Int("page", page+1),
				zap.Int("links", len(links)),
				zap.Int("candidates", len(ranked)),
			)
			for _, cand := range ranked {
				item := Item{
					KeyURL:       cand.url,
					"title":      cand.text,
					KeySourceURL: pageURL,
				}
				if !yield(item, nil) {
					return
				}
			}
			next = following
		}
	}
}

func (c *LinkCrawler) rank(base *url.URL, links []document.Link, terms []string, seen map[string]struct{}) []candidate {
	var out []candidate
	for i, link := range links {
		abs, ok := ResolveLink(base, link.Href)
		if !ok {
			continue
		}
		key := seenKey(abs)
		if _, dup := seen[key]; dup {
			continue
		}
		if u, err := url.Parse(abs); err == nil && !c.hosts.permits(u.Hostname()) {
			continue
		}
		score := scoreLink(link, abs, terms)
		if len(terms) > 0 && score == 0 {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, candidate{url: abs, text: link.Text, score: score, order: i})
	}
	slices.SortStableFunc(out, func(a, b candidate) int {
		return cmp.Compare(b.score, a.score)
	})
	return out
}

func scoreLink(link document.Link, abs string, terms []string) int {
	text := strings.ToLower(link.Text)
	href := strings.ToLower(abs)
	score := 0
	for _, term := range terms {
		if strings.Contains(text, term) {
			score += 2
		}
		if strings.Contains(href, term) {
			score++
		}
	}
	return score
}

// queryTerms splits a query into lowercase terms. "*" or an empty query
// matches every link.
func queryTerms(query string) []string {
	query = strings.TrimSpace(strings.ToLower(query))
	if query == "" || query == "*" {
		return nil
	}
	var terms []string
	for _, f := range strings.Fields(query) {
		if len(f) > 1 {
			terms = append(terms, f)
		}
	}
	return terms
}

var nextPageTexts = []string{"next", "next page", "›", "»", ">"}

func nextPage(doc *document.Document, base *url.URL, seen map[string]struct{}) string {
	links, err := doc.Links("")
	if err != nil {
		return ""
	}
	dom, err := doc.Parse()
	if err == nil {
		if href, ok := dom.Find(`a[rel="next"]`).First().Attr("href"); ok {
			if abs, ok := ResolveLink(base, href); ok {
				if _, dup := seen[seenKey(abs)]; !dup {
					return abs
				}
			}
		}
	}
	for _, link := range links {
		if !slices.Contains(nextPageTexts, strings.ToLower(link.Text)) {
			continue
		}
		abs, ok := ResolveLink(base, link.Href)
		if !ok {
			continue
		}
		if _, dup := seen[seenKey(abs)]; !dup {
			return abs
		}
	}
	return ""
}

// seenKey folds case, default ports and query order so the same page is
// only yielded once.
func seenKey(abs string) string {
	if n, err := NormalizeURL(abs); err == nil {
		return n
	}
	return abs
}
