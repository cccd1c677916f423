// Package crawler defines the item model and the collaborator contracts
// (fetchers, crawl engines, extractors, exporters) shared by the pipeline
// steps, plus a goquery-backed link crawler.
package crawler
