// Package exporter holds crawler.Exporter implementations that are built on
// other storage primitives.
package exporter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"go.uber.org/zap"

	"github.com/JakeFAU/relay-scraper/internal/crawler"
)

// BlobConfig controls object naming.
type BlobConfig struct {
	// Prefix is the leading path segment; defaults to "items".
	Prefix string
}

// Blob writes each item as a JSON object named by its content hash under a
// per-day directory, so re-exporting an identical item overwrites in place.
type Blob struct {
	store  crawler.BlobStore
	hasher crawler.Hasher
	clock  crawler.Clock
	prefix string
	logger *zap.Logger
}

// NewBlob builds a Blob exporter.
func NewBlob(store crawler.BlobStore, hasher crawler.Hasher, clock crawler.Clock, cfg BlobConfig, logger *zap.Logger) (*Blob, error) {
	if store == nil || hasher == nil || clock == nil {
		return nil, errors.New("blob exporter needs a store, hasher and clock")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "items"
	}
	return &Blob{store: store, hasher: hasher, clock: clock, prefix: prefix, logger: logger}, nil
}

// Export implements crawler.Exporter. Page HTML carried under _html is
// not written.
func (b *Blob) Export(ctx context.Context, item crawler.Item) error {
	payload := item.Clone()
	delete(payload, crawler.KeyHTML)
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	sum, err := b.hasher.Hash(data)
	if err != nil {
		return fmt.Errorf("hash item: %w", err)
	}
	key := path.Join(b.prefix, b.clock.Now().Format("2006/01/02"), sum+".json")
	uri, err := b.store.PutObject(ctx, key, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("store item: %w", err)
	}
	b.logger.Debug("item stored", zap.String("uri", uri), zap.String("url", item.URL()))
	return nil
}
