// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/relay-scraper/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ItemStoreConfig controls the Postgres connection pool used for item rows.
type ItemStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// ItemStore writes exported items into Postgres, one row per item.
type ItemStore struct {
	pool   execCloser
	table  string
	ids    crawler.IDGenerator
	hasher crawler.Hasher
	clock  crawler.Clock
}

// Deps are the collaborators an ItemStore needs for row metadata.
type Deps struct {
	IDs    crawler.IDGenerator
	Hasher crawler.Hasher
	Clock  crawler.Clock
}

// NewItemStore creates a Postgres-backed ItemStore using the provided config.
func NewItemStore(ctx context.Context, cfg ItemStoreConfig, deps Deps) (*ItemStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewItemStoreWithPool(pool, cfg.Table, deps)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewItemStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewItemStoreWithPool(pool execCloser, table string, deps Deps) (*ItemStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if deps.IDs == nil || deps.Hasher == nil || deps.Clock == nil {
		return nil, errors.New("item store needs ids, hasher and clock")
	}
	if table == "" {
		table = "scraped_items"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ItemStore{
		pool:   pool,
		table:  table,
		ids:    deps.IDs,
		hasher: deps.Hasher,
		clock:  deps.Clock,
	}, nil
}

// Close releases the underlying pool resources.
func (s *ItemStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Export implements crawler.Exporter by inserting the item as a JSONB row.
// Rows with an existing content hash are left untouched.
func (s *ItemStore) Export(ctx context.Context, item crawler.Item) error {
	if s == nil || s.pool == nil {
		return errors.New("item store is not configured")
	}
	payload := item.Clone()
	delete(payload, crawler.KeyHTML)
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	sum, err := s.hasher.Hash(data)
	if err != nil {
		return fmt.Errorf("hash item: %w", err)
	}
	id, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("item id: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	item_url,
	source_url,
	content_hash,
	payload,
	exported_at
) VALUES (
	$1,$2,$3,$4,$5,$6
) ON CONFLICT (content_hash) DO NOTHING`, s.table)

	args := []any{
		id,
		item.URL(),
		sourceURL(item),
		sum,
		data,
		s.clock.Now(),
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

func sourceURL(item crawler.Item) string {
	if v, ok := item[crawler.KeySourceURL].(string); ok {
		return v
	}
	meta, _ := item[crawler.KeyMeta].(map[string]any)
	src, _ := meta["source"].(map[string]any)
	v, _ := src["url"].(string)
	return v
}
