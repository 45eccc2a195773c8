package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
)

// DiscoveryStore records identifiers seen on the storefront but absent from the
// inventory table. It never touches the inventory table itself.
type DiscoveryStore struct {
	db    querier
	table string
	now   func() time.Time
}

// NewDiscoveryStore wraps a pool for discovery writes.
func NewDiscoveryStore(db querier, table string, now func() time.Time) (*DiscoveryStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "catalog_discoveries"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &DiscoveryStore{db: db, table: table, now: now}, nil
}

// Discover upserts items in one statement, refreshing last_seen_at and the
// latest observed values for identifiers already recorded.
func (s *DiscoveryStore) Discover(ctx context.Context, category string, items []catalog.Item) error {
	items = lo.UniqBy(items, func(it catalog.Item) string { return it.ID })
	if len(items) == 0 {
		return nil
	}
	ids := make([]string, len(items))
	brands := make([]string, len(items))
	quantities := make([]int32, len(items))
	prices := make([]*string, len(items))
	urls := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
		brands[i] = it.Brand
		quantities[i] = int32(min(it.Quantity, 1<<31-1))
		if p, ok := it.Price.Get(); ok {
			prices[i] = lo.ToPtr(p.String())
		}
		urls[i] = it.SourceURL
	}
	query := fmt.Sprintf(`
INSERT INTO %s (category, sku, brand, quantity, price, source_url, first_seen_at, last_seen_at)
SELECT $1, u.sku, u.brand, u.quantity, u.price::numeric, u.source_url, $7, $7
FROM unnest($2::text[], $3::text[], $4::integer[], $5::text[], $6::text[])
	AS u(sku, brand, quantity, price, source_url)
ON CONFLICT (category, sku) DO UPDATE SET
	brand = EXCLUDED.brand,
	quantity = EXCLUDED.quantity,
	price = EXCLUDED.price,
	source_url = EXCLUDED.source_url,
	last_seen_at = EXCLUDED.last_seen_at`, s.table)

	if _, err := s.db.Exec(ctx, query, category, ids, brands, quantities, prices, urls, s.now()); err != nil {
		return fmt.Errorf("upsert discoveries: %w", err)
	}
	return nil
}
