// Package snapshot holds the in-memory baseline of last-known quantity and
// price per catalog identifier.
package snapshot

import (
	"context"
	"fmt"
	"sync"

	"github.com/samber/mo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
)

// Loader reads the authoritative state for one category.
type Loader interface {
	LoadSnapshot(ctx context.Context, category string) ([]catalog.SnapshotEntry, error)
}

// Cache maps normalized identifiers to their last-known state.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]catalog.SnapshotEntry
}

// New builds a Cache from entries. Identifiers are normalized and the first
// entry for an identifier wins; the number of discarded duplicates is returned.
// The stored form is kept in Key so writes still match the row.
func New(entries []catalog.SnapshotEntry) (*Cache, int) {
	c := &Cache{entries: make(map[string]catalog.SnapshotEntry, len(entries))}
	dupes := 0
	for _, e := range entries {
		id := catalog.NormalizeID(e.ID)
		if id == "" {
			continue
		}
		if _, ok := c.entries[id]; ok {
			dupes++
			continue
		}
		if e.Key == "" {
			e.Key = e.ID
		}
		e.ID = id
		c.entries[id] = e
	}
	return c, dupes
}

// Build loads the category from loader and constructs a Cache.
func Build(ctx context.Context, loader Loader, category string, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	entries, err := loader.LoadSnapshot(ctx, category)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	cache, dupes := New(entries)
	if dupes > 0 {
		logger.Warn("snapshot contained duplicate identifiers",
			zap.String("category", category),
			zap.Int("duplicates", dupes),
		)
	}
	logger.Info("snapshot cache built",
		zap.String("category", category),
		zap.Int("entries", cache.Len()),
	)
	return cache, nil
}

// Get returns the entry for a normalized identifier.
func (c *Cache) Get(id string) (catalog.SnapshotEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	return e, ok
}

// Apply records a successful write so later diffs in the same run see it.
// An absent price leaves the cached price untouched.
func (c *Cache) Apply(id string, quantity int, price mo.Option[decimal.Decimal]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return
	}
	e.Quantity = quantity
	if p, ok := price.Get(); ok {
		e.Price = mo.Some(p)
	}
	c.entries[id] = e
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
