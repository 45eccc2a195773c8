package reconcile

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	"github.com/samber/mo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
	"github.com/JakeFAU/catalog-sync/internal/metrics"
	"github.com/JakeFAU/catalog-sync/internal/snapshot"
)

// Change is a pending write for one identifier. Price and ComparePrice are set
// only when they should be written.
type Change struct {
	ID           string
	Quantity     int
	Price        mo.Option[decimal.Decimal]
	ComparePrice mo.Option[decimal.Decimal]
	Previous     catalog.SnapshotEntry
}

// StoreKey is the identifier the store row is keyed by.
func (c Change) StoreKey() string {
	if c.Previous.Key != "" {
		return c.Previous.Key
	}
	return c.ID
}

// Partition is the classification of one batch of items.
type Partition struct {
	Unchanged []catalog.Item
	Changed   []Change
	New       []catalog.Item

	changedCount int
}

// ChangedCount returns how many items were classified as changed, including
// repeat observations of the same identifier.
func (p Partition) ChangedCount() int {
	return p.changedCount
}

// Total returns the number of items classified.
func (p Partition) Total() int {
	return len(p.Unchanged) + p.changedCount + len(p.New)
}

// Discovery receives identifiers that are not in the snapshot.
type Discovery interface {
	Discover(ctx context.Context, category string, items []catalog.Item) error
}

// Notifier is told which identifiers were written in a pass.
type Notifier interface {
	Notify(ctx context.Context, category string, ids []string) error
}

// PassResult summarizes one reconciliation pass.
type PassResult struct {
	Fed       int
	Unchanged int
	Changed   int
	New       int
	Applied   []string
	Missing   []string
	Failed    []string
}

// Engine classifies items against the snapshot cache and drives the planner.
// Passes must not run concurrently.
type Engine struct {
	category  string
	cache     *snapshot.Cache
	planner   *Planner
	discovery Discovery
	notifier  Notifier
	logger    *zap.Logger
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithDiscovery routes unknown-new items to d.
func WithDiscovery(d Discovery) EngineOption {
	return func(e *Engine) { e.discovery = d }
}

// WithNotifier reports applied identifiers to n.
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) { e.notifier = n }
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine builds an Engine for one category.
func NewEngine(category string, cache *snapshot.Cache, planner *Planner, opts ...EngineOption) (*Engine, error) {
	if category == "" {
		return nil, fmt.Errorf("engine category is required")
	}
	if cache == nil || planner == nil {
		return nil, fmt.Errorf("engine requires a snapshot cache and a planner")
	}
	e := &Engine{category: category, cache: cache, planner: planner, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Classify partitions items without side effects. When an identifier is
// observed more than once in the same call its last observation decides the
// pending write: a later changed observation replaces it and a later
// unchanged one drops it.
func (e *Engine) Classify(items []catalog.Item) Partition {
	var part Partition
	pending := make(map[string]Change)
	var order []string
	for _, it := range items {
		class, change := e.classify(it)
		switch class {
		case catalog.Unchanged:
			part.Unchanged = append(part.Unchanged, it)
			delete(pending, it.ID)
		case catalog.UnknownNew:
			part.New = append(part.New, it)
		case catalog.Changed:
			part.changedCount++
			if _, queued := pending[change.ID]; !queued {
				order = append(order, change.ID)
			}
			pending[change.ID] = change
		}
	}
	for _, id := range order {
		if c, ok := pending[id]; ok {
			part.Changed = append(part.Changed, c)
			delete(pending, id)
		}
	}
	return part
}

func (e *Engine) classify(it catalog.Item) (catalog.Classification, Change) {
	entry, ok := e.cache.Get(it.ID)
	if !ok {
		return catalog.UnknownNew, Change{}
	}
	quantityDiffers := it.Quantity != entry.Quantity
	priceDiffers := false
	observed, hasPrice := it.Price.Get()
	if hasPrice {
		cached, hasCached := entry.Price.Get()
		priceDiffers = !hasCached || !observed.Equal(cached)
	}
	if !quantityDiffers && !priceDiffers {
		return catalog.Unchanged, Change{}
	}

	change := Change{ID: it.ID, Quantity: it.Quantity, Previous: entry}
	if priceDiffers {
		change.Price = mo.Some(observed)
		change.ComparePrice = comparePrice(it, entry, observed)
	}
	return catalog.Changed, change
}

// comparePrice picks the pre-markdown price to show next to a sale price.
// An explicit "was" price wins; for generic markdowns the stored price stands in
// for it when it is higher than the observed one.
func comparePrice(it catalog.Item, entry catalog.SnapshotEntry, observed decimal.Decimal) mo.Option[decimal.Decimal] {
	if was, ok := it.WasPrice.Get(); ok {
		if was.GreaterThan(observed) {
			return mo.Some(was)
		}
		return mo.None[decimal.Decimal]()
	}
	if !it.GenericMarkdown {
		return mo.None[decimal.Decimal]()
	}
	if stored, ok := entry.Price.Get(); ok && stored.GreaterThan(observed) {
		return mo.Some(stored)
	}
	return mo.None[decimal.Decimal]()
}

// Reconcile classifies items, writes the changed ones and updates the cache for
// every identifier whose write landed.
func (e *Engine) Reconcile(ctx context.Context, items []catalog.Item) (PassResult, error) {
	part := e.Classify(items)
	res := PassResult{
		Fed:       len(items),
		Unchanged: len(part.Unchanged),
		Changed:   part.changedCount,
		New:       len(part.New),
	}
	metrics.ObserveItems(string(catalog.Unchanged), res.Unchanged)
	metrics.ObserveItems(string(catalog.Changed), res.Changed)
	metrics.ObserveItems(string(catalog.UnknownNew), res.New)

	if len(part.New) > 0 && e.discovery != nil {
		if err := e.discovery.Discover(ctx, e.category, part.New); err != nil {
			e.logger.Warn("discovery routing failed", zap.Int("items", len(part.New)), zap.Error(err))
		}
	}

	if len(part.Changed) > 0 {
		plan, err := e.planner.Apply(ctx, part.Changed)
		res.Missing = plan.Missing
		res.Failed = plan.Failed
		byID := lo.KeyBy(part.Changed, func(c Change) string { return c.ID })
		for _, id := range plan.Applied {
			c := byID[id]
			e.cache.Apply(id, c.Quantity, c.Price)
		}
		res.Applied = plan.Applied
		if len(plan.Applied) > 0 && e.notifier != nil {
			if nerr := e.notifier.Notify(ctx, e.category, plan.Applied); nerr != nil {
				e.logger.Warn("change notification failed", zap.Int("ids", len(plan.Applied)), zap.Error(nerr))
			}
		}
		if err != nil {
			return res, fmt.Errorf("apply changes: %w", err)
		}
	}

	e.logger.Info("reconciliation pass complete",
		zap.Int("fed", res.Fed),
		zap.Int("unchanged", res.Unchanged),
		zap.Int("changed", res.Changed),
		zap.Int("new", res.New),
		zap.Int("applied", len(res.Applied)),
		zap.Int("missing", len(res.Missing)),
		zap.Int("failed", len(res.Failed)),
	)
	return res, nil
}
