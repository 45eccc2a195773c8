package run

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
	"github.com/JakeFAU/catalog-sync/internal/checkpoint"
	"github.com/JakeFAU/catalog-sync/internal/crawl"
	"github.com/JakeFAU/catalog-sync/internal/parser/selector"
	"github.com/JakeFAU/catalog-sync/internal/reconcile"
	"github.com/JakeFAU/catalog-sync/internal/stopdetect"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type columnWrite struct {
	column catalog.Column
	ids    []string
}

type memInventory struct {
	mu      sync.Mutex
	entries []catalog.SnapshotEntry
	loadErr error
	writes  []columnWrite
}

func (m *memInventory) LoadSnapshot(context.Context, string) ([]catalog.SnapshotEntry, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.entries, nil
}

func (m *memInventory) UpdateColumn(_ context.Context, _ string, column catalog.Column,
	_ []catalog.Assignment, ids []string, _ time.Time,
) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, columnWrite{column: column, ids: slices.Clone(ids)})
	return int64(len(ids)), nil
}

func (m *memInventory) Verify(_ context.Context, _ string, ids []string, _ time.Time) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

func (m *memInventory) written() []columnWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.writes)
}

type recordingDiscovery struct {
	mu  sync.Mutex
	ids []string
}

func (d *recordingDiscovery) Discover(_ context.Context, _ string, items []catalog.Item) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, it := range items {
		d.ids = append(d.ids, it.ID)
	}
	return nil
}

// listingFetcher serves the pages it knows and 404s everything else.
type listingFetcher struct {
	mu       sync.Mutex
	pages    map[int]string
	requests []catalog.FetchRequest
	hook     func(ctx context.Context, req catalog.FetchRequest, attempt int) error
}

func (f *listingFetcher) Fetch(ctx context.Context, req catalog.FetchRequest) (catalog.FetchResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	attempt := 0
	for _, r := range f.requests {
		if r.Page == req.Page {
			attempt++
		}
	}
	body, ok := f.pages[req.Page]
	f.mu.Unlock()

	if f.hook != nil {
		if err := f.hook(ctx, req, attempt); err != nil {
			return catalog.FetchResponse{}, err
		}
	}
	if !ok {
		return catalog.FetchResponse{URL: req.URL, StatusCode: http.StatusNotFound}, &catalog.FetchError{
			Kind:   catalog.KindEnd,
			URL:    req.URL,
			Status: http.StatusNotFound,
			Err:    catalog.ErrNoMoreResults,
		}
	}
	return catalog.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(body)}, nil
}

func (f *listingFetcher) requestedPages() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, 0, len(f.requests))
	for _, r := range f.requests {
		out = append(out, r.Page)
	}
	return out
}

func (f *listingFetcher) firstRequest(page int) (catalog.FetchRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.requests {
		if r.Page == page {
			return r, true
		}
	}
	return catalog.FetchRequest{}, false
}

// listing renders items given as "ID|quantity|price".
func listing(items ...string) string {
	var b strings.Builder
	b.WriteString("<html><body><ul>")
	for _, it := range items {
		parts := strings.Split(it, "|")
		fmt.Fprintf(&b, `<li class="product"><span class="sku">%s</span><span class="qty">%s</span><span class="price">%s</span><span class="avail">In stock</span></li>`,
			parts[0], parts[1], parts[2])
	}
	b.WriteString("</ul></body></html>")
	return b.String()
}

func entry(id string, qty int, price string) catalog.SnapshotEntry {
	e := catalog.SnapshotEntry{ID: id, Quantity: qty}
	if price != "" {
		e.Price = mo.Some(decimal.RequireFromString(price))
	}
	return e
}

type harness struct {
	runner      *Runner
	inventory   *memInventory
	fetcher     *listingFetcher
	discovery   *recordingDiscovery
	checkpoints *checkpoint.FileStore
}

func testOptions() Options {
	return Options{
		RunID:    "run-test",
		Category: "kitchen",
		PageURL:  func(page int) string { return fmt.Sprintf("https://shop.test/kitchen?page=%d", page) },
		Scheduler: crawl.Config{
			Workers:      2,
			PollInterval: 10 * time.Millisecond,
			DrainGrace:   time.Second,
		},
		Retry: crawl.CoordinatorConfig{Workers: 1, PollInterval: 10 * time.Millisecond},
		Stop:  stopdetect.Config{Threshold: 30, Mode: stopdetect.ModeBackordered},
		Planner: reconcile.PlannerConfig{
			Category:       "kitchen",
			BatchSize:      reconcile.DefaultBatchSize,
			LockRetryDelay: time.Millisecond,
		},
		FlushSize:  10,
		DedupeSize: 100,
	}
}

func newHarness(t *testing.T, opts Options, inventory *memInventory, fetcher *listingFetcher) *harness {
	t.Helper()
	parser, err := selector.New(selector.Config{
		Item:         "li.product",
		ID:           ".sku",
		Quantity:     ".qty",
		Price:        ".price",
		Availability: ".avail",
	})
	require.NoError(t, err)
	store, err := checkpoint.NewFileStore(filepath.Join(t.TempDir(), "checkpoint.json"))
	require.NoError(t, err)
	discovery := &recordingDiscovery{}
	runner, err := New(opts, Deps{
		Inventory:   inventory,
		Discovery:   discovery,
		Fetcher:     fetcher,
		Parser:      parser,
		Checkpoints: store,
		Clock:       fixedClock{now: time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, err)
	return &harness{runner: runner, inventory: inventory, fetcher: fetcher, discovery: discovery, checkpoints: store}
}
