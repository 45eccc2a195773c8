package reconcile

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type updateCall struct {
	column      catalog.Column
	ids         []string
	assignments []catalog.Assignment
	at          time.Time
}

type verifyCall struct {
	ids   []string
	since time.Time
}

// fakeWriter records every statement and answers through the configured funcs.
type fakeWriter struct {
	mu       sync.Mutex
	updates  []updateCall
	verifies []verifyCall

	affected  func(call int, ids []string) int64
	verify    func(call int, ids []string) map[string]bool
	updateErr error
}

func (f *fakeWriter) UpdateColumn(_ context.Context, _ string, column catalog.Column,
	assignments []catalog.Assignment, ids []string, at time.Time,
) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := len(f.updates)
	f.updates = append(f.updates, updateCall{
		column:      column,
		ids:         append([]string(nil), ids...),
		assignments: append([]catalog.Assignment(nil), assignments...),
		at:          at,
	})
	if f.updateErr != nil {
		return 0, f.updateErr
	}
	if f.affected != nil {
		return f.affected(call, ids), nil
	}
	return int64(len(ids)), nil
}

func (f *fakeWriter) Verify(_ context.Context, _ string, ids []string, since time.Time) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := len(f.verifies)
	f.verifies = append(f.verifies, verifyCall{ids: append([]string(nil), ids...), since: since})
	if f.verify == nil {
		out := make(map[string]bool, len(ids))
		for _, id := range ids {
			out[id] = true
		}
		return out, nil
	}
	return f.verify(call, ids), nil
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func price(s string) mo.Option[decimal.Decimal] {
	return mo.Some(decimal.RequireFromString(s))
}

func skus(from, to int) []string {
	out := make([]string, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, fmt.Sprintf("SKU-%03d", i))
	}
	return out
}

func quantityChanges(ids []string) []Change {
	out := make([]Change, 0, len(ids))
	for i, id := range ids {
		out = append(out, Change{ID: id, Quantity: i + 1})
	}
	return out
}

func newTestPlanner(t *testing.T, w Writer) *Planner {
	t.Helper()
	p, err := NewPlanner(PlannerConfig{
		Category:       "tiles",
		BatchSize:      300,
		LockRetries:    5,
		LockRetryDelay: time.Millisecond,
	}, w, fixedClock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}, nil)
	require.NoError(t, err)
	return p
}
