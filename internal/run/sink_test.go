package run

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
	"github.com/JakeFAU/catalog-sync/internal/reconcile"
)

type recordingReconciler struct {
	passes [][]catalog.Item
	err    error
}

func (r *recordingReconciler) Reconcile(_ context.Context, items []catalog.Item) (reconcile.PassResult, error) {
	r.passes = append(r.passes, items)
	return reconcile.PassResult{Fed: len(items), Unchanged: len(items), Failed: []string{"Z"}}, r.err
}

func record(id, qty, price string) catalog.ObservedRecord {
	return catalog.ObservedRecord{ID: id, Quantity: qty, Price: price, Availability: catalog.AvailabilityInStock}
}

func TestSinkDropsIdenticalObservations(t *testing.T) {
	t.Parallel()

	rec := &recordingReconciler{}
	sink, err := NewSink(rec, 10, 100, nil)
	require.NoError(t, err)

	require.NoError(t, sink.Accept(context.Background(), 1, []catalog.ObservedRecord{
		record("a", "1", "2.00"),
		record("B", "1", "2.00"),
	}))
	require.NoError(t, sink.Accept(context.Background(), 2, []catalog.ObservedRecord{
		record(" A ", "1", "$2.00"),
		record("B", "2", "2.00"),
	}))
	require.NoError(t, sink.Flush(context.Background()))

	require.Len(t, rec.passes, 1)
	assert.Len(t, rec.passes[0], 3)
	stats := sink.Stats()
	assert.Equal(t, 4, stats.Observed)
	assert.Equal(t, 1, stats.Duplicates)
	assert.Equal(t, 3, stats.Fed)
}

func TestSinkFlushesWhenBufferFills(t *testing.T) {
	t.Parallel()

	rec := &recordingReconciler{}
	sink, err := NewSink(rec, 2, 100, nil)
	require.NoError(t, err)

	require.NoError(t, sink.Accept(context.Background(), 1, []catalog.ObservedRecord{record("A", "1", "")}))
	assert.Empty(t, rec.passes)
	require.NoError(t, sink.Accept(context.Background(), 2, []catalog.ObservedRecord{record("B", "1", "")}))
	require.Len(t, rec.passes, 1)

	require.NoError(t, sink.Flush(context.Background()))
	assert.Len(t, rec.passes, 1, "empty buffer does not run a pass")

	_, failed := sink.Unresolved()
	assert.Equal(t, []string{"Z"}, failed)
}

func TestSinkCountsRejections(t *testing.T) {
	t.Parallel()

	sink, err := NewSink(&recordingReconciler{}, 10, 100, nil)
	require.NoError(t, err)
	require.NoError(t, sink.Accept(context.Background(), 1, []catalog.ObservedRecord{
		record("", "1", "1.00"),
		record("A", "1", "1.00"),
	}))
	assert.Equal(t, 1, sink.Stats().Rejected)
}

func TestSinkPropagatesReconcileError(t *testing.T) {
	t.Parallel()

	sink, err := NewSink(&recordingReconciler{err: context.Canceled}, 1, 100, nil)
	require.NoError(t, err)
	err = sink.Accept(context.Background(), 1, []catalog.ObservedRecord{record("A", "1", "")})
	require.ErrorIs(t, err, context.Canceled)

	_, err = NewSink(nil, 1, 1, nil)
	require.Error(t, err)
}
