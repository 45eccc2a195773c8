package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
)

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *InventoryStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewInventoryStore(mock, "")
	require.NoError(t, err)
	return mock, store
}

func TestLoadSnapshot(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	rows := pgxmock.NewRows([]string{"sku", "quantity", "price"}).
		AddRow("A", 5, lo.ToPtr("100.00")).
		AddRow("B", 0, (*string)(nil))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT sku, quantity, price::text FROM inventory_items WHERE category = $1")).
		WithArgs("tiles").
		WillReturnRows(rows)

	entries, err := store.LoadSnapshot(context.Background(), "tiles")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "A", entries[0].ID)
	assert.Equal(t, "A", entries[0].Key)
	assert.Equal(t, 5, entries[0].Quantity)
	assert.True(t, entries[0].Price.MustGet().Equal(decimal.NewFromInt(100)))
	assert.True(t, entries[1].Price.IsAbsent())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadSnapshotQueryError(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectQuery("SELECT sku").WithArgs("tiles").WillReturnError(errors.New("relation does not exist"))

	_, err := store.LoadSnapshot(context.Background(), "tiles")
	require.ErrorContains(t, err, "query snapshot")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateColumnBuildsCaseStatement(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	ids := []string{"A", "B", "C"}

	want := "UPDATE inventory_items SET quantity = CASE sku WHEN $4 THEN $5::integer WHEN $6 THEN $7::integer " +
		"ELSE quantity END, synced_at = $1 WHERE category = $2 AND sku = ANY($3::text[])"
	mock.ExpectExec(regexp.QuoteMeta(want)).
		WithArgs(at, "tiles", ids, "A", 5, "B", 7).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	affected, err := store.UpdateColumn(context.Background(), "tiles", catalog.ColumnQuantity,
		[]catalog.Assignment{{ID: "A", Value: 5}, {ID: "B", Value: 7}}, ids, at)
	require.NoError(t, err)
	assert.EqualValues(t, 3, affected)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateColumnPriceUsesNumericText(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("SET compare_price = CASE sku WHEN $4 THEN $5::numeric ELSE compare_price END")).
		WithArgs(at, "tiles", []string{"A"}, "A", "19.99").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	_, err := store.UpdateColumn(context.Background(), "tiles", catalog.ColumnComparePrice,
		[]catalog.Assignment{{ID: "A", Value: decimal.RequireFromString("19.99")}}, []string{"A"}, at)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildColumnUpdateRejectsBadInput(t *testing.T) {
	t.Parallel()

	at := time.Now()
	_, _, err := buildColumnUpdate("t", "c", catalog.ColumnQuantity, nil, []string{"A"}, at)
	require.Error(t, err)
	_, _, err = buildColumnUpdate("t", "c", catalog.Column("name"), []catalog.Assignment{{ID: "A", Value: 1}}, []string{"A"}, at)
	require.Error(t, err)
	_, _, err = buildColumnUpdate("t", "c", catalog.ColumnQuantity, []catalog.Assignment{{ID: "A", Value: "1"}}, []string{"A"}, at)
	require.Error(t, err)
	_, _, err = buildColumnUpdate("t", "c", catalog.ColumnPrice, []catalog.Assignment{{ID: "A", Value: 1}}, []string{"A"}, at)
	require.Error(t, err)
	_, _, err = buildColumnUpdate("t", "c", catalog.ColumnQuantity,
		[]catalog.Assignment{{ID: "A", Value: 3_000_000_000}}, []string{"A"}, at)
	require.ErrorContains(t, err, "out of range")
}

func TestVerifyReturnsFreshness(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	since := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	ids := []string{"A", "B", "GHOST"}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT sku, COALESCE(synced_at >= $3, false) FROM inventory_items")).
		WithArgs("tiles", ids, since).
		WillReturnRows(pgxmock.NewRows([]string{"sku", "fresh"}).AddRow("A", true).AddRow("B", false))

	got, err := store.Verify(context.Background(), "tiles", ids, since)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"A": true, "B": false}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewInventoryStoreValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewInventoryStore(mock, "inventory; DROP TABLE x")
	require.Error(t, err)
	_, err = NewInventoryStore(nil, "inventory")
	require.Error(t, err)
}

func TestUpdateColumnMatchesStoredKeyVerbatim(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta(
		"UPDATE inventory_items SET quantity = CASE sku WHEN $4 THEN $5::integer ELSE quantity END, " +
			"synced_at = $1 WHERE category = $2 AND sku = ANY($3::text[])")).
		WithArgs(at, "tiles", []string{"abc-1"}, "abc-1", 9).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	affected, err := store.UpdateColumn(context.Background(), "tiles", catalog.ColumnQuantity,
		[]catalog.Assignment{{ID: "abc-1", Value: 9}}, []string{"abc-1"}, at)
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)
	require.NoError(t, mock.ExpectationsWereMet())
}
