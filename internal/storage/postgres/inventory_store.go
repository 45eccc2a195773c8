package postgres

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/samber/mo"
	"github.com/shopspring/decimal"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
)

// InventoryStore reads and writes the primary inventory table. Rows are keyed
// by sku and scoped by category so catalogs sharing the table stay apart.
type InventoryStore struct {
	db    querier
	table string
}

// NewInventoryStore wraps a pool (a *pgxpool.Pool or a pgxmock pool in tests).
func NewInventoryStore(db querier, table string) (*InventoryStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "inventory_items"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &InventoryStore{db: db, table: table}, nil
}

// Close releases the underlying pool.
func (s *InventoryStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// LoadSnapshot returns every row of category.
func (s *InventoryStore) LoadSnapshot(ctx context.Context, category string) ([]catalog.SnapshotEntry, error) {
	query := fmt.Sprintf(`SELECT sku, quantity, price::text FROM %s WHERE category = $1`, s.table)
	rows, err := s.db.Query(ctx, query, category)
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	defer rows.Close()

	var out []catalog.SnapshotEntry
	for rows.Next() {
		var (
			sku      string
			quantity int
			price    *string
		)
		if err := rows.Scan(&sku, &quantity, &price); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		entry := catalog.SnapshotEntry{ID: sku, Key: sku, Quantity: quantity, Price: mo.None[decimal.Decimal]()}
		if price != nil {
			d, err := decimal.NewFromString(*price)
			if err != nil {
				return nil, fmt.Errorf("parse stored price for %s: %w", sku, err)
			}
			entry.Price = mo.Some(d)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot rows: %w", err)
	}
	return out, nil
}

// UpdateColumn issues one CASE-style update for column over ids. Ids without an
// assignment keep their value but still get synced_at stamped.
func (s *InventoryStore) UpdateColumn(ctx context.Context, category string, column catalog.Column,
	assignments []catalog.Assignment, ids []string, syncedAt time.Time,
) (int64, error) {
	query, args, err := buildColumnUpdate(s.table, category, column, assignments, ids, syncedAt)
	if err != nil {
		return 0, err
	}
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", column, err)
	}
	return tag.RowsAffected(), nil
}

// Verify reports, for each existing id, whether its synced_at is at or after since.
func (s *InventoryStore) Verify(ctx context.Context, category string, ids []string, since time.Time) (map[string]bool, error) {
	query := fmt.Sprintf(
		`SELECT sku, COALESCE(synced_at >= $3, false) FROM %s WHERE category = $1 AND sku = ANY($2::text[])`,
		s.table,
	)
	rows, err := s.db.Query(ctx, query, category, ids, since)
	if err != nil {
		return nil, fmt.Errorf("verify rows: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool, len(ids))
	for rows.Next() {
		var (
			sku   string
			fresh bool
		)
		if err := rows.Scan(&sku, &fresh); err != nil {
			return nil, fmt.Errorf("scan verify row: %w", err)
		}
		out[sku] = fresh
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate verify rows: %w", err)
	}
	return out, nil
}

func columnCast(column catalog.Column) (string, error) {
	switch column {
	case catalog.ColumnQuantity:
		return "integer", nil
	case catalog.ColumnPrice, catalog.ColumnComparePrice:
		return "numeric", nil
	default:
		return "", fmt.Errorf("unknown column %q", column)
	}
}

func columnValue(column catalog.Column, v any) (any, error) {
	switch column {
	case catalog.ColumnQuantity:
		n, ok := v.(int)
		if !ok {
			return nil, fmt.Errorf("quantity value must be int, got %T", v)
		}
		if n < 0 || n > math.MaxInt32 {
			return nil, fmt.Errorf("quantity %d out of range for integer column", n)
		}
		return n, nil
	default:
		d, ok := v.(decimal.Decimal)
		if !ok {
			return nil, fmt.Errorf("%s value must be decimal, got %T", column, v)
		}
		return d.String(), nil
	}
}

// buildColumnUpdate renders:
//
//	UPDATE t SET col = CASE sku WHEN $4 THEN $5::type ... ELSE col END, synced_at = $1
//	WHERE category = $2 AND sku = ANY($3::text[])
func buildColumnUpdate(table, category string, column catalog.Column,
	assignments []catalog.Assignment, ids []string, syncedAt time.Time,
) (string, []any, error) {
	if len(assignments) == 0 || len(ids) == 0 {
		return "", nil, fmt.Errorf("update %s: nothing to write", column)
	}
	cast, err := columnCast(column)
	if err != nil {
		return "", nil, err
	}
	args := make([]any, 0, 3+2*len(assignments))
	args = append(args, syncedAt, category, ids)

	var b strings.Builder
	fmt.Fprintf(&b, "UPDATE %s SET %s = CASE sku", table, column)
	for _, a := range assignments {
		v, err := columnValue(column, a.Value)
		if err != nil {
			return "", nil, fmt.Errorf("assignment for %s: %w", a.ID, err)
		}
		args = append(args, a.ID, v)
		fmt.Fprintf(&b, " WHEN $%d THEN $%d::%s", len(args)-1, len(args), cast)
	}
	fmt.Fprintf(&b, " ELSE %s END, synced_at = $1 WHERE category = $2 AND sku = ANY($3::text[])", column)
	return b.String(), args, nil
}
