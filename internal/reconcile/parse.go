// Package reconcile diffs observed catalog records against the snapshot cache
// and plans the batched writes that bring the store up to date.
package reconcile

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/samber/mo"
	"github.com/shopspring/decimal"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
)

// PriceScale is the number of decimal places the store keeps for prices.
const PriceScale = 2

var (
	digitsOnly   = regexp.MustCompile(`^\d+$`)
	decimalPrice = regexp.MustCompile(`^\d+(\.\d+)?$`)
)

// ParseQuantity strips thousands separators and parses an integer quantity.
// Empty or non-numeric text parses to 0. An error is returned only for digit
// strings that do not fit the store's 32-bit quantity column.
func ParseQuantity(raw string) (int, error) {
	s := strings.TrimSpace(strings.ReplaceAll(raw, ",", ""))
	if s == "" || !digitsOnly.MatchString(s) {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("quantity %q out of range: %w", raw, err)
	}
	return int(n), nil
}

// ParsePrice parses a decimal price after stripping separators and a leading
// currency sign, rounded to PriceScale places. Anything else is absent, never zero.
func ParsePrice(raw string) mo.Option[decimal.Decimal] {
	s := strings.TrimSpace(strings.ReplaceAll(raw, ",", ""))
	s = strings.TrimSpace(strings.TrimPrefix(s, "$"))
	if !decimalPrice.MatchString(s) {
		return mo.None[decimal.Decimal]()
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return mo.None[decimal.Decimal]()
	}
	return mo.Some(d.Round(PriceScale))
}

// Rejection is an observed record that could not be turned into an Item.
type Rejection struct {
	Record catalog.ObservedRecord
	Reason string
}

// Normalize parses observed records into Items. Records are rejected one at a
// time; a bad record never affects its neighbours.
func Normalize(records []catalog.ObservedRecord) ([]catalog.Item, []Rejection) {
	items := make([]catalog.Item, 0, len(records))
	var rejected []Rejection
	for _, r := range records {
		id := catalog.NormalizeID(r.ID)
		if id == "" {
			rejected = append(rejected, Rejection{Record: r, Reason: "missing identifier"})
			continue
		}
		qty, err := ParseQuantity(r.Quantity)
		if err != nil {
			rejected = append(rejected, Rejection{Record: r, Reason: err.Error()})
			continue
		}
		availability := r.Availability
		if !availability.Valid() {
			availability = catalog.AvailabilityInStock
		}
		items = append(items, catalog.Item{
			ID:              id,
			Brand:           strings.TrimSpace(r.Brand),
			Quantity:        qty,
			Price:           ParsePrice(r.Price),
			WasPrice:        ParsePrice(r.WasPrice),
			GenericMarkdown: r.GenericMarkdown,
			Availability:    availability,
			SourceURL:       r.SourceURL,
			Page:            r.Page,
		})
	}
	return items, rejected
}
