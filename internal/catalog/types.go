package catalog

import (
	"net/http"
	"strings"
	"time"

	"github.com/samber/mo"
	"github.com/shopspring/decimal"
)

// Availability is the purchasability classification a parser assigns to an item.
type Availability string

// Availability values understood by the stop detector.
const (
	AvailabilityInStock     Availability = "in_stock"
	AvailabilityMadeToOrder Availability = "made_to_order"
	AvailabilityBackordered Availability = "backordered"
)

// Valid reports whether a is one of the known classifications.
func (a Availability) Valid() bool {
	switch a {
	case AvailabilityInStock, AvailabilityMadeToOrder, AvailabilityBackordered:
		return true
	default:
		return false
	}
}

// ObservedRecord holds the raw fields scraped for one item on one page.
type ObservedRecord struct {
	ID              string
	Brand           string
	Quantity        string
	Price           string
	WasPrice        string
	GenericMarkdown bool
	Availability    Availability
	SourceURL       string
	Page            int
}

// Item is an ObservedRecord after identifier normalization and numeric parsing.
type Item struct {
	ID              string
	Brand           string
	Quantity        int
	Price           mo.Option[decimal.Decimal]
	WasPrice        mo.Option[decimal.Decimal]
	GenericMarkdown bool
	Availability    Availability
	SourceURL       string
	Page            int
}

// SnapshotEntry is the last-known state of one catalog entry.
type SnapshotEntry struct {
	ID string
	// Key is the identifier exactly as the store holds it. Writes use Key;
	// lookups use the normalized ID.
	Key      string
	Quantity int
	Price    mo.Option[decimal.Decimal]
}

// Classification is the outcome of diffing an Item against the snapshot.
type Classification string

// Classification values.
const (
	Unchanged  Classification = "unchanged"
	Changed    Classification = "changed"
	UnknownNew Classification = "unknown_new"
)

// FetchRequest describes one listing page fetch.
type FetchRequest struct {
	URL     string
	Page    int
	Cookies []*http.Cookie
}

// FetchResponse carries the markup for one page plus any cookies the server set.
type FetchResponse struct {
	URL        string
	StatusCode int
	Body       []byte
	Cookies    []*http.Cookie
	Duration   time.Duration
}

// ParseResult is what a Parser extracts from one page of markup.
type ParseResult struct {
	Records []ObservedRecord
	// NoResults is set when the page carries an explicit end-of-listing marker.
	NoResults bool
}

// NormalizeID turns a scraped identifier into the key used for identity.
// Brand labels never take part in identity.
func NormalizeID(raw string) string {
	return strings.ToUpper(strings.Join(strings.Fields(raw), " "))
}
