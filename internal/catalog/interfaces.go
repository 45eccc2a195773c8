package catalog

import (
	"context"
	"time"
)

// Fetcher retrieves the markup of one listing page using the supplied cookies.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// SessionRenewer is implemented by fetchers whose underlying session can be
// thrown away and rebuilt between crawl cycles.
type SessionRenewer interface {
	Renew(ctx context.Context) error
}

// Parser turns one page of markup into observed records.
type Parser interface {
	Parse(markup []byte) (ParseResult, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
