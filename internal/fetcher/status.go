// Package fetcher holds the error mapping shared by the page fetchers.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
)

// DefaultMaxAuthFailures is the number of consecutive 401/403 responses
// tolerated before the session is treated as unable to authenticate.
const DefaultMaxAuthFailures = 10

// AuthTracker counts consecutive authentication failures across fetches.
type AuthTracker struct {
	max      int32
	failures atomic.Int32
}

// NewAuthTracker returns a tracker that turns the max-th consecutive failure fatal.
func NewAuthTracker(maxFailures int) *AuthTracker {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxAuthFailures
	}
	return &AuthTracker{max: int32(maxFailures)}
}

func (a *AuthTracker) fail() bool {
	return a.failures.Add(1) >= a.max
}

// Reset clears the failure streak.
func (a *AuthTracker) Reset() {
	a.failures.Store(0)
}

// ClassifyStatus maps an HTTP status to the fetch error taxonomy. It returns
// nil for 2xx responses.
func ClassifyStatus(url string, status int, auth *AuthTracker) error {
	switch {
	case status >= 200 && status < 300:
		if auth != nil {
			auth.Reset()
		}
		return nil
	case status == http.StatusNotFound || status == http.StatusGone:
		return &catalog.FetchError{Kind: catalog.KindEnd, URL: url, Status: status, Err: catalog.ErrNoMoreResults}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		if auth != nil && auth.fail() {
			return &catalog.FetchError{Kind: catalog.KindForbidden, URL: url, Status: status, Err: catalog.ErrFatal}
		}
		return &catalog.FetchError{Kind: catalog.KindForbidden, URL: url, Status: status, Err: catalog.ErrTransient}
	default:
		return &catalog.FetchError{Kind: catalog.KindStatus, URL: url, Status: status, Err: catalog.ErrTransient}
	}
}

// ClassifyTransport wraps a transport-level failure as a transient FetchError.
// Context cancellation is returned unchanged so callers can tell a shutdown
// from a page failure.
func ClassifyTransport(url string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	kind := catalog.KindConnection
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = catalog.KindTimeout
	}
	return &catalog.FetchError{Kind: kind, URL: url, Err: fmt.Errorf("%w: %w", catalog.ErrTransient, err)}
}
