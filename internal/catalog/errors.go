package catalog

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient marks a page failure that may succeed on a later attempt.
	ErrTransient = errors.New("transient page failure")
	// ErrFatal marks a failure that must abort the run.
	ErrFatal = errors.New("fatal failure")
	// ErrNoMoreResults is returned by a fetcher when the listing has ended.
	ErrNoMoreResults = errors.New("no more results")
	// ErrAmbiguousPage is returned by a parser for an empty page without an end marker.
	ErrAmbiguousPage = fmt.Errorf("page has no records and no end marker: %w", ErrTransient)
)

// ErrorKind labels a FetchError for logs and metrics.
type ErrorKind string

// ErrorKind values.
const (
	KindTimeout    ErrorKind = "timeout"
	KindConnection ErrorKind = "connection"
	KindStatus     ErrorKind = "status"
	KindForbidden  ErrorKind = "forbidden"
	KindEnd        ErrorKind = "end"
	KindUnknown    ErrorKind = "unknown"
)

// FetchError describes a failed fetch of one page.
type FetchError struct {
	Kind   ErrorKind
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("fetch %s: %s (status %d): %v", e.URL, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// KindOf returns the ErrorKind of err, or KindUnknown when it carries none.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, ErrNoMoreResults) {
		return KindEnd
	}
	return KindUnknown
}
