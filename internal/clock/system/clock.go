// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements catalog.Clock.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC truncated to microseconds, the
// resolution Postgres stores for timestamptz.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
