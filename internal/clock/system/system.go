// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements crawler.Clock. Times are UTC and truncated to
// microseconds, the finest precision Postgres timestamps keep.
type Clock struct {
	precision time.Duration
}

// New creates a Clock with microsecond precision.
func New() *Clock {
	return &Clock{precision: time.Microsecond}
}

// Now returns the current time.
func (c *Clock) Now() time.Time {
	now := time.Now().UTC().Round(0)
	if c.precision > 0 {
		now = now.Truncate(c.precision)
	}
	return now
}
