// Package system is the wall clock used outside tests.
package system

import "time"

// Clock implements crawler.Clock. Times are UTC and truncated to
// microseconds, the precision the run and cache stores keep, so a persisted
// timestamp compares equal to the one the pipeline holds in memory.
type Clock struct{}

// New returns the wall clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time at microsecond precision.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
