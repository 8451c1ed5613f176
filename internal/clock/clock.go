// Package clock provides the time sources shared by the engine and the
// time-travel harness.
//
// Real reads the wall clock. VirtualClock only moves when told to, which lets
// tests skip hours of schedule without sleeping.
package clock

import "time"

// Clock is a source of "now". Implementations must be safe for concurrent use.
type Clock interface {
	Now() time.Time
}

// Real delegates to time.Now, truncated to millisecond precision so values
// round-trip through the store unchanged.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }
