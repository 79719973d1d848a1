// Package clock is the time source of the transaction manager. Transaction
// deadlines, phase durations and log retry delays all read time through a
// Clock so tests can drive them with a Manual clock.
package clock

import "time"

// Clock reports the current time and schedules wake-ups.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real is the wall clock. Times are reported in UTC.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (Real) Sleep(d time.Duration) { time.Sleep(d) }

// At returns a channel that fires once c reaches at. A deadline already in
// the past fires immediately.
func At(c Clock, at time.Time) <-chan time.Time {
	return c.After(at.Sub(c.Now()))
}

// Expired reports whether deadline is set and no later than now.
func Expired(deadline, now time.Time) bool {
	return !deadline.IsZero() && !deadline.After(now)
}
