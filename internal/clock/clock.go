// Package clock abstracts the current time so cutoff, expiry and cooldown rules are testable.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current instant.
type Clock interface {
	Now() time.Time
}

// Real is the wall clock.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time { return time.Now().UTC() }

// Func adapts a plain function to Clock.
type Func func() time.Time

// Now calls f.
func (f Func) Now() time.Time { return f() }

// Fixed is a settable clock for tests and replays.
type Fixed struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixed returns a Fixed clock set to t.
func NewFixed(t time.Time) *Fixed {
	return &Fixed{now: t}
}

// Now returns the stored instant.
func (f *Fixed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set replaces the stored instant.
func (f *Fixed) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// Advance moves the clock forward by d.
func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Date builds a civil date. Civil dates are stored as midnight UTC.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// DateOf returns the civil date of t as observed in loc.
func DateOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return Date(local.Year(), local.Month(), local.Day())
}

// Today returns the civil date of c.Now() in loc.
func Today(c Clock, loc *time.Location) time.Time {
	return DateOf(c.Now(), loc)
}

// AddDays shifts a civil date by n calendar days.
func AddDays(d time.Time, n int) time.Time {
	return Date(d.Year(), d.Month(), d.Day()+n)
}

// DaysBetween returns the number of calendar days from a to b.
func DaysBetween(a, b time.Time) int {
	a = Date(a.Year(), a.Month(), a.Day())
	b = Date(b.Year(), b.Month(), b.Day())
	return int(b.Sub(a).Hours() / 24)
}

// DateKey formats a stored civil date as YYYY-MM-DD. Civil dates are written
// at midnight UTC; drivers may scan them back into another location.
func DateKey(d time.Time) string {
	return d.UTC().Format(time.DateOnly)
}

// Stored returns the calendar date of a civil date read from the database.
func Stored(d time.Time) time.Time {
	return DateOf(d, time.UTC)
}

// Civil truncates t to its own calendar date, ignoring its location.
func Civil(t time.Time) time.Time {
	return Date(t.Year(), t.Month(), t.Day())
}
