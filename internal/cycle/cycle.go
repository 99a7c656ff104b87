// Package cycle converts a plan's billing period and a reference date into cycle boundaries.
package cycle

import (
	"fmt"
	"time"

	"github.com/mealdrop/mealdrop/internal/clock"
	"github.com/mealdrop/mealdrop/internal/models"
)

// Bounds are the civil dates delimiting one billing cycle.
type Bounds struct {
	Start   time.Time // First day of the cycle.
	End     time.Time // Last day of the cycle, inclusive.
	Renewal time.Time // First day of the following cycle.
}

// Days returns the number of calendar days in the cycle.
func (b Bounds) Days() int {
	return clock.DaysBetween(b.Start, b.End) + 1
}

// Contains reports whether date falls inside the cycle.
func (b Bounds) Contains(date time.Time) bool {
	return !date.Before(b.Start) && !date.After(b.End)
}

// Current returns the cycle containing ref.
func Current(period models.PeriodType, ref time.Time) (Bounds, error) {
	return Calculate(period, ref, false)
}

// Calculate returns the cycle for ref. When next is set and ref already sits on
// a cycle boundary (a Monday for weekly, the 1st for monthly) the following
// cycle is returned instead of the one starting on ref.
func Calculate(period models.PeriodType, ref time.Time, next bool) (Bounds, error) {
	day := clock.Date(ref.Year(), ref.Month(), ref.Day())
	switch period {
	case models.PeriodWeekly:
		offset := (int(day.Weekday()) + 6) % 7
		start := clock.AddDays(day, -offset)
		if next && offset == 0 {
			start = clock.AddDays(start, 7)
		}
		return Bounds{
			Start:   start,
			End:     clock.AddDays(start, 6),
			Renewal: clock.AddDays(start, 7),
		}, nil
	case models.PeriodMonthly:
		start := clock.Date(day.Year(), day.Month(), 1)
		if next && day.Day() == 1 {
			start = clock.Date(day.Year(), day.Month()+1, 1)
		}
		renewal := clock.Date(start.Year(), start.Month()+1, 1)
		return Bounds{
			Start:   start,
			End:     clock.AddDays(renewal, -1),
			Renewal: renewal,
		}, nil
	default:
		return Bounds{}, fmt.Errorf("cycle: unsupported period type %q", period)
	}
}

// Following returns the cycle that begins at b's renewal date.
func Following(period models.PeriodType, b Bounds) (Bounds, error) {
	return Calculate(period, b.Renewal, false)
}

// ServiceStart returns the first billable date of a cycle for a group that
// started on groupStart. A first cycle is truncated to the group's start.
func ServiceStart(b Bounds, groupStart time.Time) time.Time {
	if groupStart.After(b.Start) {
		return groupStart
	}
	return b.Start
}

// IsTruncated reports whether a group starting on groupStart joins b mid-period.
func IsTruncated(b Bounds, groupStart time.Time) bool {
	return groupStart.After(b.Start)
}

// CountWeekdays counts the dates in [from, to] whose weekday is selected.
func CountWeekdays(from, to time.Time, days models.Weekdays) int {
	count := 0
	for d := from; !d.After(to); d = clock.AddDays(d, 1) {
		if days.Has(d.Weekday()) {
			count++
		}
	}
	return count
}
