package clock

import (
	"testing"
	"time"
)

func TestDateOf_UsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	instant := time.Date(2026, 3, 1, 21, 0, 0, 0, time.UTC)
	got := DateOf(instant, loc)
	if !got.Equal(Date(2026, 3, 2)) {
		t.Fatalf("expected 2026-03-02, got %s", got)
	}
}

func TestFixedAdvance(t *testing.T) {
	c := NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c.Advance(36 * time.Hour)
	if !c.Now().Equal(time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected now %s", c.Now())
	}
}

func TestAddDaysAndDaysBetween(t *testing.T) {
	start := Date(2024, 2, 27)
	end := AddDays(start, 3)
	if !end.Equal(Date(2024, 3, 1)) {
		t.Fatalf("expected 2024-03-01, got %s", end)
	}
	if DaysBetween(start, end) != 3 {
		t.Fatalf("expected 3 days, got %d", DaysBetween(start, end))
	}
}

func TestCivilKeepsCalendarDate(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	got := Civil(time.Date(2024, 3, 1, 2, 0, 0, 0, loc))
	if !got.Equal(Date(2024, 3, 1)) {
		t.Fatalf("expected 2024-03-01, got %s", got)
	}
}

func TestStoredDateIgnoresScanLocation(t *testing.T) {
	scanned := Date(2024, 3, 10).In(time.FixedZone("UTC-5", -5*3600))
	if key := DateKey(scanned); key != "2024-03-10" {
		t.Fatalf("expected 2024-03-10, got %s", key)
	}
	if got := Stored(scanned); !got.Equal(Date(2024, 3, 10)) || got.Location() != time.UTC {
		t.Fatalf("expected 2024-03-10 UTC, got %s", got)
	}
}
