package cycle

import (
	"testing"
	"time"

	"github.com/mealdrop/mealdrop/internal/clock"
	"github.com/mealdrop/mealdrop/internal/models"
	"github.com/stretchr/testify/require"
)

func TestWeeklyBoundsForEveryWeekday(t *testing.T) {
	monday := clock.Date(2024, time.March, 4)
	for i := 0; i < 14; i++ {
		ref := clock.AddDays(monday, i)
		b, err := Current(models.PeriodWeekly, ref)
		require.NoError(t, err)
		require.Equal(t, time.Monday, b.Start.Weekday(), "ref %s", ref)
		require.Equal(t, 6, clock.DaysBetween(b.Start, b.End))
		require.Equal(t, 7, clock.DaysBetween(b.Start, b.Renewal))
		require.True(t, b.Contains(ref))
	}
}

func TestWeeklyNextOnMonday(t *testing.T) {
	monday := clock.Date(2024, time.March, 4)
	b, err := Calculate(models.PeriodWeekly, monday, true)
	require.NoError(t, err)
	require.Equal(t, clock.Date(2024, time.March, 11), b.Start)

	wednesday := clock.Date(2024, time.March, 6)
	b, err = Calculate(models.PeriodWeekly, wednesday, true)
	require.NoError(t, err)
	require.Equal(t, monday, b.Start)
}

func TestMonthlyEndIsLastDayOfMonth(t *testing.T) {
	cases := []struct {
		ref     time.Time
		wantEnd time.Time
	}{
		{clock.Date(2024, time.February, 10), clock.Date(2024, time.February, 29)},
		{clock.Date(2023, time.February, 10), clock.Date(2023, time.February, 28)},
		{clock.Date(2100, time.February, 1), clock.Date(2100, time.February, 28)},
		{clock.Date(2000, time.February, 28), clock.Date(2000, time.February, 29)},
		{clock.Date(2024, time.April, 30), clock.Date(2024, time.April, 30)},
		{clock.Date(2024, time.December, 31), clock.Date(2024, time.December, 31)},
		{clock.Date(2024, time.January, 15), clock.Date(2024, time.January, 31)},
	}
	for _, tc := range cases {
		b, err := Current(models.PeriodMonthly, tc.ref)
		require.NoError(t, err)
		require.Equal(t, 1, b.Start.Day())
		require.Equal(t, tc.wantEnd, b.End, "ref %s", tc.ref)
		require.Equal(t, clock.AddDays(b.End, 1), b.Renewal)
		require.Equal(t, 1, b.Renewal.Day())
	}
}

func TestMonthlyNextOnFirst(t *testing.T) {
	b, err := Calculate(models.PeriodMonthly, clock.Date(2024, time.December, 1), true)
	require.NoError(t, err)
	require.Equal(t, clock.Date(2025, time.January, 1), b.Start)
	require.Equal(t, clock.Date(2025, time.January, 31), b.End)
	require.Equal(t, clock.Date(2025, time.February, 1), b.Renewal)
}

func TestFollowingChainsCycles(t *testing.T) {
	b, err := Current(models.PeriodMonthly, clock.Date(2024, time.January, 20))
	require.NoError(t, err)
	next, err := Following(models.PeriodMonthly, b)
	require.NoError(t, err)
	require.Equal(t, clock.Date(2024, time.February, 1), next.Start)
	require.Equal(t, clock.Date(2024, time.February, 29), next.End)
}

func TestServiceStartTruncatesFirstCycle(t *testing.T) {
	b, err := Current(models.PeriodWeekly, clock.Date(2024, time.March, 6))
	require.NoError(t, err)
	start := clock.Date(2024, time.March, 6)
	require.True(t, IsTruncated(b, start))
	require.Equal(t, start, ServiceStart(b, start))
	require.False(t, IsTruncated(b, b.Start))
}

func TestUnsupportedPeriod(t *testing.T) {
	_, err := Current("yearly", clock.Date(2024, time.March, 6))
	require.Error(t, err)
}

func TestCountWeekdays(t *testing.T) {
	days := models.WeekdaysOf(time.Monday, time.Wednesday, time.Friday)
	require.Equal(t, 2, CountWeekdays(clock.Date(2024, time.March, 6), clock.Date(2024, time.March, 10), days))
	require.Equal(t, 3, CountWeekdays(clock.Date(2024, time.March, 4), clock.Date(2024, time.March, 10), days))
}
