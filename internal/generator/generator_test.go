package generator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mealdrop/mealdrop/internal/clock"
	"github.com/mealdrop/mealdrop/internal/db/dbtest"
	"github.com/mealdrop/mealdrop/internal/models"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var (
	weekMonday    = clock.Date(2024, time.March, 4)
	weekWednesday = clock.Date(2024, time.March, 6)
)

func seedWeek(t *testing.T, conn *gorm.DB, slots map[models.Slot]models.Weekdays) (*models.SubscriptionGroup, *models.Cycle) {
	t.Helper()
	plan := dbtest.CreatePlan(t, conn, dbtest.PlanSpec{
		Prices: map[models.Slot]string{models.SlotLunch: "100", models.SlotDinner: "120"},
	})
	group := dbtest.CreateGroup(t, conn, plan, dbtest.GroupSpec{
		StartDate: weekWednesday,
		Renewal:   clock.AddDays(weekMonday, 7),
		Slots:     slots,
	})
	c := dbtest.CreateCycle(t, conn, group, weekMonday, clock.AddDays(weekMonday, 6), clock.AddDays(weekMonday, 7))
	return group, c
}

func orderDates(t *testing.T, conn *gorm.DB, groupID uint64) []string {
	t.Helper()
	var orders []models.Order
	require.NoError(t, conn.Where("group_id = ?", groupID).Order("service_date ASC, slot ASC").Find(&orders).Error)
	out := make([]string, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.ServiceDate.Format(time.DateOnly)+"/"+string(o.Slot))
	}
	return out
}

func TestGenerateTruncatedFirstCycle(t *testing.T) {
	conn := dbtest.Open(t)
	everyOther := models.WeekdaysOf(time.Monday, time.Wednesday, time.Friday, time.Sunday)
	group, c := seedWeek(t, conn, map[models.Slot]models.Weekdays{models.SlotLunch: everyOther})
	require.True(t, c.IsFirstCycle)

	res, err := New(conn).Generate(context.Background(), group, c)
	require.NoError(t, err)
	require.Equal(t, 3, res.Created)
	require.Equal(t, []string{
		"2024-03-06/lunch",
		"2024-03-08/lunch",
		"2024-03-10/lunch",
	}, orderDates(t, conn, group.ID))
}

func TestGenerateIsIdempotent(t *testing.T) {
	conn := dbtest.Open(t)
	group, c := seedWeek(t, conn, map[models.Slot]models.Weekdays{
		models.SlotLunch:  models.WeekdaysOf(time.Wednesday, time.Thursday),
		models.SlotDinner: models.WeekdaysOf(time.Thursday),
	})
	gen := New(conn)

	first, err := gen.Generate(context.Background(), group, c)
	require.NoError(t, err)
	before := orderDates(t, conn, group.ID)

	second, err := gen.GenerateForCycle(context.Background(), c.ID)
	require.NoError(t, err)
	require.Equal(t, 0, second.Created)
	require.Equal(t, first.Created, second.Existing)
	require.Equal(t, before, orderDates(t, conn, group.ID))
}

func TestGenerateSkipsHolidays(t *testing.T) {
	conn := dbtest.Open(t)
	group, c := seedWeek(t, conn, map[models.Slot]models.Weekdays{
		models.SlotLunch:  models.WeekdaysOf(time.Wednesday, time.Friday),
		models.SlotDinner: models.WeekdaysOf(time.Wednesday, time.Friday),
	})
	friday := clock.AddDays(weekMonday, 4)
	require.NoError(t, conn.Create(&models.VendorHoliday{VendorID: group.VendorID, Date: friday}).Error)
	require.NoError(t, conn.Create(&models.VendorHoliday{VendorID: group.VendorID, Date: weekWednesday, Slot: models.SlotDinner}).Error)

	res, err := New(conn).Generate(context.Background(), group, c)
	require.NoError(t, err)
	require.Equal(t, 1, res.Created)
	require.Equal(t, 3, res.Holidays)
	require.Equal(t, []string{"2024-03-06/lunch"}, orderDates(t, conn, group.ID))
}

func TestHolidaySetMatchesAcrossLocations(t *testing.T) {
	conn := dbtest.Open(t)
	require.NoError(t, conn.Create(&models.VendorHoliday{VendorID: 7, Date: weekWednesday, Slot: models.SlotLunch}).Error)
	set, err := LoadHolidays(conn, 7, weekMonday, clock.AddDays(weekMonday, 6))
	require.NoError(t, err)

	west := time.FixedZone("UTC-5", -5*3600)
	require.True(t, set.Covers(weekWednesday.In(west), models.SlotLunch))
	require.False(t, set.Covers(clock.AddDays(weekWednesday, 1).In(west), models.SlotLunch))
	require.Equal(t, keyFor(1, weekWednesday, models.SlotLunch), keyFor(1, weekWednesday.In(west), models.SlotLunch))
}

func TestGenerateIgnoresInactiveSubscriptions(t *testing.T) {
	conn := dbtest.Open(t)
	group, c := seedWeek(t, conn, map[models.Slot]models.Weekdays{models.SlotLunch: models.WeekdaysOf(time.Friday)})
	group.Subscriptions[0].Status = models.GroupStatusPaused

	res, err := New(conn).Generate(context.Background(), group, c)
	require.NoError(t, err)
	require.Equal(t, Result{}, res)
}

func TestGenerateContinuesAfterFailure(t *testing.T) {
	conn := dbtest.Open(t)
	group, c := seedWeek(t, conn, map[models.Slot]models.Weekdays{
		models.SlotLunch: models.WeekdaysOf(time.Wednesday, time.Thursday, time.Friday),
	})
	require.NoError(t, conn.Callback().Create().Before("gorm:create").Register("test:fail_thursday", func(tx *gorm.DB) {
		if o, ok := tx.Statement.Dest.(*models.Order); ok && o.ServiceDate.Weekday() == time.Thursday {
			_ = tx.AddError(errors.New("injected failure"))
		}
	}))

	gen := New(conn)
	res, err := gen.Generate(context.Background(), group, c)
	require.NoError(t, err)
	require.Equal(t, 2, res.Created)
	require.Equal(t, 1, res.Failed)

	require.NoError(t, conn.Callback().Create().Remove("test:fail_thursday"))
	healed, err := gen.Generate(context.Background(), group, c)
	require.NoError(t, err)
	require.Equal(t, 1, healed.Created)
	require.Equal(t, 2, healed.Existing)
}

func TestBackfillOnlyPaidCycles(t *testing.T) {
	conn := dbtest.Open(t)
	group, c := seedWeek(t, conn, map[models.Slot]models.Weekdays{models.SlotLunch: models.WeekdaysOf(time.Friday)})
	pending := &models.Invoice{CycleID: c.ID, GroupID: group.ID, Status: models.InvoiceStatusPending}
	require.NoError(t, conn.Omit("Cycle", "Lines").Create(pending).Error)

	gen := New(conn)
	res, failed, err := gen.Backfill(context.Background(), weekMonday)
	require.NoError(t, err)
	require.Zero(t, failed)
	require.Equal(t, 0, res.Created)

	require.NoError(t, conn.Model(pending).Update("status", models.InvoiceStatusPaid).Error)
	res, _, err = gen.Backfill(context.Background(), weekMonday)
	require.NoError(t, err)
	require.Equal(t, 1, res.Created)

	res, _, err = gen.Backfill(context.Background(), clock.AddDays(weekMonday, 30))
	require.NoError(t, err)
	require.Equal(t, Result{}, res)
}
