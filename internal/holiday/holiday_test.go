package holiday

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mealdrop/mealdrop/internal/apperr"
	"github.com/mealdrop/mealdrop/internal/clock"
	"github.com/mealdrop/mealdrop/internal/db/dbtest"
	"github.com/mealdrop/mealdrop/internal/generator"
	"github.com/mealdrop/mealdrop/internal/ledger"
	"github.com/mealdrop/mealdrop/internal/models"
	"github.com/mealdrop/mealdrop/internal/policy"
	"github.com/mealdrop/mealdrop/internal/skip"
	"github.com/mealdrop/mealdrop/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var (
	monday   = clock.Date(2024, time.March, 4)
	thursday = clock.Date(2024, time.March, 7)
	friday   = clock.Date(2024, time.March, 8)
	now      = time.Date(2024, time.March, 5, 10, 0, 0, 0, time.UTC)
)

type fixture struct {
	conn   *gorm.DB
	clock  *clock.Fixed
	ledger *ledger.Ledger
	svc    *Service
	groups []*models.SubscriptionGroup
	other  *models.SubscriptionGroup
}

// newFixture seeds vendor 1 with five scheduled orders on Thursday across
// three consumers, plus a vendor 2 group delivering the same day.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := dbtest.Open(t)
	thuFri := models.WeekdaysOf(time.Thursday, time.Friday)
	plan := dbtest.CreatePlan(t, conn, dbtest.PlanSpec{
		VendorID:   1,
		SkipLimits: map[models.Slot]int{models.SlotLunch: 1, models.SlotDinner: 1},
		Prices:     map[models.Slot]string{models.SlotLunch: "100", models.SlotDinner: "150"},
	})
	otherPlan := dbtest.CreatePlan(t, conn, dbtest.PlanSpec{VendorID: 2})

	f := &fixture{conn: conn}
	specs := []map[models.Slot]models.Weekdays{
		{models.SlotLunch: thuFri, models.SlotDinner: thuFri},
		{models.SlotLunch: thuFri, models.SlotDinner: thuFri},
		{models.SlotLunch: thuFri},
	}
	gen := generator.New(conn)
	for i, slots := range specs {
		group := dbtest.CreateGroup(t, conn, plan, dbtest.GroupSpec{ConsumerID: uint64(100 + i), StartDate: monday, Slots: slots})
		c := dbtest.CreateCycle(t, conn, group, monday, clock.AddDays(monday, 6), clock.AddDays(monday, 7))
		dbtest.CreatePaidInvoice(t, conn, group, c)
		_, err := gen.Generate(context.Background(), group, c)
		require.NoError(t, err)
		f.groups = append(f.groups, group)
	}
	f.other = dbtest.CreateGroup(t, conn, otherPlan, dbtest.GroupSpec{ConsumerID: 200, StartDate: monday, Slots: map[models.Slot]models.Weekdays{models.SlotLunch: thuFri}})
	oc := dbtest.CreateCycle(t, conn, f.other, monday, clock.AddDays(monday, 6), clock.AddDays(monday, 7))
	_, err := gen.Generate(context.Background(), f.other, oc)
	require.NoError(t, err)

	f.clock = clock.NewFixed(now)
	tx := store.NewTransactor(conn)
	f.ledger = ledger.New(tx, f.clock, policy.Default())
	f.svc = NewService(tx, f.ledger, f.clock, policy.Default())
	return f
}

func (f *fixture) count(t *testing.T, vendorID uint64, date time.Time, status models.OrderStatus) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.conn.Model(&models.Order{}).
		Where("vendor_id = ? AND service_date = ? AND status = ?", vendorID, date, status).
		Count(&n).Error)
	return n
}

func TestApplyWholeDayHoliday(t *testing.T) {
	f := newFixture(t)
	require.EqualValues(t, 5, f.count(t, 1, thursday, models.OrderStatusScheduled))

	res, err := f.svc.Apply(context.Background(), Request{VendorID: 1, Date: thursday, Reason: "kitchen maintenance"})
	require.NoError(t, err)
	require.True(t, res.Created)
	require.Equal(t, 5, res.OrdersAffected)
	require.Len(t, res.CreditIDs, 5)

	require.EqualValues(t, 5, f.count(t, 1, thursday, models.OrderStatusSkippedByVendor))
	require.EqualValues(t, 5, f.count(t, 1, friday, models.OrderStatusScheduled))
	require.EqualValues(t, 1, f.count(t, 2, thursday, models.OrderStatusScheduled))

	var credits []models.Credit
	require.NoError(t, f.conn.Where("reason = ?", models.CreditReasonVendorSkip).Find(&credits).Error)
	require.Len(t, credits, 5)
	total := decimal.Zero
	for _, c := range credits {
		total = total.Add(c.UnitValue)
	}
	require.True(t, total.Equal(decimal.NewFromInt(100*3+150*2)), total.String())

	var cycles []models.Cycle
	require.NoError(t, f.conn.Find(&cycles).Error)
	for _, c := range cycles {
		require.Zero(t, c.SkipCount(models.SlotLunch))
		require.Zero(t, c.SkipCount(models.SlotDinner))
	}

	var h models.VendorHoliday
	require.NoError(t, f.conn.First(&h, res.HolidayID).Error)
	require.NotNil(t, h.AppliedAt)

	again, err := f.svc.Apply(context.Background(), Request{VendorID: 1, Date: thursday})
	require.NoError(t, err)
	require.False(t, again.Created)
	require.Equal(t, res.HolidayID, again.HolidayID)
	require.Zero(t, again.OrdersAffected)
}

func TestVendorSkipsDoNotConsumeSkipLimit(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Apply(context.Background(), Request{VendorID: 1, Date: thursday})
	require.NoError(t, err)

	skips := skip.NewService(store.NewTransactor(f.conn), f.ledger, f.clock, policy.Default())
	lunch := f.groups[0].Subscriptions[0]
	res, err := skips.Skip(context.Background(), skip.Request{SubscriptionID: lunch.ID, Date: friday})
	require.NoError(t, err)
	require.True(t, res.CreditCreated)
}

func TestApplySlotHolidayAndTrialMeals(t *testing.T) {
	f := newFixture(t)
	trial := models.Trial{ConsumerID: 300, VendorID: 1, TrialTypeID: 1, DeliveryAddressID: 1, StartDate: thursday, EndDate: friday, Status: models.TrialStatusScheduled}
	require.NoError(t, f.conn.Create(&trial).Error)
	for _, slot := range []models.Slot{models.SlotLunch, models.SlotDinner} {
		meal := models.TrialMeal{TrialID: trial.ID, VendorID: 1, ServiceDate: thursday, Slot: slot, Status: models.TrialMealStatusScheduled}
		require.NoError(t, f.conn.Create(&meal).Error)
	}

	res, err := f.svc.Apply(context.Background(), Request{VendorID: 1, Date: thursday, Slot: models.SlotDinner})
	require.NoError(t, err)
	require.Equal(t, 2, res.OrdersAffected)
	require.Equal(t, 1, res.TrialMealsCancelled)
	require.EqualValues(t, 3, f.count(t, 1, thursday, models.OrderStatusScheduled))

	list, err := f.svc.List(context.Background(), 1, monday, time.Time{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, models.SlotDinner, list[0].Slot)
}

func TestApplyValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Apply(context.Background(), Request{VendorID: 1, Date: monday})
	require.ErrorIs(t, err, apperr.ErrInvalidInput)
	_, err = f.svc.Apply(context.Background(), Request{VendorID: 1, Date: thursday, Slot: "brunch"})
	require.ErrorIs(t, err, apperr.ErrInvalidInput)
	_, err = f.svc.Reapply(context.Background(), 2, 12345)
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestFailedAdjustmentKeepsHolidayAndRetries(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.conn.Callback().Create().Before("gorm:create").Register("test:fail_credit", func(tx *gorm.DB) {
		if _, ok := tx.Statement.Dest.(*models.Credit); ok {
			_ = tx.AddError(errors.New("injected failure"))
		}
	}))

	_, err := f.svc.Apply(context.Background(), Request{VendorID: 1, Date: thursday})
	require.ErrorIs(t, err, apperr.ErrTransientStoreError)

	var h models.VendorHoliday
	require.NoError(t, f.conn.Where("vendor_id = ?", 1).First(&h).Error)
	require.Nil(t, h.AppliedAt)
	require.EqualValues(t, 5, f.count(t, 1, thursday, models.OrderStatusScheduled))

	require.NoError(t, f.conn.Callback().Create().Remove("test:fail_credit"))
	applied, failed, err := f.svc.ReapplyPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, applied)
	require.Zero(t, failed)
	require.EqualValues(t, 5, f.count(t, 1, thursday, models.OrderStatusSkippedByVendor))

	applied, _, err = f.svc.ReapplyPending(context.Background())
	require.NoError(t, err)
	require.Zero(t, applied)
}

func TestHolidaySuppressesGeneration(t *testing.T) {
	f := newFixture(t)
	nextThursday := clock.AddDays(thursday, 7)
	_, err := f.svc.Apply(context.Background(), Request{VendorID: 1, Date: nextThursday, Slot: models.SlotLunch})
	require.NoError(t, err)

	group := f.groups[2]
	next := dbtest.CreateCycle(t, f.conn, group, clock.AddDays(monday, 7), clock.AddDays(monday, 13), clock.AddDays(monday, 14))
	res, err := generator.New(f.conn).Generate(context.Background(), group, next)
	require.NoError(t, err)
	require.Equal(t, 1, res.Created)
	require.Equal(t, 1, res.Holidays)
}
