package invoicing

import (
	"context"
	"testing"
	"time"

	"github.com/mealdrop/mealdrop/internal/apperr"
	"github.com/mealdrop/mealdrop/internal/clock"
	"github.com/mealdrop/mealdrop/internal/db/dbtest"
	"github.com/mealdrop/mealdrop/internal/generator"
	"github.com/mealdrop/mealdrop/internal/ledger"
	"github.com/mealdrop/mealdrop/internal/lifecycle"
	"github.com/mealdrop/mealdrop/internal/models"
	"github.com/mealdrop/mealdrop/internal/policy"
	"github.com/mealdrop/mealdrop/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var (
	monday   = clock.Date(2024, time.March, 4)
	weekdays = models.WeekdaysOf(time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday)
)

type fixture struct {
	conn   *gorm.DB
	clock  *clock.Fixed
	ledger *ledger.Ledger
	svc    *Service
	plan   *models.Plan
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	conn := dbtest.Open(t)
	clk := clock.NewFixed(now)
	tx := store.NewTransactor(conn)
	l := ledger.New(tx, clk, policy.Default())
	plan := dbtest.CreatePlan(t, conn, dbtest.PlanSpec{
		SkipLimits: map[models.Slot]int{models.SlotLunch: 2},
		Prices:     map[models.Slot]string{models.SlotLunch: "100", models.SlotDinner: "150"},
	})
	return &fixture{
		conn:   conn,
		clock:  clk,
		ledger: l,
		svc:    NewService(tx, l, generator.New(conn), clk, policy.Default()),
		plan:   plan,
	}
}

func (f *fixture) holiday(t *testing.T, date time.Time, slot models.Slot) {
	t.Helper()
	require.NoError(t, f.conn.Create(&models.VendorHoliday{VendorID: f.plan.VendorID, Date: date, Slot: slot}).Error)
}

func (f *fixture) orders(t *testing.T, groupID uint64) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.conn.Model(&models.Order{}).Where("group_id = ?", groupID).Count(&n).Error)
	return n
}

func TestProvisionTruncatedFirstCycle(t *testing.T) {
	f := newFixture(t, monday.Add(9*time.Hour))
	wednesday := clock.AddDays(monday, 2)
	f.holiday(t, clock.AddDays(monday, 3), models.SlotDinner)
	req := ProvisionRequest{
		PaymentReference: "pay_first",
		ConsumerID:       100,
		PlanID:           f.plan.ID,
		StartDate:        wednesday,
		Slots:            map[models.Slot]models.Weekdays{models.SlotLunch: weekdays, models.SlotDinner: weekdays},
	}

	res, err := f.svc.Provision(context.Background(), req)
	require.NoError(t, err)
	require.True(t, res.Created)
	require.Equal(t, 5, res.Orders.Created)
	require.Equal(t, 1, res.Orders.Holidays)

	var group models.SubscriptionGroup
	require.NoError(t, f.conn.Preload("Subscriptions").First(&group, res.GroupID).Error)
	require.Equal(t, models.GroupStatusActive, group.Status)
	require.True(t, group.RenewalDate.Equal(clock.AddDays(monday, 7)))
	require.Len(t, group.Subscriptions, 2)

	var c models.Cycle
	require.NoError(t, f.conn.First(&c, res.CycleID).Error)
	require.True(t, c.IsFirstCycle)
	require.True(t, c.CycleStart.Equal(monday))

	inv, err := f.svc.Get(context.Background(), res.InvoiceID)
	require.NoError(t, err)
	require.Equal(t, models.InvoiceStatusPaid, inv.Status)
	require.True(t, inv.Subtotal.Equal(decimal.NewFromInt(3*100+2*150)), inv.Subtotal.String())
	require.True(t, inv.TotalAmount.Equal(inv.Subtotal))

	again, err := f.svc.Provision(context.Background(), req)
	require.NoError(t, err)
	require.False(t, again.Created)
	require.Equal(t, res.GroupID, again.GroupID)
	require.Equal(t, res.InvoiceID, again.InvoiceID)
	var groups int64
	require.NoError(t, f.conn.Model(&models.SubscriptionGroup{}).Count(&groups).Error)
	require.EqualValues(t, 1, groups)
	require.EqualValues(t, 5, f.orders(t, res.GroupID))
}

func TestProvisionRedeemsGlobalCredits(t *testing.T) {
	f := newFixture(t, monday.Add(9*time.Hour))
	global := models.GlobalCredit{ConsumerID: 100, SourceGroupID: 999, Reason: models.GlobalCreditReasonCancelRefund, Amount: decimal.NewFromInt(50), Status: models.GlobalCreditStatusAvailable}
	require.NoError(t, f.conn.Create(&global).Error)
	req := ProvisionRequest{
		PaymentReference:       "pay_global",
		ConsumerID:             101,
		PlanID:                 f.plan.ID,
		StartDate:              monday,
		Slots:                  map[models.Slot]models.Weekdays{models.SlotLunch: weekdays},
		AppliedGlobalCreditIDs: []uint64{global.ID},
	}

	_, err := f.svc.Provision(context.Background(), req)
	require.ErrorIs(t, err, apperr.ErrUnauthorized)
	var groups int64
	require.NoError(t, f.conn.Model(&models.SubscriptionGroup{}).Count(&groups).Error)
	require.Zero(t, groups)

	req.ConsumerID = 100
	res, err := f.svc.Provision(context.Background(), req)
	require.NoError(t, err)
	inv, err := f.svc.Get(context.Background(), res.InvoiceID)
	require.NoError(t, err)
	require.True(t, inv.Subtotal.Equal(decimal.NewFromInt(500)))
	require.True(t, inv.CreditDiscount.Equal(decimal.NewFromInt(50)))
	require.True(t, inv.TotalAmount.Equal(decimal.NewFromInt(450)))

	require.NoError(t, f.conn.First(&global, global.ID).Error)
	require.Equal(t, models.GlobalCreditStatusUsed, global.Status)
}

func TestProvisionValidation(t *testing.T) {
	f := newFixture(t, monday.Add(9*time.Hour))
	base := ProvisionRequest{
		PaymentReference: "pay_x",
		ConsumerID:       100,
		PlanID:           f.plan.ID,
		StartDate:        monday,
		Slots:            map[models.Slot]models.Weekdays{models.SlotLunch: weekdays},
	}
	cases := map[string]func(r *ProvisionRequest){
		"no reference": func(r *ProvisionRequest) { r.PaymentReference = "" },
		"past start":   func(r *ProvisionRequest) { r.StartDate = clock.AddDays(monday, -1) },
		"no slots":     func(r *ProvisionRequest) { r.Slots = nil },
		"no weekdays":  func(r *ProvisionRequest) { r.Slots = map[models.Slot]models.Weekdays{models.SlotLunch: 0} },
		"not offered":  func(r *ProvisionRequest) { r.Slots = map[models.Slot]models.Weekdays{models.SlotBreakfast: weekdays} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := base
			mutate(&req)
			_, err := f.svc.Provision(context.Background(), req)
			require.ErrorIs(t, err, apperr.ErrInvalidInput)
		})
	}
	base.PlanID = 404
	_, err := f.svc.Provision(context.Background(), base)
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

// renewalFixture seeds a group on a paid Mar 4-10 cycle with two lunch credits
// and a lunch holiday on Wednesday of the following week.
func renewalFixture(t *testing.T) (*fixture, *models.SubscriptionGroup) {
	t.Helper()
	f := newFixture(t, time.Date(2024, time.March, 9, 8, 0, 0, 0, time.UTC))
	group := dbtest.CreateGroup(t, f.conn, f.plan, dbtest.GroupSpec{
		StartDate: monday,
		Slots:     map[models.Slot]models.Weekdays{models.SlotLunch: weekdays},
	})
	c := dbtest.CreateCycle(t, f.conn, group, monday, clock.AddDays(monday, 6), clock.AddDays(monday, 7))
	dbtest.CreatePaidInvoice(t, f.conn, group, c)
	for i := 0; i < 2; i++ {
		_, err := f.ledger.Grant(context.Background(), ledger.Grant{
			SubscriptionID: group.Subscriptions[0].ID,
			GroupID:        group.ID,
			Slot:           models.SlotLunch,
			Reason:         models.CreditReasonSkip,
			Quantity:       1,
			UnitValue:      decimal.NewFromInt(100),
		})
		require.NoError(t, err)
	}
	f.holiday(t, clock.AddDays(monday, 9), models.SlotLunch)
	return f, group
}

func TestPrepareRenewalConsumesCredits(t *testing.T) {
	f, group := renewalFixture(t)

	res, err := f.svc.PrepareRenewals(context.Background())
	require.NoError(t, err)
	require.Equal(t, RenewalResult{Prepared: 1}, res)

	invoices, err := f.svc.ListForGroup(context.Background(), group.ID)
	require.NoError(t, err)
	require.Len(t, invoices, 2)
	inv := invoices[0]
	require.Equal(t, models.InvoiceStatusPending, inv.Status)
	require.Len(t, inv.Lines, 1)
	require.Equal(t, 4, inv.Lines[0].MealCount)
	require.Equal(t, 2, inv.Lines[0].CreditsApplied)
	require.True(t, inv.Lines[0].CreditValue.Equal(decimal.NewFromInt(200)))
	require.True(t, inv.Subtotal.Equal(decimal.NewFromInt(400)))
	require.True(t, inv.TotalAmount.Equal(decimal.NewFromInt(200)))

	var c models.Cycle
	require.NoError(t, f.conn.First(&c, inv.CycleID).Error)
	require.False(t, c.IsFirstCycle)
	require.True(t, c.CycleStart.Equal(clock.AddDays(monday, 7)))

	var available int64
	require.NoError(t, f.conn.Model(&models.Credit{}).Where("status = ?", models.CreditStatusAvailable).Count(&available).Error)
	require.Zero(t, available)

	res, err = f.svc.PrepareRenewals(context.Background())
	require.NoError(t, err)
	require.Equal(t, RenewalResult{Existing: 1}, res)

	paid, err := f.svc.MarkPaid(context.Background(), inv.ID, "pay_renewal")
	require.NoError(t, err)
	require.False(t, paid.AlreadyPaid)
	require.Equal(t, 4, paid.Orders.Created)

	var reloaded models.SubscriptionGroup
	require.NoError(t, f.conn.First(&reloaded, group.ID).Error)
	require.True(t, reloaded.RenewalDate.Equal(clock.AddDays(monday, 14)))

	again, err := f.svc.MarkPaid(context.Background(), inv.ID, "")
	require.NoError(t, err)
	require.True(t, again.AlreadyPaid)

	_, err = f.svc.MarkFailed(context.Background(), inv.ID)
	require.ErrorIs(t, err, apperr.ErrConflictState)
}

func TestMarkFailedRegrantsCredits(t *testing.T) {
	f, group := renewalFixture(t)
	_, err := f.svc.PrepareRenewals(context.Background())
	require.NoError(t, err)
	invoices, err := f.svc.ListForGroup(context.Background(), group.ID)
	require.NoError(t, err)
	inv := invoices[0]

	ids, err := f.svc.MarkFailed(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	var restored models.Credit
	require.NoError(t, f.conn.First(&restored, ids[0]).Error)
	require.Equal(t, models.CreditReasonAdminAdjustment, restored.Reason)
	require.Equal(t, models.CreditStatusAvailable, restored.Status)
	require.Equal(t, 2, restored.Quantity)
	require.True(t, restored.UnitValue.Equal(decimal.NewFromInt(100)))

	var used int64
	require.NoError(t, f.conn.Model(&models.Credit{}).Where("status = ?", models.CreditStatusUsed).Count(&used).Error)
	require.EqualValues(t, 2, used)

	ids, err = f.svc.MarkFailed(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Empty(t, ids)

	_, err = f.svc.MarkPaid(context.Background(), inv.ID, "")
	require.ErrorIs(t, err, apperr.ErrConflictState)
	require.Zero(t, f.orders(t, group.ID))
}

func TestCancelFailsPendingRenewal(t *testing.T) {
	f, group := renewalFixture(t)
	_, err := f.svc.PrepareRenewals(context.Background())
	require.NoError(t, err)
	invoices, err := f.svc.ListForGroup(context.Background(), group.ID)
	require.NoError(t, err)
	inv := invoices[0]
	require.Equal(t, models.InvoiceStatusPending, inv.Status)

	life := lifecycle.NewService(store.NewTransactor(f.conn), f.ledger, f.clock, policy.Default())
	req := lifecycle.CancelRequest{GroupID: group.ID, Preference: lifecycle.RefundAsCredit}
	preview, err := life.PreviewCancel(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 2, preview.CreditUnits)
	require.True(t, preview.RefundAmount.Equal(decimal.NewFromInt(200)), preview.RefundAmount.String())

	res, err := life.Cancel(context.Background(), req)
	require.NoError(t, err)
	require.True(t, res.RefundAmount.Equal(preview.RefundAmount), res.RefundAmount.String())
	require.NotNil(t, res.GlobalCreditID)

	var global models.GlobalCredit
	require.NoError(t, f.conn.First(&global, *res.GlobalCreditID).Error)
	require.True(t, global.Amount.Equal(decimal.NewFromInt(200)), global.Amount.String())

	failed, err := f.svc.Get(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, models.InvoiceStatusFailed, failed.Status)

	var available int64
	require.NoError(t, f.conn.Model(&models.Credit{}).Where("group_id = ? AND status = ?", group.ID, models.CreditStatusAvailable).Count(&available).Error)
	require.Zero(t, available)

	_, err = f.svc.MarkPaid(context.Background(), inv.ID, "pay_late")
	require.ErrorIs(t, err, apperr.ErrConflictState)
	require.Zero(t, f.orders(t, group.ID))
}

func TestMarkPaidRefusesCancelledGroup(t *testing.T) {
	f, group := renewalFixture(t)
	_, err := f.svc.PrepareRenewals(context.Background())
	require.NoError(t, err)
	invoices, err := f.svc.ListForGroup(context.Background(), group.ID)
	require.NoError(t, err)
	require.NoError(t, f.conn.Model(&models.SubscriptionGroup{}).Where("id = ?", group.ID).Update("status", models.GroupStatusCancelled).Error)

	_, err = f.svc.MarkPaid(context.Background(), invoices[0].ID, "pay_late")
	require.ErrorIs(t, err, apperr.ErrConflictState)

	inv, err := f.svc.Get(context.Background(), invoices[0].ID)
	require.NoError(t, err)
	require.Equal(t, models.InvoiceStatusPending, inv.Status)
	var reloaded models.SubscriptionGroup
	require.NoError(t, f.conn.First(&reloaded, group.ID).Error)
	require.True(t, reloaded.RenewalDate.Equal(clock.AddDays(monday, 7)))
}

func TestRenewalSkipsPausedAndDistantGroups(t *testing.T) {
	f := newFixture(t, time.Date(2024, time.March, 9, 8, 0, 0, 0, time.UTC))
	dbtest.CreateGroup(t, f.conn, f.plan, dbtest.GroupSpec{
		StartDate: monday,
		Status:    models.GroupStatusPaused,
		Slots:     map[models.Slot]models.Weekdays{models.SlotLunch: weekdays},
	})
	dbtest.CreateGroup(t, f.conn, f.plan, dbtest.GroupSpec{
		ConsumerID: 101,
		StartDate:  monday,
		Renewal:    clock.AddDays(monday, 14),
		Slots:      map[models.Slot]models.Weekdays{models.SlotLunch: weekdays},
	})

	res, err := f.svc.PrepareRenewals(context.Background())
	require.NoError(t, err)
	require.Equal(t, RenewalResult{}, res)
}
