package lifecycle

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
	"github.com/mealdrop/mealdrop/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var (
	monday  = clock.Date(2024, time.March, 4)
	sunday  = clock.Date(2024, time.March, 10)
	tueMorn = time.Date(2024, time.March, 5, 10, 0, 0, 0, time.UTC)
	allWeek = models.WeekdaysOf(time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday)
)

type fixture struct {
	conn   *gorm.DB
	clock  *clock.Fixed
	ledger *ledger.Ledger
	svc    *Service
	group  *models.SubscriptionGroup
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := dbtest.Open(t)
	plan := dbtest.CreatePlan(t, conn, dbtest.PlanSpec{
		SkipLimits: map[models.Slot]int{models.SlotLunch: 2},
		Prices:     map[models.Slot]string{models.SlotLunch: "100"},
	})
	group := dbtest.CreateGroup(t, conn, plan, dbtest.GroupSpec{
		StartDate: monday,
		Renewal:   clock.AddDays(monday, 7),
		Slots:     map[models.Slot]models.Weekdays{models.SlotLunch: allWeek},
	})
	c := dbtest.CreateCycle(t, conn, group, monday, sunday, clock.AddDays(monday, 7))
	inv := dbtest.CreatePaidInvoice(t, conn, group, c)
	require.NoError(t, conn.Model(inv).Update("payment_reference", "pay_123").Error)
	_, err := generator.New(conn).Generate(context.Background(), group, c)
	require.NoError(t, err)

	clk := clock.NewFixed(tueMorn)
	tx := store.NewTransactor(conn)
	pol := policy.Default()
	l := ledger.New(tx, clk, pol)
	return &fixture{conn: conn, clock: clk, ledger: l, svc: NewService(tx, l, clk, pol), group: group}
}

func (f *fixture) countOrders(t *testing.T, status models.OrderStatus) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.conn.Model(&models.Order{}).Where("group_id = ? AND status = ?", f.group.ID, status).Count(&n).Error)
	return n
}

func (f *fixture) reloadGroup(t *testing.T) models.SubscriptionGroup {
	t.Helper()
	var g models.SubscriptionGroup
	require.NoError(t, f.conn.Preload("Subscriptions").First(&g, f.group.ID).Error)
	return g
}

func TestPausePreviewThenCommit(t *testing.T) {
	f := newFixture(t)
	pauseDate := clock.AddDays(clock.DateOf(tueMorn, time.UTC), 2)
	req := PauseRequest{GroupID: f.group.ID, PauseDate: pauseDate}

	preview, err := f.svc.PreviewPause(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 4, preview.OrdersAffected, "Thu through Sun")
	require.Equal(t, 4, preview.CreditCount)
	require.True(t, preview.CreditValue.Equal(decimal.NewFromInt(400)))
	require.EqualValues(t, 7, f.countOrders(t, models.OrderStatusScheduled), "preview must not mutate")

	res, err := f.svc.Pause(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.CreditIDs, 4)
	require.EqualValues(t, 4, f.countOrders(t, models.OrderStatusCancelled))
	require.EqualValues(t, 3, f.countOrders(t, models.OrderStatusScheduled))

	var credits []models.Credit
	require.NoError(t, f.conn.Where("group_id = ?", f.group.ID).Find(&credits).Error)
	require.Len(t, credits, 4)
	for _, c := range credits {
		require.Equal(t, models.CreditReasonPauseMidCycle, c.Reason)
		require.NotNil(t, c.SourceOrderID)
		require.True(t, c.ExpiresAt.Equal(tueMorn.AddDate(0, 0, 60)))
		require.True(t, c.UnitValue.Equal(decimal.NewFromInt(100)))
	}

	g := f.reloadGroup(t)
	require.Equal(t, models.GroupStatusPaused, g.Status)
	require.NotNil(t, g.PausedSince)
	require.True(t, g.PausedSince.Equal(pauseDate))
	for _, sub := range g.Subscriptions {
		require.Equal(t, models.GroupStatusPaused, sub.Status)
	}

	_, err = f.svc.Pause(context.Background(), req)
	require.ErrorIs(t, err, apperr.ErrConflictState)
}

func TestPauseNoticeAndHorizon(t *testing.T) {
	f := newFixture(t)
	today := clock.DateOf(tueMorn, time.UTC)

	_, err := f.svc.PreviewPause(context.Background(), PauseRequest{GroupID: f.group.ID, PauseDate: clock.AddDays(today, 1)})
	require.ErrorIs(t, err, apperr.ErrCutoffPassed)
	var appErr *apperr.Error
	require.True(t, errors.As(err, &appErr))
	require.Contains(t, appErr.Details, "cutoff_at")

	_, err = f.svc.Pause(context.Background(), PauseRequest{GroupID: f.group.ID, PauseDate: clock.AddDays(today, 31)})
	require.ErrorIs(t, err, apperr.ErrLimitExceeded)

	resume := clock.AddDays(today, 2)
	_, err = f.svc.Pause(context.Background(), PauseRequest{GroupID: f.group.ID, PauseDate: clock.AddDays(today, 3), ResumeAt: &resume})
	require.ErrorIs(t, err, apperr.ErrInvalidInput)

	require.EqualValues(t, 7, f.countOrders(t, models.OrderStatusScheduled))
}

func TestPauseIsAtomic(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.conn.Callback().Create().Before("gorm:create").Register("test:fail_credit", func(tx *gorm.DB) {
		if c, ok := tx.Statement.Dest.(*models.Credit); ok && c.SourceOrderID != nil {
			var count int64
			tx.Session(&gorm.Session{NewDB: true}).Model(&models.Credit{}).Count(&count)
			if count >= 2 {
				_ = tx.AddError(errors.New("injected failure"))
			}
		}
	}))
	t.Cleanup(func() { _ = f.conn.Callback().Create().Remove("test:fail_credit") })

	_, err := f.svc.Pause(context.Background(), PauseRequest{GroupID: f.group.ID, PauseDate: clock.AddDays(clock.DateOf(tueMorn, time.UTC), 2)})
	require.ErrorIs(t, err, apperr.ErrTransientStoreError)

	require.EqualValues(t, 7, f.countOrders(t, models.OrderStatusScheduled))
	require.EqualValues(t, 0, f.countOrders(t, models.OrderStatusCancelled))
	var credits int64
	require.NoError(t, f.conn.Model(&models.Credit{}).Count(&credits).Error)
	require.Zero(t, credits)
	require.Equal(t, models.GroupStatusActive, f.reloadGroup(t).Status)
}

func TestResumeMovesPastRenewal(t *testing.T) {
	f := newFixture(t)
	resumeAt := clock.Date(2024, time.March, 20)
	_, err := f.svc.Pause(context.Background(), PauseRequest{GroupID: f.group.ID, PauseDate: clock.Date(2024, time.March, 7), ResumeAt: &resumeAt})
	require.NoError(t, err)

	f.clock.Set(time.Date(2024, time.March, 20, 6, 0, 0, 0, time.UTC))
	res, err := f.svc.AutoResume(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Processed)

	g := f.reloadGroup(t)
	require.Equal(t, models.GroupStatusActive, g.Status)
	require.Nil(t, g.PausedSince)
	require.Nil(t, g.ResumeAt)
	require.True(t, g.RenewalDate.Equal(clock.Date(2024, time.March, 25)), g.RenewalDate.String())
	require.EqualValues(t, 4, f.countOrders(t, models.OrderStatusCancelled), "cancelled orders stay cancelled")

	_, err = f.svc.Resume(context.Background(), f.group.ID)
	require.ErrorIs(t, err, apperr.ErrConflictState)
}

func TestCancelWithRefund(t *testing.T) {
	f := newFixture(t)
	lunch := f.group.Subscriptions[0]
	_, err := f.ledger.Grant(context.Background(), ledger.Grant{
		SubscriptionID: lunch.ID,
		GroupID:        f.group.ID,
		Slot:           lunch.Slot,
		Reason:         models.CreditReasonAdminAdjustment,
		Quantity:       2,
		UnitValue:      decimal.NewFromInt(100),
	})
	require.NoError(t, err)

	req := CancelRequest{GroupID: f.group.ID, CancelDate: clock.Date(2024, time.March, 8), Preference: RefundToPayment}
	preview, err := f.svc.PreviewCancel(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 3, preview.OrdersAffected)
	require.True(t, preview.MealValue.Equal(decimal.NewFromInt(300)))
	require.True(t, preview.CreditValue.Equal(decimal.NewFromInt(200)))
	require.True(t, preview.RefundAmount.Equal(decimal.NewFromInt(500)))

	res, err := f.svc.Cancel(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res.GlobalCreditID)
	require.Equal(t, models.GlobalCreditStatusPendingRefund, res.GlobalCreditStatus)
	require.NotNil(t, res.RefundRequestID)
	require.NotEmpty(t, res.RefundReference)

	var refund models.RefundRequest
	require.NoError(t, f.conn.First(&refund, *res.RefundRequestID).Error)
	require.Equal(t, "pay_123", refund.Destination)
	require.True(t, refund.Amount.Equal(decimal.NewFromInt(500)))
	require.Equal(t, models.RefundRequestStatusPending, refund.Status)

	var credit models.Credit
	require.NoError(t, f.conn.Where("group_id = ?", f.group.ID).First(&credit).Error)
	require.Equal(t, models.CreditStatusUsed, credit.Status)
	require.NotNil(t, credit.GlobalCreditID)

	g := f.reloadGroup(t)
	require.Equal(t, models.GroupStatusCancelled, g.Status)
	require.Equal(t, CancelReasonCustomer, g.CancelReason)
	require.EqualValues(t, 3, f.countOrders(t, models.OrderStatusCancelled))

	_, err = f.svc.Cancel(context.Background(), req)
	require.ErrorIs(t, err, apperr.ErrConflictState)
}

func TestCancelAsCreditAndPastDate(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.PreviewCancel(context.Background(), CancelRequest{GroupID: f.group.ID, CancelDate: monday})
	require.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = f.svc.Cancel(context.Background(), CancelRequest{GroupID: f.group.ID, Preference: "cash"})
	require.ErrorIs(t, err, apperr.ErrInvalidInput)

	res, err := f.svc.Cancel(context.Background(), CancelRequest{GroupID: f.group.ID, CancelDate: sunday, Preference: RefundAsCredit})
	require.NoError(t, err)
	require.Equal(t, models.GlobalCreditStatusAvailable, res.GlobalCreditStatus)
	require.Nil(t, res.RefundRequestID)

	var refunds int64
	require.NoError(t, f.conn.Model(&models.RefundRequest{}).Count(&refunds).Error)
	require.Zero(t, refunds)
}

func TestAutoCancelStalePause(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Pause(context.Background(), PauseRequest{GroupID: f.group.ID, PauseDate: clock.Date(2024, time.March, 7)})
	require.NoError(t, err)

	f.clock.Set(time.Date(2024, time.April, 6, 1, 0, 0, 0, time.UTC))
	res, err := f.svc.AutoCancelStale(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.Processed, "30 days paused is still within the limit")

	f.clock.Set(time.Date(2024, time.April, 7, 1, 0, 0, 0, time.UTC))
	res, err = f.svc.AutoCancelStale(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Processed)

	g := f.reloadGroup(t)
	require.Equal(t, models.GroupStatusCancelled, g.Status)
	require.Equal(t, CancelReasonPauseTimeout, g.CancelReason)

	var global models.GlobalCredit
	require.NoError(t, f.conn.Where("source_group_id = ?", f.group.ID).First(&global).Error)
	require.Equal(t, models.GlobalCreditReasonPauseTimeout, global.Reason)
	require.True(t, global.Amount.Equal(decimal.NewFromInt(400)))

	res, err = f.svc.AutoCancelStale(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.Processed)
}
