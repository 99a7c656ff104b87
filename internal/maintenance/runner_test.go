package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mealdrop/mealdrop/internal/apperr"
	"github.com/mealdrop/mealdrop/internal/capacity"
	"github.com/mealdrop/mealdrop/internal/clock"
	"github.com/mealdrop/mealdrop/internal/db/dbtest"
	"github.com/mealdrop/mealdrop/internal/generator"
	"github.com/mealdrop/mealdrop/internal/holiday"
	"github.com/mealdrop/mealdrop/internal/invoicing"
	"github.com/mealdrop/mealdrop/internal/ledger"
	"github.com/mealdrop/mealdrop/internal/lifecycle"
	"github.com/mealdrop/mealdrop/internal/models"
	"github.com/mealdrop/mealdrop/internal/policy"
	"github.com/mealdrop/mealdrop/internal/refund"
	"github.com/mealdrop/mealdrop/internal/store"
	"github.com/mealdrop/mealdrop/internal/trial"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type heldLocker struct{}

func (heldLocker) Acquire(context.Context, time.Duration) (func(), bool, error) {
	return nil, false, nil
}

type brokenLocker struct{}

func (brokenLocker) Acquire(context.Context, time.Duration) (func(), bool, error) {
	return nil, false, errors.New("redis: connection refused")
}

func TestRunIsolatesTaskFailures(t *testing.T) {
	conn := dbtest.Open(t)
	var order []string
	step := func(name string, counts Counts, err error) Task {
		return Task{Name: name, Run: func(context.Context) (Counts, error) {
			order = append(order, name)
			return counts, err
		}}
	}
	tasks := []Task{
		step("first", Counts{Processed: 3}, nil),
		{Name: "panics", Run: func(context.Context) (Counts, error) {
			order = append(order, "panics")
			panic("boom")
		}},
		step("errors", Counts{Processed: 1, Failed: 2}, errors.New("store down")),
		step("last", Counts{}, nil),
	}
	runner := NewRunner(store.NewTransactor(conn), clock.NewFixed(time.Date(2024, time.March, 5, 2, 0, 0, 0, time.UTC)), tasks)

	summary, err := runner.Run(context.Background(), TriggerCLI)
	require.NoError(t, err)
	require.False(t, summary.Success)
	require.Equal(t, []string{"first", "panics", "errors", "last"}, order)
	require.Len(t, summary.Tasks, 4)
	require.True(t, summary.Tasks[0].Success)
	require.Equal(t, 3, summary.Tasks[0].Processed)
	require.False(t, summary.Tasks[1].Success)
	require.Contains(t, summary.Tasks[1].Error, "boom")
	require.False(t, summary.Tasks[2].Success)
	require.Equal(t, 2, summary.Tasks[2].Failed)
	require.True(t, summary.Tasks[3].Success)

	runs, err := runner.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, summary.RunID, runs[0].RunID)
	require.Equal(t, TriggerCLI, runs[0].Trigger)
	require.False(t, runs[0].Success)
	var stored Summary
	require.NoError(t, json.Unmarshal(runs[0].Summary, &stored))
	require.Equal(t, summary.Tasks, stored.Tasks)
}

func TestRunRejectsOverlap(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	runner := NewRunner(nil, nil, []Task{{Name: "slow", Run: func(context.Context) (Counts, error) {
		close(entered)
		<-release
		return Counts{}, nil
	}}})

	done := make(chan error, 1)
	go func() {
		_, err := runner.Run(context.Background(), TriggerCron)
		done <- err
	}()
	<-entered
	_, err := runner.Run(context.Background(), TriggerHTTP)
	require.ErrorIs(t, err, apperr.ErrConflictState)
	close(release)
	require.NoError(t, <-done)
}

func TestRunHonoursDistributedLock(t *testing.T) {
	ran := false
	tasks := []Task{{Name: "noop", Run: func(context.Context) (Counts, error) {
		ran = true
		return Counts{}, nil
	}}}

	_, err := NewRunner(nil, nil, tasks, WithLocker(heldLocker{}, time.Minute)).Run(context.Background(), TriggerCron)
	require.ErrorIs(t, err, apperr.ErrConflictState)
	require.False(t, ran)

	summary, err := NewRunner(nil, nil, tasks, WithLocker(brokenLocker{}, time.Minute)).Run(context.Background(), TriggerCron)
	require.NoError(t, err)
	require.True(t, summary.Success)
	require.True(t, ran)
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	runner := NewRunner(nil, nil, nil)
	_, err := StartScheduler(context.Background(), runner, "not a cron spec")
	require.Error(t, err)
	_, err = StartScheduler(context.Background(), runner, "")
	require.Error(t, err)
}

func TestDailyTasksResumeBeforeStaleCancel(t *testing.T) {
	conn := dbtest.Open(t)
	clk := clock.NewFixed(time.Date(2024, time.April, 15, 2, 0, 0, 0, time.UTC))
	today := clock.Date(2024, time.April, 15)
	pol := policy.Default()
	tx := store.NewTransactor(conn)
	l := ledger.New(tx, clk, pol)
	gen := generator.New(conn)

	plan := dbtest.CreatePlan(t, conn, dbtest.PlanSpec{})
	lunch := map[models.Slot]models.Weekdays{models.SlotLunch: models.WeekdaysOf(time.Monday, time.Wednesday)}
	resuming := dbtest.CreateGroup(t, conn, plan, dbtest.GroupSpec{
		ConsumerID: 100,
		StartDate:  clock.Date(2024, time.March, 4),
		Status:     models.GroupStatusPaused,
		Slots:      lunch,
	})
	stale := dbtest.CreateGroup(t, conn, plan, dbtest.GroupSpec{
		ConsumerID: 101,
		StartDate:  clock.Date(2024, time.March, 4),
		Status:     models.GroupStatusPaused,
		Slots:      lunch,
	})
	pausedSince := clock.Date(2024, time.March, 10)
	require.NoError(t, conn.Model(&models.SubscriptionGroup{}).Where("id = ?", resuming.ID).
		Updates(map[string]any{"paused_since": pausedSince, "resume_at": today}).Error)
	require.NoError(t, conn.Model(&models.SubscriptionGroup{}).Where("id = ?", stale.ID).
		Updates(map[string]any{"paused_since": pausedSince}).Error)

	expired := models.Credit{
		SubscriptionID: resuming.Subscriptions[0].ID,
		GroupID:        resuming.ID,
		Slot:           models.SlotLunch,
		Reason:         models.CreditReasonSkip,
		UnitValue:      decimal.NewFromInt(100),
		Quantity:       1,
		Status:         models.CreditStatusAvailable,
		ExpiresAt:      clk.Now().Add(-time.Hour),
	}
	require.NoError(t, conn.Create(&expired).Error)

	runner := NewRunner(tx, clk, DailyTasks(Services{
		Invoicing: invoicing.NewService(tx, l, gen, clk, pol),
		Generator: gen,
		Holidays:  holiday.NewService(tx, l, clk, pol),
		Ledger:    l,
		Trials:    trial.NewService(tx, capacity.NewChecker(conn), clk, pol),
		Lifecycle: lifecycle.NewService(tx, l, clk, pol),
		Refunds:   refund.NewDispatcher(tx, l, clk, refund.Options{}),
		Clock:     clk,
		Policy:    pol,
	}))

	summary, err := runner.Run(context.Background(), TriggerCLI)
	require.NoError(t, err)
	require.True(t, summary.Success, "%+v", summary.Tasks)
	names := make([]string, 0, len(summary.Tasks))
	byName := map[string]TaskReport{}
	for _, task := range summary.Tasks {
		names = append(names, task.Name)
		byName[task.Name] = task
	}
	require.Equal(t, []string{
		TaskRenewals, TaskBackfill, TaskHolidays, TaskCreditExpiry,
		TaskTrials, TaskAutoResume, TaskStaleCancel, TaskRefundDispatch,
	}, names)
	require.Equal(t, 1, byName[TaskCreditExpiry].Processed)
	require.Equal(t, 1, byName[TaskAutoResume].Processed)
	require.Equal(t, 1, byName[TaskStaleCancel].Processed)

	var groups []models.SubscriptionGroup
	require.NoError(t, conn.Order("id ASC").Find(&groups).Error)
	require.Equal(t, models.GroupStatusActive, groups[0].Status)
	require.Nil(t, groups[0].PausedSince)
	require.Equal(t, models.GroupStatusCancelled, groups[1].Status)
	require.Equal(t, lifecycle.CancelReasonPauseTimeout, groups[1].CancelReason)
}
