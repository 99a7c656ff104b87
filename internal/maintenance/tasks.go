package maintenance

import (
	"context"

	"github.com/mealdrop/mealdrop/internal/clock"
	"github.com/mealdrop/mealdrop/internal/generator"
	"github.com/mealdrop/mealdrop/internal/holiday"
	"github.com/mealdrop/mealdrop/internal/invoicing"
	"github.com/mealdrop/mealdrop/internal/ledger"
	"github.com/mealdrop/mealdrop/internal/lifecycle"
	"github.com/mealdrop/mealdrop/internal/policy"
	"github.com/mealdrop/mealdrop/internal/refund"
	"github.com/mealdrop/mealdrop/internal/trial"
)

// Task names in execution order.
const (
	TaskRenewals       = "renewal_provisioning"
	TaskBackfill       = "order_backfill"
	TaskHolidays       = "holiday_reapply"
	TaskCreditExpiry   = "credit_expiry"
	TaskTrials         = "trial_lifecycle"
	TaskAutoResume     = "pause_auto_resume"
	TaskStaleCancel    = "stale_pause_cancel"
	TaskRefundDispatch = "refund_dispatch"
)

// Services are the engine components the daily batch drives.
type Services struct {
	Invoicing *invoicing.Service
	Generator *generator.Generator
	Holidays  *holiday.Service
	Ledger    *ledger.Ledger
	Trials    *trial.Service
	Lifecycle *lifecycle.Service
	Refunds   *refund.Dispatcher
	Clock     clock.Clock
	Policy    policy.Policy
}

// DailyTasks returns the batch in order. Pauses whose resume date arrived are
// resumed before stale pauses are cancelled, so a scheduled resume always wins.
func DailyTasks(s Services) []Task {
	clk := s.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return []Task{
		{Name: TaskRenewals, Run: func(ctx context.Context) (Counts, error) {
			res, err := s.Invoicing.PrepareRenewals(ctx)
			return Counts{Processed: res.Prepared, Failed: res.Failed}, err
		}},
		{Name: TaskBackfill, Run: func(ctx context.Context) (Counts, error) {
			res, failedCycles, err := s.Generator.Backfill(ctx, clock.Today(clk, s.Policy.Loc()))
			return Counts{Processed: res.Created, Failed: res.Failed + failedCycles}, err
		}},
		{Name: TaskHolidays, Run: func(ctx context.Context) (Counts, error) {
			applied, failed, err := s.Holidays.ReapplyPending(ctx)
			return Counts{Processed: applied, Failed: failed}, err
		}},
		{Name: TaskCreditExpiry, Run: func(ctx context.Context) (Counts, error) {
			n, err := s.Ledger.Expire(ctx)
			return Counts{Processed: int(n)}, err
		}},
		{Name: TaskTrials, Run: func(ctx context.Context) (Counts, error) {
			completed, errComplete := s.Trials.CompleteEnded(ctx)
			if errComplete != nil {
				return Counts{}, errComplete
			}
			activated, errActivate := s.Trials.ActivateStarted(ctx)
			return Counts{Processed: int(completed + activated)}, errActivate
		}},
		{Name: TaskAutoResume, Run: func(ctx context.Context) (Counts, error) {
			res, err := s.Lifecycle.AutoResume(ctx)
			return Counts{Processed: res.Processed, Failed: res.Failed}, err
		}},
		{Name: TaskStaleCancel, Run: func(ctx context.Context) (Counts, error) {
			res, err := s.Lifecycle.AutoCancelStale(ctx)
			return Counts{Processed: res.Processed, Failed: res.Failed}, err
		}},
		{Name: TaskRefundDispatch, Run: func(ctx context.Context) (Counts, error) {
			res, err := s.Refunds.DispatchPending(ctx)
			return Counts{Processed: res.Succeeded, Failed: res.Retrying + res.Abandoned}, err
		}},
	}
}
