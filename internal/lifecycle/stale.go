package lifecycle

import (
	"context"
	"time"

	"github.com/mealdrop/mealdrop/internal/apperr"
	"github.com/mealdrop/mealdrop/internal/clock"
	"github.com/mealdrop/mealdrop/internal/models"
	"github.com/mealdrop/mealdrop/internal/store"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SweepResult counts groups handled by a background sweep.
type SweepResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// AutoResume resumes paused groups whose resume date has arrived.
func (s *Service) AutoResume(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	var ids []uint64
	if errFind := s.tx.DB(ctx).Model(&models.SubscriptionGroup{}).
		Where("status = ? AND resume_at IS NOT NULL AND resume_at <= ?", models.GroupStatusPaused, s.today()).
		Order("id ASC").
		Pluck("id", &ids).Error; errFind != nil {
		return res, store.Classify(errFind, "subscription group")
	}
	for _, id := range ids {
		if errCtx := ctx.Err(); errCtx != nil {
			return res, errCtx
		}
		if _, errResume := s.Resume(ctx, id); errResume != nil {
			if apperr.KindOf(errResume) == apperr.KindConflictState {
				continue
			}
			res.Failed++
			log.WithError(errResume).WithField("group_id", id).Warn("lifecycle: auto-resume failed")
			continue
		}
		res.Processed++
	}
	return res, nil
}

// AutoCancelStale cancels groups paused for longer than the maximum pause,
// converting their available credits into a global credit.
func (s *Service) AutoCancelStale(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	threshold := clock.AddDays(s.today(), -s.policy.MaxPauseDays)
	var ids []uint64
	if errFind := s.tx.DB(ctx).Model(&models.SubscriptionGroup{}).
		Where("status = ? AND paused_since IS NOT NULL AND paused_since < ?", models.GroupStatusPaused, threshold).
		Order("id ASC").
		Pluck("id", &ids).Error; errFind != nil {
		return res, store.Classify(errFind, "subscription group")
	}
	for _, id := range ids {
		if errCtx := ctx.Err(); errCtx != nil {
			return res, errCtx
		}
		cancelled, errCancel := s.cancelStale(ctx, id, threshold)
		if errCancel != nil {
			res.Failed++
			log.WithError(errCancel).WithField("group_id", id).Error("lifecycle: stale pause cancel failed")
			continue
		}
		if cancelled {
			res.Processed++
		}
	}
	return res, nil
}

func (s *Service) cancelStale(ctx context.Context, groupID uint64, threshold time.Time) (bool, error) {
	cancelled := false
	errTx := s.tx.InTx(ctx, func(tx *gorm.DB) error {
		group, errGroup := loadGroup(tx, groupID, true)
		if errGroup != nil {
			return errGroup
		}
		if group.Status != models.GroupStatusPaused || group.PausedSince == nil || !group.PausedSince.Before(threshold) {
			return nil
		}
		if _, errFail := s.ledger.FailPendingInvoicesTx(tx, group.ID); errFail != nil {
			return errFail
		}
		conv, errConvert := s.ledger.ConvertGroupTx(tx, group, models.GlobalCreditReasonPauseTimeout, decimal.Zero, models.GlobalCreditStatusAvailable)
		if errConvert != nil {
			return errConvert
		}
		now := s.clock.Now().UTC()
		if errStatus := setStatus(tx, group, models.GroupStatusPaused, models.GroupStatusCancelled, map[string]any{
			"cancelled_at":  now,
			"cancel_reason": CancelReasonPauseTimeout,
		}, now); errStatus != nil {
			return errStatus
		}
		fields := log.Fields{"group_id": group.ID, "paused_since": group.PausedSince.Format(time.DateOnly)}
		if conv.GlobalCredit != nil {
			fields["global_credit_id"] = conv.GlobalCredit.ID
			fields["amount"] = conv.GlobalCredit.Amount.StringFixed(2)
		}
		log.WithFields(fields).Info("lifecycle: stale pause cancelled")
		cancelled = true
		return nil
	})
	return cancelled, errTx
}
