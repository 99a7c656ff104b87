package ledger

import (
	"context"

	"github.com/mealdrop/mealdrop/internal/apperr"
	"github.com/mealdrop/mealdrop/internal/db"
	"github.com/mealdrop/mealdrop/internal/models"
	"github.com/mealdrop/mealdrop/internal/store"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Conversion reports a group closure folded into a global credit.
type Conversion struct {
	GlobalCredit *models.GlobalCredit
	CreditIDs    []uint64
	CreditUnits  int
	CreditValue  decimal.Decimal
}

// ConvertGroupTx closes out every available credit of the group into a single
// global credit worth their remaining value plus extra. The slot credits move
// to used and point at the global credit. A group converts at most once.
// When the total is zero no global credit is written and GlobalCredit is nil.
func (l *Ledger) ConvertGroupTx(tx *gorm.DB, group *models.SubscriptionGroup, reason models.GlobalCreditReason, extra decimal.Decimal, status models.GlobalCreditStatus) (Conversion, error) {
	out := Conversion{CreditValue: decimal.Zero}
	if group == nil {
		return out, apperr.Invalid("missing subscription group")
	}
	if extra.IsNegative() {
		return out, apperr.Invalid("conversion amount must not be negative")
	}

	credits, errCredits := l.AvailableForGroupTx(tx, group.ID)
	if errCredits != nil {
		return out, errCredits
	}
	balance := BalanceOf(credits)
	out.CreditUnits = balance.Units
	out.CreditValue = balance.Value

	amount := balance.Value.Add(extra).Round(2)
	if !amount.IsPositive() && len(credits) == 0 {
		return out, nil
	}

	var count int64
	if errCount := tx.Model(&models.GlobalCredit{}).Where("source_group_id = ?", group.ID).Count(&count).Error; errCount != nil {
		return out, errCount
	}
	if count > 0 {
		return out, apperr.Conflict("group already converted to global credit").With("group_id", group.ID)
	}

	now := l.clock.Now().UTC()
	if amount.IsPositive() {
		global := &models.GlobalCredit{
			ConsumerID:    group.ConsumerID,
			SourceGroupID: group.ID,
			Reason:        reason,
			Amount:        amount,
			Status:        status,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if errCreate := tx.Create(global).Error; errCreate != nil {
			if db.IsUniqueViolation(errCreate) {
				return out, apperr.Conflict("group already converted to global credit").With("group_id", group.ID)
			}
			return out, errCreate
		}
		out.GlobalCredit = global
	}

	for i := range credits {
		updates := map[string]any{
			"status":     models.CreditStatusUsed,
			"used_at":    now,
			"updated_at": now,
		}
		if out.GlobalCredit != nil {
			updates["global_credit_id"] = out.GlobalCredit.ID
		}
		res := tx.Model(&models.Credit{}).
			Where("id = ? AND status = ?", credits[i].ID, models.CreditStatusAvailable).
			Updates(updates)
		if res.Error != nil {
			return out, res.Error
		}
		if res.RowsAffected == 0 {
			return out, apperr.Conflict("credit changed concurrently").With("credit_id", credits[i].ID)
		}
		out.CreditIDs = append(out.CreditIDs, credits[i].ID)
	}

	fields := log.Fields{
		"group_id":     group.ID,
		"consumer_id":  group.ConsumerID,
		"reason":       reason,
		"amount":       amount.StringFixed(2),
		"credit_count": len(out.CreditIDs),
	}
	if out.GlobalCredit != nil {
		fields["global_credit_id"] = out.GlobalCredit.ID
	}
	log.WithFields(fields).Info("ledger: group credits converted")
	return out, nil
}

// RedeemGlobalTx marks an available global credit of the consumer as used.
func (l *Ledger) RedeemGlobalTx(tx *gorm.DB, consumerID, globalCreditID uint64) (*models.GlobalCredit, error) {
	var global models.GlobalCredit
	if errFind := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&global, globalCreditID).Error; errFind != nil {
		return nil, store.Classify(errFind, "global credit")
	}
	if global.ConsumerID != consumerID {
		return nil, apperr.New(apperr.KindUnauthorized, "global credit belongs to another consumer")
	}
	if global.Status != models.GlobalCreditStatusAvailable {
		return nil, apperr.Conflict("global credit is not available").With("status", global.Status)
	}
	if errUpdate := l.moveGlobalTx(tx, &global, models.GlobalCreditStatusAvailable, models.GlobalCreditStatusUsed); errUpdate != nil {
		return nil, errUpdate
	}
	return &global, nil
}

// MarkRefundedTx settles a pending_refund global credit after the gateway confirmed the refund.
func (l *Ledger) MarkRefundedTx(tx *gorm.DB, globalCreditID uint64) error {
	var global models.GlobalCredit
	if errFind := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&global, globalCreditID).Error; errFind != nil {
		return store.Classify(errFind, "global credit")
	}
	switch global.Status {
	case models.GlobalCreditStatusRefunded:
		return nil
	case models.GlobalCreditStatusPendingRefund:
		return l.moveGlobalTx(tx, &global, models.GlobalCreditStatusPendingRefund, models.GlobalCreditStatusRefunded)
	default:
		return apperr.Conflict("global credit is not awaiting a refund").With("status", global.Status)
	}
}

// VoidGlobal administratively cancels an available global credit.
func (l *Ledger) VoidGlobal(ctx context.Context, globalCreditID uint64) (*models.GlobalCredit, error) {
	var global models.GlobalCredit
	errTx := l.tx.InTx(ctx, func(tx *gorm.DB) error {
		if errFind := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&global, globalCreditID).Error; errFind != nil {
			return store.Classify(errFind, "global credit")
		}
		if global.Status != models.GlobalCreditStatusAvailable {
			return apperr.Conflict("global credit is not available").With("status", global.Status)
		}
		return l.moveGlobalTx(tx, &global, models.GlobalCreditStatusAvailable, models.GlobalCreditStatusVoid)
	})
	if errTx != nil {
		return nil, errTx
	}
	return &global, nil
}

func (l *Ledger) moveGlobalTx(tx *gorm.DB, global *models.GlobalCredit, from, to models.GlobalCreditStatus) error {
	now := l.clock.Now().UTC()
	res := tx.Model(&models.GlobalCredit{}).
		Where("id = ? AND status = ?", global.ID, from).
		Updates(map[string]any{"status": to, "updated_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.Conflict("global credit changed concurrently").With("global_credit_id", global.ID)
	}
	global.Status = to
	global.UpdatedAt = now
	return nil
}

// ListGlobal returns a consumer's global credits, newest first. A zero
// consumerID lists every consumer.
func (l *Ledger) ListGlobal(ctx context.Context, consumerID uint64, status models.GlobalCreditStatus) ([]models.GlobalCredit, error) {
	q := l.tx.DB(ctx).Model(&models.GlobalCredit{})
	if consumerID != 0 {
		q = q.Where("consumer_id = ?", consumerID)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []models.GlobalCredit
	if errFind := q.Order("created_at DESC, id DESC").Limit(200).Find(&out).Error; errFind != nil {
		return nil, store.Classify(errFind, "global credit")
	}
	return out, nil
}
