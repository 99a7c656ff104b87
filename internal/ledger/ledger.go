// Package ledger records meal credits and vendor-agnostic global credits.
package ledger

import (
	"context"
	"time"

	"github.com/mealdrop/mealdrop/internal/apperr"
	"github.com/mealdrop/mealdrop/internal/clock"
	"github.com/mealdrop/mealdrop/internal/db"
	"github.com/mealdrop/mealdrop/internal/models"
	"github.com/mealdrop/mealdrop/internal/policy"
	"github.com/mealdrop/mealdrop/internal/store"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Ledger grants, consumes, expires and voids credits.
type Ledger struct {
	tx     *store.Transactor
	clock  clock.Clock
	policy policy.Policy
}

// New constructs a Ledger.
func New(tx *store.Transactor, clk clock.Clock, pol policy.Policy) *Ledger {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Ledger{tx: tx, clock: clk, policy: pol}
}

// Grant describes a credit to record.
type Grant struct {
	SubscriptionID uint64
	GroupID        uint64
	Slot           models.Slot
	Reason         models.CreditReason
	Quantity       int
	UnitValue      decimal.Decimal
	ExpiresAt      time.Time // Zero means the configured credit expiry from now.
	SourceOrderID  *uint64
	Note           string
}

// Grant records a credit in its own transaction.
func (l *Ledger) Grant(ctx context.Context, g Grant) (*models.Credit, error) {
	var created *models.Credit
	errTx := l.tx.InTx(ctx, func(tx *gorm.DB) error {
		credit, errGrant := l.GrantTx(tx, g)
		if errGrant != nil {
			return errGrant
		}
		created = credit
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}
	return created, nil
}

// GrantTx records a credit inside tx. A credit sourced from an order can be
// granted at most once.
func (l *Ledger) GrantTx(tx *gorm.DB, g Grant) (*models.Credit, error) {
	if g.Quantity <= 0 {
		return nil, apperr.Invalid("credit quantity must be positive")
	}
	if !g.Reason.Valid() {
		return nil, apperr.Invalid("unknown credit reason")
	}
	if !g.Slot.Valid() {
		return nil, apperr.Invalid("unknown slot")
	}
	if g.UnitValue.IsNegative() {
		return nil, apperr.Invalid("credit value must not be negative")
	}
	if g.SourceOrderID != nil {
		var count int64
		if errCount := tx.Model(&models.Credit{}).Where("source_order_id = ?", *g.SourceOrderID).Count(&count).Error; errCount != nil {
			return nil, errCount
		}
		if count > 0 {
			return nil, apperr.Conflict("credit already granted for order").With("order_id", *g.SourceOrderID)
		}
	}
	now := l.clock.Now().UTC()
	expires := g.ExpiresAt
	if expires.IsZero() {
		expires = l.policy.CreditExpiresAt(now)
	}
	credit := &models.Credit{
		SubscriptionID: g.SubscriptionID,
		GroupID:        g.GroupID,
		Slot:           g.Slot,
		Reason:         g.Reason,
		SourceOrderID:  g.SourceOrderID,
		UnitValue:      g.UnitValue,
		Quantity:       g.Quantity,
		Status:         models.CreditStatusAvailable,
		Note:           g.Note,
		ExpiresAt:      expires.UTC(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if errCreate := tx.Create(credit).Error; errCreate != nil {
		if db.IsUniqueViolation(errCreate) {
			return nil, apperr.Conflict("credit already granted for order")
		}
		return nil, errCreate
	}
	log.WithFields(log.Fields{
		"credit_id":       credit.ID,
		"subscription_id": credit.SubscriptionID,
		"reason":          credit.Reason,
		"quantity":        credit.Quantity,
	}).Debug("ledger: credit granted")
	return credit, nil
}

// Consumption reports the credits applied against an invoice line.
type Consumption struct {
	Units     int
	Value     decimal.Decimal
	CreditIDs []uint64
}

// ConsumeTx applies up to quantity available units of the subscription's slot
// credits, oldest expiry first. It never consumes more than is available.
func (l *Ledger) ConsumeTx(tx *gorm.DB, subscriptionID uint64, slot models.Slot, quantity int, invoiceID uint64) (Consumption, error) {
	out := Consumption{Value: decimal.Zero}
	if quantity <= 0 {
		return out, nil
	}
	now := l.clock.Now().UTC()

	var credits []models.Credit
	if errFind := tx.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("subscription_id = ? AND slot = ? AND status = ? AND expires_at > ?", subscriptionID, slot, models.CreditStatusAvailable, now).
		Order("expires_at ASC, id ASC").
		Find(&credits).Error; errFind != nil {
		return out, errFind
	}

	remaining := quantity
	for i := range credits {
		if remaining <= 0 {
			break
		}
		credit := &credits[i]
		take := credit.Remaining()
		if take <= 0 {
			continue
		}
		if take > remaining {
			take = remaining
		}
		updates := map[string]any{
			"consumed_quantity": credit.ConsumedQty + take,
			"updated_at":        now,
		}
		if credit.ConsumedQty+take >= credit.Quantity {
			updates["status"] = models.CreditStatusUsed
			updates["used_at"] = now
			updates["used_invoice_id"] = invoiceID
		}
		res := tx.Model(&models.Credit{}).
			Where("id = ? AND status = ? AND consumed_quantity = ?", credit.ID, models.CreditStatusAvailable, credit.ConsumedQty).
			Updates(updates)
		if res.Error != nil {
			return out, res.Error
		}
		if res.RowsAffected == 0 {
			return out, apperr.Conflict("credit changed concurrently").With("credit_id", credit.ID)
		}
		remaining -= take
		out.Units += take
		out.Value = out.Value.Add(credit.UnitValue.Mul(decimal.NewFromInt(int64(take))))
		out.CreditIDs = append(out.CreditIDs, credit.ID)
	}
	return out, nil
}

// Expire marks every available credit whose expiry has passed as expired.
func (l *Ledger) Expire(ctx context.Context) (int64, error) {
	now := l.clock.Now().UTC()
	res := l.tx.DB(ctx).Model(&models.Credit{}).
		Where("status = ? AND expires_at <= ?", models.CreditStatusAvailable, now).
		Updates(map[string]any{
			"status":     models.CreditStatusExpired,
			"updated_at": now,
		})
	if res.Error != nil {
		return 0, store.Classify(res.Error, "credit")
	}
	return res.RowsAffected, nil
}

// Void administratively cancels an available credit.
func (l *Ledger) Void(ctx context.Context, creditID uint64, note string) (*models.Credit, error) {
	var out models.Credit
	errTx := l.tx.InTx(ctx, func(tx *gorm.DB) error {
		if errFind := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&out, creditID).Error; errFind != nil {
			return store.Classify(errFind, "credit")
		}
		if !models.CanTransition(out.Status, models.CreditStatusVoid) {
			return apperr.Conflict("credit is not available").With("status", out.Status)
		}
		now := l.clock.Now().UTC()
		updates := map[string]any{"status": models.CreditStatusVoid, "updated_at": now}
		if note != "" {
			updates["note"] = note
		}
		if errUpdate := tx.Model(&out).Updates(updates).Error; errUpdate != nil {
			return errUpdate
		}
		out.Status = models.CreditStatusVoid
		if note != "" {
			out.Note = note
		}
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}
	return &out, nil
}

// AvailableForGroupTx returns the group's unexpired available credits, locked.
func (l *Ledger) AvailableForGroupTx(tx *gorm.DB, groupID uint64) ([]models.Credit, error) {
	var credits []models.Credit
	if errFind := tx.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("group_id = ? AND status = ? AND expires_at > ?", groupID, models.CreditStatusAvailable, l.clock.Now().UTC()).
		Order("expires_at ASC, id ASC").
		Find(&credits).Error; errFind != nil {
		return nil, errFind
	}
	return credits, nil
}

// Balance summarizes a group's available credits.
type Balance struct {
	Units  int                             `json:"units"`
	Value  decimal.Decimal                 `json:"value"`
	BySlot map[models.Slot]int             `json:"by_slot"`
	Values map[models.Slot]decimal.Decimal `json:"values_by_slot"`
}

// BalanceOf sums the remaining units and value of credits.
func BalanceOf(credits []models.Credit) Balance {
	b := Balance{
		Value:  decimal.Zero,
		BySlot: make(map[models.Slot]int),
		Values: make(map[models.Slot]decimal.Decimal),
	}
	for i := range credits {
		units := credits[i].Remaining()
		value := credits[i].RemainingValue()
		b.Units += units
		b.Value = b.Value.Add(value)
		b.BySlot[credits[i].Slot] += units
		b.Values[credits[i].Slot] = b.Values[credits[i].Slot].Add(value)
	}
	return b
}

// GroupBalance returns the available credit balance of a group.
func (l *Ledger) GroupBalance(ctx context.Context, groupID uint64) (Balance, error) {
	var credits []models.Credit
	if errFind := l.tx.DB(ctx).
		Where("group_id = ? AND status = ? AND expires_at > ?", groupID, models.CreditStatusAvailable, l.clock.Now().UTC()).
		Find(&credits).Error; errFind != nil {
		return Balance{}, store.Classify(errFind, "credit")
	}
	return BalanceOf(credits), nil
}

// CreditFilter narrows ListCredits.
type CreditFilter struct {
	GroupIDs       []uint64
	SubscriptionID uint64
	Status         models.CreditStatus
	Limit          int
}

// ListCredits returns credits matching filter, newest first.
func (l *Ledger) ListCredits(ctx context.Context, filter CreditFilter) ([]models.Credit, error) {
	q := l.tx.DB(ctx).Model(&models.Credit{})
	if len(filter.GroupIDs) > 0 {
		q = q.Where("group_id IN ?", filter.GroupIDs)
	}
	if filter.SubscriptionID != 0 {
		q = q.Where("subscription_id = ?", filter.SubscriptionID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var credits []models.Credit
	if errFind := q.Order("created_at DESC, id DESC").Limit(limit).Find(&credits).Error; errFind != nil {
		return nil, store.Classify(errFind, "credit")
	}
	return credits, nil
}
