package invoicing

import (
	"context"
	"time"

	"github.com/mealdrop/mealdrop/internal/apperr"
	"github.com/mealdrop/mealdrop/internal/clock"
	"github.com/mealdrop/mealdrop/internal/cycle"
	"github.com/mealdrop/mealdrop/internal/generator"
	"github.com/mealdrop/mealdrop/internal/models"
	"github.com/mealdrop/mealdrop/internal/store"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RenewalResult summarizes a renewal pass.
type RenewalResult struct {
	Prepared int `json:"prepared"`
	Existing int `json:"existing"`
	Failed   int `json:"failed"`
}

var errRenewalExists = apperr.Conflict("renewal cycle already exists")

// PrepareRenewals creates the next cycle and a pending invoice for every active
// group whose renewal date falls within the renewal lead window.
func (s *Service) PrepareRenewals(ctx context.Context) (RenewalResult, error) {
	var out RenewalResult
	horizon := clock.AddDays(s.today(), s.policy.RenewalLeadDays)

	var ids []uint64
	if errFind := s.tx.DB(ctx).Model(&models.SubscriptionGroup{}).
		Where("status = ? AND renewal_date <= ?", models.GroupStatusActive, horizon).
		Order("renewal_date ASC, id ASC").
		Pluck("id", &ids).Error; errFind != nil {
		return out, store.Classify(errFind, "subscription group")
	}

	for _, id := range ids {
		if errCtx := ctx.Err(); errCtx != nil {
			return out, errCtx
		}
		_, errPrepare := s.PrepareRenewal(ctx, id)
		switch {
		case errPrepare == nil:
			out.Prepared++
		case apperr.KindOf(errPrepare) == apperr.KindConflictState:
			out.Existing++
		default:
			out.Failed++
			log.WithError(errPrepare).WithField("group_id", id).Warn("invoicing: renewal failed")
		}
	}
	return out, nil
}

// PrepareRenewal bills the cycle starting at the group's renewal date. Each
// line's meal count is the matching weekdays minus declared holidays; the
// subscription's credits are consumed oldest-expiring-first against it.
func (s *Service) PrepareRenewal(ctx context.Context, groupID uint64) (*models.Invoice, error) {
	var inv models.Invoice
	errTx := s.tx.InTx(ctx, func(tx *gorm.DB) error {
		var group models.SubscriptionGroup
		if errFind := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Preload("Plan").
			Preload("Subscriptions").
			First(&group, groupID).Error; errFind != nil {
			return store.Classify(errFind, "subscription group")
		}
		if group.Status != models.GroupStatusActive {
			return apperr.Conflict("only active groups renew").With("status", group.Status)
		}
		bounds, errBounds := cycle.Current(group.Plan.PeriodType, clock.Stored(group.RenewalDate))
		if errBounds != nil {
			return apperr.Invalid(errBounds.Error())
		}

		var existing int64
		if errCount := tx.Model(&models.Cycle{}).
			Where("group_id = ? AND cycle_start = ?", group.ID, bounds.Start).
			Count(&existing).Error; errCount != nil {
			return errCount
		}
		if existing > 0 {
			return errRenewalExists.With("group_id", group.ID).With("cycle_start", bounds.Start.Format(time.DateOnly))
		}

		next := models.Cycle{
			GroupID:     group.ID,
			CycleStart:  bounds.Start,
			CycleEnd:    bounds.End,
			RenewalDate: bounds.Renewal,
			SkipCounts:  datatypes.NewJSONType(map[models.Slot]int{}),
		}
		if errCreate := tx.Create(&next).Error; errCreate != nil {
			return errCreate
		}
		inv = models.Invoice{CycleID: next.ID, GroupID: group.ID, Status: models.InvoiceStatusPending}
		if errCreate := tx.Omit("Cycle", "Lines").Create(&inv).Error; errCreate != nil {
			return errCreate
		}

		holidays, errHolidays := generator.LoadHolidays(tx, group.VendorID, bounds.Start, bounds.End)
		if errHolidays != nil {
			return errHolidays
		}
		subtotal, discount := decimal.Zero, decimal.Zero
		for i := range group.Subscriptions {
			sub := &group.Subscriptions[i]
			if sub.Status != models.GroupStatusActive {
				continue
			}
			line, errLine := s.line(tx, &inv, sub, &group.Plan, bounds.Start, bounds.End, holidays, true)
			if errLine != nil {
				return errLine
			}
			if errCreate := tx.Create(&line).Error; errCreate != nil {
				return errCreate
			}
			inv.Lines = append(inv.Lines, line)
			subtotal = subtotal.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.MealCount))))
			discount = discount.Add(line.CreditValue)
		}
		total := subtotal.Sub(discount)
		if total.IsNegative() {
			total = decimal.Zero
		}
		inv.Subtotal, inv.CreditDiscount, inv.TotalAmount = subtotal, discount, total
		return tx.Model(&models.Invoice{}).Where("id = ?", inv.ID).Updates(map[string]any{
			"subtotal":        subtotal,
			"credit_discount": discount,
			"total_amount":    total,
		}).Error
	})
	if errTx != nil {
		return nil, errTx
	}
	log.WithFields(log.Fields{
		"group_id":        groupID,
		"invoice_id":      inv.ID,
		"cycle_id":        inv.CycleID,
		"subtotal":        inv.Subtotal.StringFixed(2),
		"credit_discount": inv.CreditDiscount.StringFixed(2),
	}).Info("invoicing: renewal prepared")
	return &inv, nil
}
