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
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ProvisionRequest is a successful first payment for a new group.
type ProvisionRequest struct {
	PaymentReference       string
	ConsumerID             uint64
	PlanID                 uint64
	DeliveryAddressID      uint64
	StartDate              time.Time
	Slots                  map[models.Slot]models.Weekdays
	AppliedGlobalCreditIDs []uint64
}

// ProvisionResult identifies the provisioned group and its first cycle.
type ProvisionResult struct {
	GroupID   uint64           `json:"group_id"`
	CycleID   uint64           `json:"cycle_id"`
	InvoiceID uint64           `json:"invoice_id"`
	Created   bool             `json:"created"`
	Orders    generator.Result `json:"orders"`
}

func (s *Service) validateProvision(req ProvisionRequest) error {
	if req.PaymentReference == "" {
		return apperr.Invalid("payment reference is required")
	}
	if req.ConsumerID == 0 || req.PlanID == 0 {
		return apperr.Invalid("consumer and plan are required")
	}
	if req.StartDate.IsZero() {
		return apperr.Invalid("start date is required")
	}
	if clock.Civil(req.StartDate).Before(s.today()) {
		return apperr.Invalid("start date must not be in the past").With("earliest_date", s.today().Format(time.DateOnly))
	}
	if len(req.Slots) == 0 {
		return apperr.Invalid("select at least one slot")
	}
	for slot, days := range req.Slots {
		if !slot.Valid() {
			return apperr.Invalid("unknown slot").With("slot", slot)
		}
		if !days.Valid() {
			return apperr.Invalid("select at least one weekday").With("slot", slot)
		}
	}
	return nil
}

// Provision creates the group, its slot subscriptions, the first cycle and a
// paid invoice, then generates the cycle's orders. Replaying the same payment
// reference returns the already provisioned group.
func (s *Service) Provision(ctx context.Context, req ProvisionRequest) (ProvisionResult, error) {
	if errValidate := s.validateProvision(req); errValidate != nil {
		return ProvisionResult{}, errValidate
	}
	start := clock.Civil(req.StartDate)

	var (
		res   ProvisionResult
		group models.SubscriptionGroup
		first models.Cycle
	)
	errTx := s.tx.InTx(ctx, func(tx *gorm.DB) error {
		var existing models.Invoice
		found := tx.Where("payment_reference = ?", req.PaymentReference).Limit(1).Find(&existing)
		if found.Error != nil {
			return found.Error
		}
		if found.RowsAffected > 0 {
			res.GroupID = existing.GroupID
			res.CycleID = existing.CycleID
			res.InvoiceID = existing.ID
			return nil
		}

		var plan models.Plan
		if errFind := tx.First(&plan, req.PlanID).Error; errFind != nil {
			return store.Classify(errFind, "plan")
		}
		if !plan.IsEnabled {
			return apperr.NotFound("plan")
		}
		for slot := range req.Slots {
			if !plan.AllowsSlot(slot) {
				return apperr.Invalid("plan does not offer slot").With("slot", slot)
			}
		}
		bounds, errBounds := cycle.Current(plan.PeriodType, start)
		if errBounds != nil {
			return apperr.Invalid(errBounds.Error())
		}

		group = models.SubscriptionGroup{
			ConsumerID:        req.ConsumerID,
			VendorID:          plan.VendorID,
			PlanID:            plan.ID,
			DeliveryAddressID: req.DeliveryAddressID,
			Status:            models.GroupStatusActive,
			StartDate:         start,
			RenewalDate:       bounds.Renewal,
		}
		if errCreate := tx.Omit("Plan", "Subscriptions").Create(&group).Error; errCreate != nil {
			return errCreate
		}
		for _, slot := range models.AllSlots {
			days, ok := req.Slots[slot]
			if !ok {
				continue
			}
			sub := models.Subscription{GroupID: group.ID, Slot: slot, Weekdays: days, Status: models.GroupStatusActive}
			if errCreate := tx.Create(&sub).Error; errCreate != nil {
				return errCreate
			}
			group.Subscriptions = append(group.Subscriptions, sub)
		}
		group.Plan = plan

		first = models.Cycle{
			GroupID:      group.ID,
			CycleStart:   bounds.Start,
			CycleEnd:     bounds.End,
			RenewalDate:  bounds.Renewal,
			IsFirstCycle: cycle.IsTruncated(bounds, start),
			SkipCounts:   datatypes.NewJSONType(map[models.Slot]int{}),
		}
		if errCreate := tx.Create(&first).Error; errCreate != nil {
			return errCreate
		}

		now := s.clock.Now().UTC()
		inv := models.Invoice{
			CycleID:          first.ID,
			GroupID:          group.ID,
			Status:           models.InvoiceStatusPaid,
			PaymentReference: req.PaymentReference,
			PaidAt:           &now,
		}
		if errCreate := tx.Omit("Cycle", "Lines").Create(&inv).Error; errCreate != nil {
			return errCreate
		}

		from := cycle.ServiceStart(bounds, start)
		holidays, errHolidays := generator.LoadHolidays(tx, group.VendorID, from, bounds.End)
		if errHolidays != nil {
			return errHolidays
		}
		subtotal := decimal.Zero
		for i := range group.Subscriptions {
			line, errLine := s.line(tx, &inv, &group.Subscriptions[i], &plan, from, bounds.End, holidays, false)
			if errLine != nil {
				return errLine
			}
			if errCreate := tx.Create(&line).Error; errCreate != nil {
				return errCreate
			}
			subtotal = subtotal.Add(line.Amount)
		}

		discount := decimal.Zero
		for _, id := range lo.Uniq(req.AppliedGlobalCreditIDs) {
			global, errRedeem := s.ledger.RedeemGlobalTx(tx, req.ConsumerID, id)
			if errRedeem != nil {
				return errRedeem
			}
			discount = discount.Add(global.Amount)
		}
		if discount.GreaterThan(subtotal) {
			discount = subtotal
		}
		if errUpdate := tx.Model(&models.Invoice{}).Where("id = ?", inv.ID).Updates(map[string]any{
			"subtotal":        subtotal,
			"credit_discount": discount,
			"total_amount":    subtotal.Sub(discount),
		}).Error; errUpdate != nil {
			return errUpdate
		}

		res.GroupID = group.ID
		res.CycleID = first.ID
		res.InvoiceID = inv.ID
		res.Created = true
		return nil
	})
	if errTx != nil {
		return ProvisionResult{}, errTx
	}
	if !res.Created {
		log.WithFields(log.Fields{
			"payment_reference": req.PaymentReference,
			"group_id":          res.GroupID,
		}).Info("invoicing: provision replayed")
		return res, nil
	}

	orders, errGen := s.gen.Generate(ctx, &group, &first)
	if errGen != nil {
		// The group is paid for; backfill retries generation.
		log.WithError(errGen).WithField("group_id", group.ID).Warn("invoicing: initial order generation failed")
	}
	res.Orders = orders
	log.WithFields(log.Fields{
		"group_id":       res.GroupID,
		"cycle_id":       res.CycleID,
		"invoice_id":     res.InvoiceID,
		"is_first_cycle": first.IsFirstCycle,
		"orders":         orders.Created,
	}).Info("invoicing: group provisioned")
	return res, nil
}
