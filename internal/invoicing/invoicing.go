// Package invoicing provisions subscription groups from first payments and
// bills their renewal cycles.
package invoicing

import (
	"context"
	"time"

	"github.com/mealdrop/mealdrop/internal/clock"
	"github.com/mealdrop/mealdrop/internal/generator"
	"github.com/mealdrop/mealdrop/internal/ledger"
	"github.com/mealdrop/mealdrop/internal/models"
	"github.com/mealdrop/mealdrop/internal/policy"
	"github.com/mealdrop/mealdrop/internal/store"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Service creates cycles and invoices and reacts to payment outcomes.
type Service struct {
	tx     *store.Transactor
	ledger *ledger.Ledger
	gen    *generator.Generator
	clock  clock.Clock
	policy policy.Policy
}

// NewService constructs a Service.
func NewService(tx *store.Transactor, l *ledger.Ledger, gen *generator.Generator, clk clock.Clock, pol policy.Policy) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{tx: tx, ledger: l, gen: gen, clock: clk, policy: pol}
}

func (s *Service) today() time.Time {
	return clock.Today(s.clock, s.policy.Loc())
}

// mealCount counts the subscription's deliverable dates in [from, to]:
// matching weekdays minus the vendor's declared holidays.
func mealCount(sub *models.Subscription, from, to time.Time, holidays generator.HolidaySet) int {
	count := 0
	for d := from; !d.After(to); d = clock.AddDays(d, 1) {
		if !sub.Weekdays.Has(d.Weekday()) || holidays.Covers(d, sub.Slot) {
			continue
		}
		count++
	}
	return count
}

// line prices one subscription for the cycle window. Credits are applied only
// when consume is set and the invoice already has an id.
func (s *Service) line(tx *gorm.DB, inv *models.Invoice, sub *models.Subscription, plan *models.Plan, from, to time.Time, holidays generator.HolidaySet, consume bool) (models.InvoiceLine, error) {
	meals := mealCount(sub, from, to, holidays)
	unit := plan.UnitPrice(sub.Slot)
	gross := unit.Mul(decimal.NewFromInt(int64(meals)))
	line := models.InvoiceLine{
		InvoiceID:      inv.ID,
		SubscriptionID: sub.ID,
		Slot:           sub.Slot,
		MealCount:      meals,
		UnitPrice:      unit,
		CreditValue:    decimal.Zero,
		Amount:         gross,
	}
	if consume && meals > 0 {
		used, errConsume := s.ledger.ConsumeTx(tx, sub.ID, sub.Slot, meals, inv.ID)
		if errConsume != nil {
			return line, errConsume
		}
		line.CreditsApplied = used.Units
		line.CreditValue = used.Value.Round(2)
		line.Amount = gross.Sub(line.CreditValue)
		if line.Amount.IsNegative() {
			line.Amount = decimal.Zero
		}
	}
	return line, nil
}

// Get returns an invoice with its lines.
func (s *Service) Get(ctx context.Context, invoiceID uint64) (*models.Invoice, error) {
	var inv models.Invoice
	if errFind := s.tx.DB(ctx).Preload("Lines").First(&inv, invoiceID).Error; errFind != nil {
		return nil, store.Classify(errFind, "invoice")
	}
	return &inv, nil
}

// ListForGroup returns a group's invoices, newest first.
func (s *Service) ListForGroup(ctx context.Context, groupID uint64) ([]models.Invoice, error) {
	var out []models.Invoice
	if errFind := s.tx.DB(ctx).
		Preload("Lines").
		Where("group_id = ?", groupID).
		Order("id DESC").
		Find(&out).Error; errFind != nil {
		return nil, store.Classify(errFind, "invoice")
	}
	return out, nil
}
