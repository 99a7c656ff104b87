package ledger

import (
	"errors"

	"github.com/mealdrop/mealdrop/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// UnitPriceTx returns the per-meal value of a subscription's slot in a cycle:
// the invoice line price when the cycle is billed, otherwise the plan price.
func UnitPriceTx(tx *gorm.DB, cycleID uint64, sub *models.Subscription, plan *models.Plan) (decimal.Decimal, error) {
	var line models.InvoiceLine
	err := tx.
		Joins("JOIN invoices ON invoices.id = invoice_lines.invoice_id").
		Where("invoices.cycle_id = ? AND invoice_lines.subscription_id = ?", cycleID, sub.ID).
		Order("invoice_lines.id DESC").
		First(&line).Error
	switch {
	case err == nil:
		return line.UnitPrice, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		if plan == nil {
			return decimal.Zero, nil
		}
		return plan.UnitPrice(sub.Slot), nil
	default:
		return decimal.Zero, err
	}
}

// LatestPaidUnitPricesTx returns the per-subscription unit prices recorded on
// the group's most recent paid invoice.
func LatestPaidUnitPricesTx(tx *gorm.DB, groupID uint64) (map[uint64]decimal.Decimal, error) {
	var invoice models.Invoice
	err := tx.
		Where("group_id = ? AND status = ?", groupID, models.InvoiceStatusPaid).
		Order("paid_at DESC, id DESC").
		Preload("Lines").
		First(&invoice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return map[uint64]decimal.Decimal{}, nil
	}
	if err != nil {
		return nil, err
	}
	prices := make(map[uint64]decimal.Decimal, len(invoice.Lines))
	for _, line := range invoice.Lines {
		prices[line.SubscriptionID] = line.UnitPrice
	}
	return prices, nil
}
