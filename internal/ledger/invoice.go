package ledger

import (
	"fmt"

	"github.com/mealdrop/mealdrop/internal/apperr"
	"github.com/mealdrop/mealdrop/internal/models"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FailInvoiceTx moves a locked pending invoice to failed. Credits consumed by
// its lines stay used; equivalent admin_adjustment credits are granted back
// and their ids returned. inv must carry its Lines.
func (l *Ledger) FailInvoiceTx(tx *gorm.DB, inv *models.Invoice) ([]uint64, error) {
	if inv == nil {
		return nil, apperr.Invalid("missing invoice")
	}
	res := tx.Model(&models.Invoice{}).
		Where("id = ? AND status = ?", inv.ID, models.InvoiceStatusPending).
		Updates(map[string]any{"status": models.InvoiceStatusFailed, "updated_at": l.clock.Now().UTC()})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, apperr.Conflict("invoice changed concurrently").With("invoice_id", inv.ID)
	}
	inv.Status = models.InvoiceStatusFailed

	var regranted []uint64
	for _, line := range inv.Lines {
		if line.CreditsApplied <= 0 {
			continue
		}
		unit := line.CreditValue.Div(decimal.NewFromInt(int64(line.CreditsApplied))).Round(2)
		credit, errGrant := l.GrantTx(tx, Grant{
			SubscriptionID: line.SubscriptionID,
			GroupID:        inv.GroupID,
			Slot:           line.Slot,
			Reason:         models.CreditReasonAdminAdjustment,
			Quantity:       line.CreditsApplied,
			UnitValue:      unit,
			Note:           fmt.Sprintf("restored from failed invoice %d", inv.ID),
		})
		if errGrant != nil {
			return nil, errGrant
		}
		regranted = append(regranted, credit.ID)
	}
	return regranted, nil
}

// FailPendingInvoicesTx fails every pending invoice of the group and restores
// the credits they consumed. It runs before a group is closed so an unpaid
// renewal cannot hold credits or be paid afterwards.
func (l *Ledger) FailPendingInvoicesTx(tx *gorm.DB, groupID uint64) ([]uint64, error) {
	var invoices []models.Invoice
	if errFind := tx.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Preload("Lines").
		Where("group_id = ? AND status = ?", groupID, models.InvoiceStatusPending).
		Order("id ASC").
		Find(&invoices).Error; errFind != nil {
		return nil, errFind
	}
	var regranted []uint64
	for i := range invoices {
		ids, errFail := l.FailInvoiceTx(tx, &invoices[i])
		if errFail != nil {
			return nil, errFail
		}
		regranted = append(regranted, ids...)
		log.WithFields(log.Fields{
			"invoice_id": invoices[i].ID,
			"group_id":   groupID,
			"regranted":  len(ids),
		}).Info("ledger: pending invoice failed")
	}
	return regranted, nil
}

// PendingInvoiceCreditsTx sums the credits held by the group's pending
// invoices, valued as FailInvoiceTx would restore them.
func PendingInvoiceCreditsTx(tx *gorm.DB, groupID uint64) (int, decimal.Decimal, error) {
	var lines []models.InvoiceLine
	if errFind := tx.
		Joins("JOIN invoices ON invoices.id = invoice_lines.invoice_id").
		Where("invoices.group_id = ? AND invoices.status = ? AND invoice_lines.credits_applied > 0", groupID, models.InvoiceStatusPending).
		Find(&lines).Error; errFind != nil {
		return 0, decimal.Zero, errFind
	}
	units, value := 0, decimal.Zero
	for _, line := range lines {
		unit := line.CreditValue.Div(decimal.NewFromInt(int64(line.CreditsApplied))).Round(2)
		units += line.CreditsApplied
		value = value.Add(unit.Mul(decimal.NewFromInt(int64(line.CreditsApplied))))
	}
	return units, value, nil
}
