package invoicing

import (
	"context"
	"time"

	"github.com/mealdrop/mealdrop/internal/apperr"
	"github.com/mealdrop/mealdrop/internal/generator"
	"github.com/mealdrop/mealdrop/internal/models"
	"github.com/mealdrop/mealdrop/internal/store"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PaidResult reports the outcome of a payment confirmation.
type PaidResult struct {
	InvoiceID   uint64           `json:"invoice_id"`
	AlreadyPaid bool             `json:"already_paid"`
	Orders      generator.Result `json:"orders"`
}

func lockInvoice(tx *gorm.DB, invoiceID uint64) (*models.Invoice, error) {
	var inv models.Invoice
	if errFind := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Preload("Lines").First(&inv, invoiceID).Error; errFind != nil {
		return nil, store.Classify(errFind, "invoice")
	}
	return &inv, nil
}

// MarkPaid moves a pending invoice to paid, advances the group's renewal date
// to the cycle's renewal and generates the cycle's orders for an active group.
// Confirming an already paid invoice is a no-op; a cancelled group refuses
// payment.
func (s *Service) MarkPaid(ctx context.Context, invoiceID uint64, paymentReference string) (PaidResult, error) {
	out := PaidResult{InvoiceID: invoiceID}
	var (
		c      models.Cycle
		active bool
	)
	errTx := s.tx.InTx(ctx, func(tx *gorm.DB) error {
		inv, errLock := lockInvoice(tx, invoiceID)
		if errLock != nil {
			return errLock
		}
		switch inv.Status {
		case models.InvoiceStatusPaid:
			out.AlreadyPaid = true
			return nil
		case models.InvoiceStatusFailed:
			return apperr.Conflict("invoice already failed").With("invoice_id", inv.ID)
		}
		var group models.SubscriptionGroup
		if errFind := tx.Select("id", "status").First(&group, inv.GroupID).Error; errFind != nil {
			return store.Classify(errFind, "subscription group")
		}
		if group.Status == models.GroupStatusCancelled {
			return apperr.Conflict("subscription group is cancelled").With("group_id", group.ID)
		}
		active = group.Status == models.GroupStatusActive

		now := s.clock.Now().UTC()
		updates := map[string]any{"status": models.InvoiceStatusPaid, "paid_at": now, "updated_at": now}
		if paymentReference != "" {
			updates["payment_reference"] = paymentReference
		}
		res := tx.Model(&models.Invoice{}).
			Where("id = ? AND status = ?", inv.ID, models.InvoiceStatusPending).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.Conflict("invoice changed concurrently").With("invoice_id", inv.ID)
		}

		if errFind := tx.First(&c, inv.CycleID).Error; errFind != nil {
			return store.Classify(errFind, "cycle")
		}
		if errAdvance := tx.Model(&models.SubscriptionGroup{}).
			Where("id = ? AND renewal_date < ?", inv.GroupID, c.RenewalDate).
			Updates(map[string]any{"renewal_date": c.RenewalDate, "updated_at": now}).Error; errAdvance != nil {
			return errAdvance
		}
		return nil
	})
	if errTx != nil {
		return out, errTx
	}
	if out.AlreadyPaid {
		return out, nil
	}
	if active {
		orders, errGen := s.gen.GenerateForCycle(ctx, c.ID)
		if errGen != nil {
			log.WithError(errGen).WithField("cycle_id", c.ID).Warn("invoicing: order generation failed")
		}
		out.Orders = orders
	}
	log.WithFields(log.Fields{
		"invoice_id": invoiceID,
		"cycle_id":   c.ID,
		"renewal":    c.RenewalDate.Format(time.DateOnly),
		"orders":     out.Orders.Created,
	}).Info("invoicing: invoice paid")
	return out, nil
}

// MarkFailed moves a pending invoice to failed. Credits consumed by its lines
// stay used; equivalent admin_adjustment credits are granted back instead.
func (s *Service) MarkFailed(ctx context.Context, invoiceID uint64) ([]uint64, error) {
	var regranted []uint64
	errTx := s.tx.InTx(ctx, func(tx *gorm.DB) error {
		inv, errLock := lockInvoice(tx, invoiceID)
		if errLock != nil {
			return errLock
		}
		switch inv.Status {
		case models.InvoiceStatusFailed:
			return nil
		case models.InvoiceStatusPaid:
			return apperr.Conflict("invoice already paid").With("invoice_id", inv.ID)
		}
		ids, errFail := s.ledger.FailInvoiceTx(tx, inv)
		if errFail != nil {
			return errFail
		}
		regranted = ids
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}
	log.WithFields(log.Fields{
		"invoice_id": invoiceID,
		"regranted":  len(regranted),
	}).Info("invoicing: invoice failed")
	return regranted, nil
}
