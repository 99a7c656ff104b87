package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mealdrop/mealdrop/internal/apperr"
	"github.com/mealdrop/mealdrop/internal/clock"
	"github.com/mealdrop/mealdrop/internal/ledger"
	"github.com/mealdrop/mealdrop/internal/models"
	"github.com/mealdrop/mealdrop/internal/store"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RefundPreference chooses how a cancellation settles.
type RefundPreference string

// RefundPreference constants.
const (
	RefundToPayment RefundPreference = "refund"
	RefundAsCredit  RefundPreference = "credit"
)

// CancelRequest asks to cancel a group from CancelDate onward.
type CancelRequest struct {
	GroupID     uint64
	CancelDate  time.Time
	Preference  RefundPreference
	Destination string // Payment instrument; defaults to the latest paid invoice's reference.
}

// CancelPreview is the computed impact of a cancellation.
type CancelPreview struct {
	GroupID        uint64           `json:"group_id"`
	CancelDate     string           `json:"cancel_date"`
	Preference     RefundPreference `json:"preference"`
	OrdersAffected int              `json:"orders_affected"`
	MealValue      decimal.Decimal  `json:"meal_value"`
	CreditUnits    int              `json:"credit_units"`
	CreditValue    decimal.Decimal  `json:"credit_value"`
	RefundAmount   decimal.Decimal  `json:"refund_amount"`
}

// CancelResult summarizes a committed cancellation.
type CancelResult struct {
	CancelPreview
	GlobalCreditID     *uint64                   `json:"global_credit_id,omitempty"`
	GlobalCreditStatus models.GlobalCreditStatus `json:"global_credit_status,omitempty"`
	RefundRequestID    *uint64                   `json:"refund_request_id,omitempty"`
	RefundReference    string                    `json:"refund_reference,omitempty"`
}

func (s *Service) validateCancel(group *models.SubscriptionGroup, req CancelRequest) (time.Time, RefundPreference, error) {
	switch group.Status {
	case models.GroupStatusActive, models.GroupStatusPaused:
	default:
		return time.Time{}, "", apperr.Conflict("subscription group is already cancelled").With("status", group.Status)
	}
	pref := req.Preference
	if pref == "" {
		pref = RefundAsCredit
	}
	if pref != RefundToPayment && pref != RefundAsCredit {
		return time.Time{}, "", apperr.Invalid("refund preference must be refund or credit")
	}
	today := s.today()
	cancelDate := today
	if !req.CancelDate.IsZero() {
		cancelDate = clock.Civil(req.CancelDate)
	}
	if cancelDate.Before(today) {
		return time.Time{}, "", apperr.Invalid("cancel date must not be in the past").With("earliest_cancel_date", today.Format(time.DateOnly))
	}
	return cancelDate, pref, nil
}

// cancelImpact prices the scheduled orders from cancelDate at the latest paid
// invoice's unit prices and adds the group's available credit value. A preview
// also counts credits held by pending invoices, which Cancel restores first.
func (s *Service) cancelImpact(tx *gorm.DB, group *models.SubscriptionGroup, cancelDate time.Time, pref RefundPreference, lock bool) ([]models.Order, CancelPreview, error) {
	preview := CancelPreview{
		GroupID:     group.ID,
		CancelDate:  cancelDate.Format(time.DateOnly),
		Preference:  pref,
		MealValue:   decimal.Zero,
		CreditValue: decimal.Zero,
	}
	orders, errOrders := scheduledFrom(tx, group.ID, cancelDate, lock)
	if errOrders != nil {
		return nil, preview, errOrders
	}
	prices, errPrices := ledger.LatestPaidUnitPricesTx(tx, group.ID)
	if errPrices != nil {
		return nil, preview, errPrices
	}
	for i := range orders {
		price, ok := prices[orders[i].SubscriptionID]
		if !ok {
			price = group.Plan.UnitPrice(orders[i].Slot)
		}
		preview.MealValue = preview.MealValue.Add(price)
	}
	preview.OrdersAffected = len(orders)

	var credits []models.Credit
	var errCredits error
	if lock {
		credits, errCredits = s.ledger.AvailableForGroupTx(tx, group.ID)
	} else {
		errCredits = tx.Where("group_id = ? AND status = ? AND expires_at > ?", group.ID, models.CreditStatusAvailable, s.clock.Now().UTC()).
			Find(&credits).Error
	}
	if errCredits != nil {
		return nil, preview, errCredits
	}
	balance := ledger.BalanceOf(credits)
	preview.CreditUnits = balance.Units
	preview.CreditValue = balance.Value
	if !lock {
		units, value, errPending := ledger.PendingInvoiceCreditsTx(tx, group.ID)
		if errPending != nil {
			return nil, preview, errPending
		}
		preview.CreditUnits += units
		preview.CreditValue = preview.CreditValue.Add(value)
	}
	preview.RefundAmount = preview.MealValue.Add(preview.CreditValue).Round(2)
	return orders, preview, nil
}

// PreviewCancel reports the refundable amount without mutating anything.
func (s *Service) PreviewCancel(ctx context.Context, req CancelRequest) (CancelPreview, error) {
	conn := s.tx.DB(ctx)
	group, errGroup := loadGroup(conn, req.GroupID, false)
	if errGroup != nil {
		return CancelPreview{}, errGroup
	}
	cancelDate, pref, errValidate := s.validateCancel(group, req)
	if errValidate != nil {
		return CancelPreview{}, errValidate
	}
	_, preview, errImpact := s.cancelImpact(conn, group, cancelDate, pref, false)
	if errImpact != nil {
		return CancelPreview{}, store.Classify(errImpact, "order")
	}
	return preview, nil
}

// Cancel cancels the remaining scheduled orders, folds their value and the
// group's available credits into one global credit, and closes the group.
// A pending renewal invoice is failed first and its consumed credits restored.
// With the refund preference the global credit waits in pending_refund and a
// refund request is queued for the payment gateway in the same transaction.
func (s *Service) Cancel(ctx context.Context, req CancelRequest) (CancelResult, error) {
	var out CancelResult
	errTx := s.tx.InTx(ctx, func(tx *gorm.DB) error {
		group, errGroup := loadGroup(tx, req.GroupID, true)
		if errGroup != nil {
			return errGroup
		}
		cancelDate, pref, errValidate := s.validateCancel(group, req)
		if errValidate != nil {
			return errValidate
		}
		if _, errFail := s.ledger.FailPendingInvoicesTx(tx, group.ID); errFail != nil {
			return errFail
		}
		orders, preview, errImpact := s.cancelImpact(tx, group, cancelDate, pref, true)
		if errImpact != nil {
			return errImpact
		}
		out.CancelPreview = preview

		now := s.clock.Now().UTC()
		for i := range orders {
			if errCancel := cancelOrder(tx, orders[i].ID, now); errCancel != nil {
				return errCancel
			}
		}

		status := models.GlobalCreditStatusAvailable
		if pref == RefundToPayment && preview.RefundAmount.IsPositive() {
			status = models.GlobalCreditStatusPendingRefund
		}
		conv, errConvert := s.ledger.ConvertGroupTx(tx, group, models.GlobalCreditReasonCancelRefund, preview.MealValue, status)
		if errConvert != nil {
			return errConvert
		}
		if conv.GlobalCredit != nil {
			out.GlobalCreditID = &conv.GlobalCredit.ID
			out.GlobalCreditStatus = conv.GlobalCredit.Status
			if conv.GlobalCredit.Status == models.GlobalCreditStatusPendingRefund {
				refund, errRefund := queueRefund(tx, group, conv.GlobalCredit, req.Destination)
				if errRefund != nil {
					return errRefund
				}
				out.RefundRequestID = &refund.ID
				out.RefundReference = refund.Reference
			}
		}

		return setStatus(tx, group, group.Status, models.GroupStatusCancelled, map[string]any{
			"cancelled_at":  now,
			"cancel_reason": CancelReasonCustomer,
		}, now)
	})
	if errTx != nil {
		return CancelResult{}, errTx
	}
	log.WithFields(log.Fields{
		"group_id":      req.GroupID,
		"cancel_date":   out.CancelDate,
		"cancelled":     out.OrdersAffected,
		"refund_amount": out.RefundAmount.StringFixed(2),
		"preference":    out.Preference,
	}).Info("lifecycle: group cancelled")
	return out, nil
}

func queueRefund(tx *gorm.DB, group *models.SubscriptionGroup, global *models.GlobalCredit, destination string) (*models.RefundRequest, error) {
	if destination == "" {
		var invoice models.Invoice
		err := tx.Select("payment_reference").
			Where("group_id = ? AND status = ?", group.ID, models.InvoiceStatusPaid).
			Order("paid_at DESC, id DESC").
			First(&invoice).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		destination = invoice.PaymentReference
	}
	refund := &models.RefundRequest{
		GlobalCreditID: global.ID,
		ConsumerID:     group.ConsumerID,
		Amount:         global.Amount,
		Destination:    destination,
		Reference:      uuid.NewString(),
		Status:         models.RefundRequestStatusPending,
	}
	if errCreate := tx.Create(refund).Error; errCreate != nil {
		return nil, errCreate
	}
	return refund, nil
}
