// Package hooks registers the payment gateway callbacks.
package hooks

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mealdrop/mealdrop/internal/apperr"
	"github.com/mealdrop/mealdrop/internal/http/api"
	"github.com/mealdrop/mealdrop/internal/http/api/respond"
	"github.com/mealdrop/mealdrop/internal/invoicing"
	"github.com/mealdrop/mealdrop/internal/models"
	"github.com/mealdrop/mealdrop/internal/security"
	log "github.com/sirupsen/logrus"
)

// SecretHeader carries the shared payment hook secret.
const SecretHeader = "X-Payment-Hook-Secret"

// RegisterHookRoutes registers payment callbacks under /v0/hooks/payments.
func RegisterHookRoutes(r *gin.Engine, svc *api.Services, secrets api.Secrets) {
	if r == nil || svc == nil || svc.Invoicing == nil {
		return
	}
	h := &PaymentHookHandler{svc: svc}
	group := r.Group("/v0/hooks/payments")
	group.Use(secretMiddleware(secrets.PaymentHook))
	group.POST("/provision", h.Provision)
	group.POST("/invoices/:id/paid", h.Paid)
	group.POST("/invoices/:id/failed", h.Failed)
}

func secretMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !security.CheckSecret(c.GetHeader(SecretHeader), secret, "") {
			respond.Error(c, apperr.New(apperr.KindNotAuthenticated, "invalid payment hook secret"))
			return
		}
		c.Next()
	}
}

// PaymentHookHandler turns gateway callbacks into billing transitions.
type PaymentHookHandler struct {
	svc *api.Services
}

// provisionRequest is the first-payment callback payload. Slots map a slot
// to weekday names such as "mon" or "monday".
type provisionRequest struct {
	PaymentReference       string                   `json:"payment_reference"`
	ConsumerID             uint64                   `json:"consumer_id"`
	PlanID                 uint64                   `json:"plan_id"`
	DeliveryAddressID      uint64                   `json:"delivery_address_id"`
	StartDate              string                   `json:"start_date"`
	Slots                  map[models.Slot][]string `json:"slots"`
	AppliedGlobalCreditIDs []uint64                 `json:"applied_global_credit_ids"`
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

func parseWeekdays(slot models.Slot, names []string) (models.Weekdays, error) {
	days := make([]time.Weekday, 0, len(names))
	for _, name := range names {
		d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return 0, apperr.Invalid("unknown weekday").With("slot", string(slot)).With("weekday", name)
		}
		days = append(days, d)
	}
	w := models.WeekdaysOf(days...)
	if !w.Valid() {
		return 0, apperr.Invalid("at least one weekday is required").With("slot", string(slot))
	}
	return w, nil
}

// Provision creates the group, first cycle and paid invoice for a completed checkout.
func (h *PaymentHookHandler) Provision(c *gin.Context) {
	var body provisionRequest
	if !respond.BindJSON(c, &body) {
		return
	}
	start, errStart := respond.ParseDate(body.StartDate)
	if errStart != nil {
		respond.Error(c, errStart)
		return
	}
	slots := make(map[models.Slot]models.Weekdays, len(body.Slots))
	for slot, names := range body.Slots {
		w, errDays := parseWeekdays(slot, names)
		if errDays != nil {
			respond.Error(c, errDays)
			return
		}
		slots[slot] = w
	}

	result, errProvision := h.svc.Invoicing.Provision(c.Request.Context(), invoicing.ProvisionRequest{
		PaymentReference:       strings.TrimSpace(body.PaymentReference),
		ConsumerID:             body.ConsumerID,
		PlanID:                 body.PlanID,
		DeliveryAddressID:      body.DeliveryAddressID,
		StartDate:              start,
		Slots:                  slots,
		AppliedGlobalCreditIDs: body.AppliedGlobalCreditIDs,
	})
	if errProvision != nil {
		respond.Error(c, errProvision)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	c.JSON(status, result)
}

type paidRequest struct {
	PaymentReference string `json:"payment_reference"`
}

// Paid marks a renewal invoice paid and generates its orders.
func (h *PaymentHookHandler) Paid(c *gin.Context) {
	invoiceID, ok := respond.ID(c, "id")
	if !ok {
		return
	}
	var body paidRequest
	if c.Request.ContentLength != 0 && !respond.BindJSON(c, &body) {
		return
	}
	result, errPaid := h.svc.Invoicing.MarkPaid(c.Request.Context(), invoiceID, strings.TrimSpace(body.PaymentReference))
	if errPaid != nil {
		respond.Error(c, errPaid)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Failed marks a renewal invoice failed and returns the re-granted credits.
func (h *PaymentHookHandler) Failed(c *gin.Context) {
	invoiceID, ok := respond.ID(c, "id")
	if !ok {
		return
	}
	creditIDs, errFailed := h.svc.Invoicing.MarkFailed(c.Request.Context(), invoiceID)
	if errFailed != nil {
		respond.Error(c, errFailed)
		return
	}
	log.WithFields(log.Fields{"invoice_id": invoiceID, "regranted": len(creditIDs)}).Info("hooks: invoice payment failed")
	c.JSON(http.StatusOK, gin.H{"invoice_id": invoiceID, "regranted_credit_ids": creditIDs})
}
