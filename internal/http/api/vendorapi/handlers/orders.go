package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mealdrop/mealdrop/internal/apperr"
	"github.com/mealdrop/mealdrop/internal/http/api"
	"github.com/mealdrop/mealdrop/internal/http/api/respond"
	"github.com/mealdrop/mealdrop/internal/models"
	"github.com/mealdrop/mealdrop/internal/store"
)

// OrderHandler serves the vendor's delivery sheet.
type OrderHandler struct {
	svc *api.Services
}

// NewOrderHandler constructs an OrderHandler.
func NewOrderHandler(svc *api.Services) *OrderHandler {
	return &OrderHandler{svc: svc}
}

// List returns the vendor's orders for one date, defaulting to today.
func (h *OrderHandler) List(c *gin.Context) {
	requested, ok := respond.QueryID(c, "vendor_id")
	if !ok {
		return
	}
	vendorID, ok := vendorFor(c, h.svc.Guard, requested)
	if !ok {
		return
	}
	date := h.svc.Today()
	if raw := strings.TrimSpace(c.Query("date")); raw != "" {
		parsed, errDate := respond.ParseDate(raw)
		if errDate != nil {
			respond.Error(c, errDate)
			return
		}
		date = parsed
	}

	q := h.svc.DB.WithContext(c.Request.Context()).
		Where("vendor_id = ? AND service_date = ?", vendorID, date)
	if raw := strings.TrimSpace(c.Query("slot")); raw != "" {
		slot := models.Slot(raw)
		if !slot.Valid() {
			respond.Error(c, apperr.Invalid("unknown slot").With("slot", raw))
			return
		}
		q = q.Where("slot = ?", slot)
	}
	if status := strings.TrimSpace(c.Query("status")); status != "" {
		q = q.Where("status = ?", status)
	}
	var orders []models.Order
	if errFind := q.Order("slot ASC, id ASC").Find(&orders).Error; errFind != nil {
		respond.Error(c, store.Classify(errFind, "order"))
		return
	}

	counts := make(map[models.OrderStatus]int)
	for _, o := range orders {
		counts[o.Status]++
	}
	c.JSON(http.StatusOK, gin.H{
		"vendor_id": vendorID,
		"date":      date.Format("2006-01-02"),
		"orders":    orders,
		"counts":    counts,
	})
}
