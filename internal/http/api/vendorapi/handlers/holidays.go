package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mealdrop/mealdrop/internal/access"
	"github.com/mealdrop/mealdrop/internal/apperr"
	"github.com/mealdrop/mealdrop/internal/holiday"
	"github.com/mealdrop/mealdrop/internal/http/api"
	"github.com/mealdrop/mealdrop/internal/http/api/respond"
	"github.com/mealdrop/mealdrop/internal/models"
)

// HolidayHandler declares and lists vendor holidays.
type HolidayHandler struct {
	svc *api.Services
}

// NewHolidayHandler constructs a HolidayHandler.
func NewHolidayHandler(svc *api.Services) *HolidayHandler {
	return &HolidayHandler{svc: svc}
}

// declareHolidayRequest captures the holiday payload. An empty slot covers the whole day.
type declareHolidayRequest struct {
	VendorID uint64      `json:"vendor_id"` // Admin only.
	Date     string      `json:"date"`
	Slot     models.Slot `json:"slot"`
	Reason   string      `json:"reason"`
}

// Declare records a holiday and skips the affected orders.
func (h *HolidayHandler) Declare(c *gin.Context) {
	var body declareHolidayRequest
	if !respond.BindJSON(c, &body) {
		return
	}
	vendorID, ok := vendorFor(c, h.svc.Guard, body.VendorID)
	if !ok {
		return
	}
	date, errDate := respond.ParseDate(body.Date)
	if errDate != nil {
		respond.Error(c, errDate)
		return
	}
	if body.Slot != "" && !body.Slot.Valid() {
		respond.Error(c, apperr.Invalid("unknown slot").With("slot", string(body.Slot)))
		return
	}

	result, errApply := h.svc.Holidays.Apply(c.Request.Context(), holiday.Request{
		VendorID: vendorID,
		Date:     date,
		Slot:     body.Slot,
		Reason:   strings.TrimSpace(body.Reason),
	})
	if errApply != nil {
		respond.Error(c, errApply)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	c.JSON(status, result)
}

// List returns the vendor's holidays in a date range.
func (h *HolidayHandler) List(c *gin.Context) {
	requested, ok := respond.QueryID(c, "vendor_id")
	if !ok {
		return
	}
	vendorID, ok := vendorFor(c, h.svc.Guard, requested)
	if !ok {
		return
	}
	from, to, errRange := respond.DateRange(c, h.svc.Today(), 90)
	if errRange != nil {
		respond.Error(c, errRange)
		return
	}
	holidays, errList := h.svc.Holidays.List(c.Request.Context(), vendorID, from, to)
	if errList != nil {
		respond.Error(c, errList)
		return
	}
	c.JSON(http.StatusOK, gin.H{"holidays": holidays})
}

// Reapply retries the order adjustment of a recorded holiday.
func (h *HolidayHandler) Reapply(c *gin.Context) {
	holidayID, ok := respond.ID(c, "id")
	if !ok {
		return
	}
	recorded, errGuard := h.svc.Guard.Holiday(c.Request.Context(), access.FromContext(c), holidayID)
	if errGuard != nil {
		respond.Error(c, errGuard)
		return
	}
	result, errApply := h.svc.Holidays.Reapply(c.Request.Context(), recorded.VendorID, recorded.ID)
	if errApply != nil {
		respond.Error(c, errApply)
		return
	}
	c.JSON(http.StatusOK, result)
}
