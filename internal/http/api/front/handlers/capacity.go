package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mealdrop/mealdrop/internal/access"
	"github.com/mealdrop/mealdrop/internal/apperr"
	"github.com/mealdrop/mealdrop/internal/capacity"
	"github.com/mealdrop/mealdrop/internal/clock"
	"github.com/mealdrop/mealdrop/internal/http/api"
	"github.com/mealdrop/mealdrop/internal/http/api/respond"
	"github.com/mealdrop/mealdrop/internal/models"
	"github.com/mealdrop/mealdrop/internal/security"
)

const maxCalendarDays = 62

// CapacityHandler renders a vendor's per-slot capacity calendar.
type CapacityHandler struct {
	svc *api.Services
}

// NewCapacityHandler constructs a CapacityHandler.
func NewCapacityHandler(svc *api.Services) *CapacityHandler {
	return &CapacityHandler{svc: svc}
}

// ForVendor serves the calendar of the vendor named in the path.
func (h *CapacityHandler) ForVendor(c *gin.Context) {
	vendorID, ok := respond.ID(c, "id")
	if !ok {
		return
	}
	h.render(c, vendorID)
}

// Own serves the calling vendor's calendar. Admins pass vendor_id.
func (h *CapacityHandler) Own(c *gin.Context) {
	p := access.FromContext(c)
	vendorID, ok := respond.QueryID(c, "vendor_id")
	if !ok {
		return
	}
	if vendorID == 0 && p.Role == security.RoleVendor {
		vendorID = p.ID
	}
	if vendorID == 0 {
		respond.Error(c, apperr.Invalid("vendor_id is required"))
		return
	}
	if errGuard := h.svc.Guard.Vendor(p, vendorID); errGuard != nil {
		respond.Error(c, errGuard)
		return
	}
	h.render(c, vendorID)
}

func (h *CapacityHandler) render(c *gin.Context, vendorID uint64) {
	from, to, errRange := respond.DateRange(c, h.svc.Today(), 13)
	if errRange != nil {
		respond.Error(c, errRange)
		return
	}
	if clock.DaysBetween(from, to) >= maxCalendarDays {
		respond.Error(c, apperr.Invalid("date range is too long").With("max_days", maxCalendarDays))
		return
	}
	slots := models.AllSlots
	if raw := strings.TrimSpace(c.Query("slot")); raw != "" {
		slot := models.Slot(raw)
		if !slot.Valid() {
			respond.Error(c, apperr.Invalid("unknown slot").With("slot", raw))
			return
		}
		slots = []models.Slot{slot}
	}
	dates := make([]time.Time, 0, clock.DaysBetween(from, to)+1)
	for d := from; !d.After(to); d = clock.AddDays(d, 1) {
		dates = append(dates, d)
	}
	results, errCheck := h.svc.Capacity.CheckMany(c.Request.Context(), vendorID, slots, dates)
	if errCheck != nil {
		respond.Error(c, errCheck)
		return
	}
	days := make([]capacity.Result, 0, len(dates)*len(slots))
	for _, d := range dates {
		for _, slot := range slots {
			if r, ok := results[capacity.KeyOf(d, slot)]; ok {
				days = append(days, r)
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"vendor_id": vendorID,
		"from":      from.Format(time.DateOnly),
		"to":        to.Format(time.DateOnly),
		"capacity":  days,
	})
}
