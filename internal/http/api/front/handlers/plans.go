package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mealdrop/mealdrop/internal/http/api/respond"
	"github.com/mealdrop/mealdrop/internal/models"
	"github.com/mealdrop/mealdrop/internal/store"
	"gorm.io/gorm"
)

// PlanFrontHandler serves plan-related front endpoints.
type PlanFrontHandler struct {
	db *gorm.DB
}

// NewPlanFrontHandler constructs a PlanFrontHandler.
func NewPlanFrontHandler(db *gorm.DB) *PlanFrontHandler {
	return &PlanFrontHandler{db: db}
}

// List returns enabled plans, optionally for one vendor.
func (h *PlanFrontHandler) List(c *gin.Context) {
	vendorID, ok := respond.QueryID(c, "vendor_id")
	if !ok {
		return
	}
	q := h.db.WithContext(c.Request.Context()).Where("is_enabled = ?", true)
	if vendorID != 0 {
		q = q.Where("vendor_id = ?", vendorID)
	}
	var plans []models.Plan
	if errFind := q.Order("vendor_id ASC, created_at DESC").Find(&plans).Error; errFind != nil {
		respond.Error(c, store.Classify(errFind, "plan"))
		return
	}

	out := make([]gin.H, 0, len(plans))
	for _, plan := range plans {
		out = append(out, gin.H{
			"id":            plan.ID,
			"vendor_id":     plan.VendorID,
			"name":          plan.Name,
			"description":   plan.Description,
			"period_type":   plan.PeriodType,
			"allowed_slots": plan.AllowedSlots,
			"skip_limits":   plan.SkipLimits.Data(),
			"slot_prices":   plan.SlotPrices.Data(),
		})
	}

	c.JSON(http.StatusOK, gin.H{"plans": out})
}
