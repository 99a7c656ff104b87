package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mealdrop/mealdrop/internal/apperr"
	"github.com/mealdrop/mealdrop/internal/http/api/respond"
	"github.com/mealdrop/mealdrop/internal/models"
	"github.com/mealdrop/mealdrop/internal/store"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PlanHandler manages admin CRUD endpoints for meal plans.
type PlanHandler struct {
	db *gorm.DB // Database handle for plan records.
}

// NewPlanHandler constructs a plan handler.
func NewPlanHandler(db *gorm.DB) *PlanHandler {
	return &PlanHandler{db: db}
}

// planTerms is the slot configuration shared by create and update.
type planTerms struct {
	AllowedSlots []models.Slot                   `json:"allowed_slots"` // Slots a subscriber may pick.
	SkipLimits   map[models.Slot]int             `json:"skip_limits"`   // Credited skips per slot per cycle.
	SlotPrices   map[models.Slot]decimal.Decimal `json:"slot_prices"`   // Per-meal unit price per slot.
}

// normalize validates the terms and drops entries for slots the plan does not offer.
func (t planTerms) normalize() (planTerms, error) {
	slots := lo.Uniq(t.AllowedSlots)
	if len(slots) == 0 {
		return planTerms{}, apperr.Invalid("allowed_slots is required")
	}
	out := planTerms{
		AllowedSlots: make([]models.Slot, 0, len(slots)),
		SkipLimits:   make(map[models.Slot]int, len(slots)),
		SlotPrices:   make(map[models.Slot]decimal.Decimal, len(slots)),
	}
	// Keep delivery order regardless of request order.
	for _, slot := range models.AllSlots {
		if !lo.Contains(slots, slot) {
			continue
		}
		out.AllowedSlots = append(out.AllowedSlots, slot)
		price, ok := t.SlotPrices[slot]
		if !ok || !price.IsPositive() {
			return planTerms{}, apperr.Invalid("slot price must be positive").With("slot", string(slot))
		}
		out.SlotPrices[slot] = price
		limit := t.SkipLimits[slot]
		if limit < 0 {
			return planTerms{}, apperr.Invalid("skip limit must not be negative").With("slot", string(slot))
		}
		out.SkipLimits[slot] = limit
	}
	if len(out.AllowedSlots) != len(slots) {
		return planTerms{}, apperr.Invalid("unknown slot in allowed_slots")
	}
	return out, nil
}

func validPeriod(p models.PeriodType) bool {
	return p == models.PeriodWeekly || p == models.PeriodMonthly
}

// createPlanRequest captures the payload for creating a plan.
type createPlanRequest struct {
	planTerms
	VendorID    uint64            `json:"vendor_id"`   // Owning vendor.
	Name        string            `json:"name"`        // Plan name.
	Description string            `json:"description"` // Plan description.
	PeriodType  models.PeriodType `json:"period_type"` // weekly or monthly.
	IsEnabled   *bool             `json:"is_enabled"`  // Optional active flag.
}

// Create validates input and inserts a new plan.
func (h *PlanHandler) Create(c *gin.Context) {
	var body createPlanRequest
	if !respond.BindJSON(c, &body) {
		return
	}

	if body.VendorID == 0 {
		respond.Invalid(c, "vendor_id is required")
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		respond.Invalid(c, "name is required")
		return
	}
	if !validPeriod(body.PeriodType) {
		respond.Error(c, apperr.Invalid("period_type must be weekly or monthly").With("period_type", string(body.PeriodType)))
		return
	}
	terms, errTerms := body.planTerms.normalize()
	if errTerms != nil {
		respond.Error(c, errTerms)
		return
	}

	isEnabled := true
	if body.IsEnabled != nil {
		isEnabled = *body.IsEnabled
	}

	plan := models.Plan{
		VendorID:     body.VendorID,
		Name:         strings.TrimSpace(body.Name),
		Description:  body.Description,
		PeriodType:   body.PeriodType,
		AllowedSlots: datatypes.NewJSONSlice(terms.AllowedSlots),
		SkipLimits:   datatypes.NewJSONType(terms.SkipLimits),
		SlotPrices:   datatypes.NewJSONType(terms.SlotPrices),
		IsEnabled:    isEnabled,
	}

	if errCreate := h.db.WithContext(c.Request.Context()).Create(&plan).Error; errCreate != nil {
		respond.Error(c, store.Classify(errCreate, "plan"))
		return
	}
	c.JSON(http.StatusCreated, h.formatPlan(&plan))
}

// List returns all plans, optionally filtered by vendor and enabled flag.
func (h *PlanHandler) List(c *gin.Context) {
	vendorID, ok := respond.QueryID(c, "vendor_id")
	if !ok {
		return
	}
	q := h.db.WithContext(c.Request.Context()).Model(&models.Plan{})
	if vendorID != 0 {
		q = q.Where("vendor_id = ?", vendorID)
	}
	switch strings.TrimSpace(c.Query("is_enabled")) {
	case "true", "1":
		q = q.Where("is_enabled = ?", true)
	case "false", "0":
		q = q.Where("is_enabled = ?", false)
	}

	var rows []models.Plan
	if errFind := q.Order("vendor_id ASC, created_at DESC").Find(&rows).Error; errFind != nil {
		respond.Error(c, store.Classify(errFind, "plan"))
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, h.formatPlan(&row))
	}
	c.JSON(http.StatusOK, gin.H{"plans": out})
}

// Get fetches a plan by ID.
func (h *PlanHandler) Get(c *gin.Context) {
	id, ok := respond.ID(c, "id")
	if !ok {
		return
	}
	var plan models.Plan
	if errFind := h.db.WithContext(c.Request.Context()).First(&plan, id).Error; errFind != nil {
		respond.Error(c, store.Classify(errFind, "plan"))
		return
	}
	c.JSON(http.StatusOK, h.formatPlan(&plan))
}

// updatePlanRequest captures optional fields for plan updates. Slot terms are
// replaced as a whole when allowed_slots is present; running groups keep the
// prices already captured on their paid invoices.
type updatePlanRequest struct {
	Name         *string                         `json:"name"`          // Optional name update.
	Description  *string                         `json:"description"`   // Optional description.
	AllowedSlots []models.Slot                   `json:"allowed_slots"` // Optional slot terms.
	SkipLimits   map[models.Slot]int             `json:"skip_limits"`   // Skip limits, required with allowed_slots.
	SlotPrices   map[models.Slot]decimal.Decimal `json:"slot_prices"`   // Prices, required with allowed_slots.
	IsEnabled    *bool                           `json:"is_enabled"`    // Optional active flag.
}

// Update validates and applies plan field updates.
func (h *PlanHandler) Update(c *gin.Context) {
	id, ok := respond.ID(c, "id")
	if !ok {
		return
	}
	var body updatePlanRequest
	if !respond.BindJSON(c, &body) {
		return
	}

	var existing models.Plan
	if errFind := h.db.WithContext(c.Request.Context()).First(&existing, id).Error; errFind != nil {
		respond.Error(c, store.Classify(errFind, "plan"))
		return
	}

	updates := map[string]any{
		"updated_at": time.Now().UTC(),
	}

	if body.Name != nil {
		n := strings.TrimSpace(*body.Name)
		if n == "" {
			respond.Invalid(c, "name cannot be empty")
			return
		}
		updates["name"] = n
	}
	if body.Description != nil {
		updates["description"] = *body.Description
	}
	if body.AllowedSlots != nil {
		terms, errTerms := planTerms{
			AllowedSlots: body.AllowedSlots,
			SkipLimits:   body.SkipLimits,
			SlotPrices:   body.SlotPrices,
		}.normalize()
		if errTerms != nil {
			respond.Error(c, errTerms)
			return
		}
		updates["allowed_slots"] = datatypes.NewJSONSlice(terms.AllowedSlots)
		updates["skip_limits"] = datatypes.NewJSONType(terms.SkipLimits)
		updates["slot_prices"] = datatypes.NewJSONType(terms.SlotPrices)
	}
	if body.IsEnabled != nil {
		updates["is_enabled"] = *body.IsEnabled
	}

	res := h.db.WithContext(c.Request.Context()).Model(&models.Plan{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		respond.Error(c, store.Classify(res.Error, "plan"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Delete removes a plan no group subscribes to.
func (h *PlanHandler) Delete(c *gin.Context) {
	id, ok := respond.ID(c, "id")
	if !ok {
		return
	}
	var groups int64
	if errCount := h.db.WithContext(c.Request.Context()).Model(&models.SubscriptionGroup{}).
		Where("plan_id = ?", id).Count(&groups).Error; errCount != nil {
		respond.Error(c, store.Classify(errCount, "plan"))
		return
	}
	if groups > 0 {
		respond.Error(c, apperr.Conflict("plan has subscription groups; disable it instead").With("groups", groups))
		return
	}
	res := h.db.WithContext(c.Request.Context()).Delete(&models.Plan{}, id)
	if res.Error != nil {
		respond.Error(c, store.Classify(res.Error, "plan"))
		return
	}
	if res.RowsAffected == 0 {
		respond.Error(c, apperr.NotFound("plan"))
		return
	}
	c.Status(http.StatusNoContent)
}

// Enable marks a plan as enabled.
func (h *PlanHandler) Enable(c *gin.Context) {
	h.setEnabled(c, true)
}

// Disable marks a plan as disabled. Existing groups keep renewing.
func (h *PlanHandler) Disable(c *gin.Context) {
	h.setEnabled(c, false)
}

// setEnabled toggles the enabled state for a plan.
func (h *PlanHandler) setEnabled(c *gin.Context, enabled bool) {
	id, ok := respond.ID(c, "id")
	if !ok {
		return
	}

	now := time.Now().UTC()
	res := h.db.WithContext(c.Request.Context()).Model(&models.Plan{}).Where("id = ?", id).
		Updates(map[string]any{"is_enabled": enabled, "updated_at": now})
	if res.Error != nil {
		respond.Error(c, store.Classify(res.Error, "plan"))
		return
	}
	if res.RowsAffected == 0 {
		respond.Error(c, apperr.NotFound("plan"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// formatPlan converts a plan model into a response payload.
func (h *PlanHandler) formatPlan(p *models.Plan) gin.H {
	return gin.H{
		"id":            p.ID,
		"vendor_id":     p.VendorID,
		"name":          p.Name,
		"description":   p.Description,
		"period_type":   p.PeriodType,
		"allowed_slots": p.AllowedSlots,
		"skip_limits":   p.SkipLimits.Data(),
		"slot_prices":   p.SlotPrices.Data(),
		"is_enabled":    p.IsEnabled,
		"created_at":    p.CreatedAt,
		"updated_at":    p.UpdatedAt,
	}
}
