package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mealdrop/mealdrop/internal/access"
	"github.com/mealdrop/mealdrop/internal/http/api"
	"github.com/mealdrop/mealdrop/internal/http/api/respond"
	"github.com/mealdrop/mealdrop/internal/ledger"
	"github.com/mealdrop/mealdrop/internal/models"
	"github.com/mealdrop/mealdrop/internal/store"
	"gorm.io/gorm"
)

// SubscriptionFrontHandler serves a consumer's groups, orders, credits and invoices.
type SubscriptionFrontHandler struct {
	svc *api.Services
}

// NewSubscriptionFrontHandler constructs a SubscriptionFrontHandler.
func NewSubscriptionFrontHandler(svc *api.Services) *SubscriptionFrontHandler {
	return &SubscriptionFrontHandler{svc: svc}
}

func orderedSubscriptions(db *gorm.DB) *gorm.DB {
	return db.Order("id ASC")
}

// List returns the consumer's subscription groups.
func (h *SubscriptionFrontHandler) List(c *gin.Context) {
	requested, ok := respond.QueryID(c, "consumer_id")
	if !ok {
		return
	}
	consumerID, ok := consumerFor(c, h.svc.Guard, requested)
	if !ok {
		return
	}
	q := h.svc.DB.WithContext(c.Request.Context()).
		Preload("Subscriptions", orderedSubscriptions).
		Where("consumer_id = ?", consumerID)
	if status := strings.TrimSpace(c.Query("status")); status != "" {
		q = q.Where("status = ?", status)
	}
	var groups []models.SubscriptionGroup
	if errFind := q.Order("created_at DESC, id DESC").Find(&groups).Error; errFind != nil {
		respond.Error(c, store.Classify(errFind, "subscription group"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

// Get returns one group with its subscriptions, plan and credit balance.
func (h *SubscriptionFrontHandler) Get(c *gin.Context) {
	groupID, ok := respond.ID(c, "id")
	if !ok {
		return
	}
	if _, errGuard := h.svc.Guard.Group(c.Request.Context(), access.FromContext(c), groupID); errGuard != nil {
		respond.Error(c, errGuard)
		return
	}
	var group models.SubscriptionGroup
	if errFind := h.svc.DB.WithContext(c.Request.Context()).
		Preload("Plan").
		Preload("Subscriptions", orderedSubscriptions).
		First(&group, groupID).Error; errFind != nil {
		respond.Error(c, store.Classify(errFind, "subscription group"))
		return
	}
	balance, errBalance := h.svc.Ledger.GroupBalance(c.Request.Context(), groupID)
	if errBalance != nil {
		respond.Error(c, errBalance)
		return
	}
	c.JSON(http.StatusOK, gin.H{"group": group, "credit_balance": balance})
}

// Orders lists a group's orders in a date range.
func (h *SubscriptionFrontHandler) Orders(c *gin.Context) {
	groupID, ok := respond.ID(c, "id")
	if !ok {
		return
	}
	if _, errGuard := h.svc.Guard.Group(c.Request.Context(), access.FromContext(c), groupID); errGuard != nil {
		respond.Error(c, errGuard)
		return
	}
	from, to, errRange := respond.DateRange(c, h.svc.Today(), 31)
	if errRange != nil {
		respond.Error(c, errRange)
		return
	}
	q := h.svc.DB.WithContext(c.Request.Context()).
		Where("group_id = ? AND service_date >= ? AND service_date <= ?", groupID, from, to)
	if status := strings.TrimSpace(c.Query("status")); status != "" {
		q = q.Where("status = ?", status)
	}
	var orders []models.Order
	if errFind := q.Order("service_date ASC, id ASC").Find(&orders).Error; errFind != nil {
		respond.Error(c, store.Classify(errFind, "order"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// Credits lists a group's credits.
func (h *SubscriptionFrontHandler) Credits(c *gin.Context) {
	groupID, ok := respond.ID(c, "id")
	if !ok {
		return
	}
	if _, errGuard := h.svc.Guard.Group(c.Request.Context(), access.FromContext(c), groupID); errGuard != nil {
		respond.Error(c, errGuard)
		return
	}
	credits, errList := h.svc.Ledger.ListCredits(c.Request.Context(), ledger.CreditFilter{
		GroupIDs: []uint64{groupID},
		Status:   models.CreditStatus(strings.TrimSpace(c.Query("status"))),
		Limit:    respond.Limit(c, 100, 500),
	})
	if errList != nil {
		respond.Error(c, errList)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credits": credits})
}

// Invoices lists a group's invoices.
func (h *SubscriptionFrontHandler) Invoices(c *gin.Context) {
	groupID, ok := respond.ID(c, "id")
	if !ok {
		return
	}
	if _, errGuard := h.svc.Guard.Group(c.Request.Context(), access.FromContext(c), groupID); errGuard != nil {
		respond.Error(c, errGuard)
		return
	}
	invoices, errList := h.svc.Invoicing.ListForGroup(c.Request.Context(), groupID)
	if errList != nil {
		respond.Error(c, errList)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoices": invoices})
}

// GlobalCredits lists the consumer's vendor-agnostic credits.
func (h *SubscriptionFrontHandler) GlobalCredits(c *gin.Context) {
	requested, ok := respond.QueryID(c, "consumer_id")
	if !ok {
		return
	}
	consumerID, ok := consumerFor(c, h.svc.Guard, requested)
	if !ok {
		return
	}
	status := models.GlobalCreditStatus(strings.TrimSpace(c.Query("status")))
	credits, errList := h.svc.Ledger.ListGlobal(c.Request.Context(), consumerID, status)
	if errList != nil {
		respond.Error(c, errList)
		return
	}
	c.JSON(http.StatusOK, gin.H{"global_credits": credits})
}
