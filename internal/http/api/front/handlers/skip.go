package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mealdrop/mealdrop/internal/access"
	"github.com/mealdrop/mealdrop/internal/http/api"
	"github.com/mealdrop/mealdrop/internal/http/api/respond"
	"github.com/mealdrop/mealdrop/internal/models"
	"github.com/mealdrop/mealdrop/internal/skip"
)

// SkipFrontHandler lets consumers skip deliveries.
type SkipFrontHandler struct {
	svc *api.Services
}

// NewSkipFrontHandler constructs a SkipFrontHandler.
func NewSkipFrontHandler(svc *api.Services) *SkipFrontHandler {
	return &SkipFrontHandler{svc: svc}
}

// skipRequest identifies the delivery to skip.
type skipRequest struct {
	Date string      `json:"date"`
	Slot models.Slot `json:"slot"`
}

func (h *SkipFrontHandler) request(c *gin.Context) (skip.Request, bool) {
	subID, ok := respond.ID(c, "id")
	if !ok {
		return skip.Request{}, false
	}
	if _, errGuard := h.svc.Guard.Subscription(c.Request.Context(), access.FromContext(c), subID); errGuard != nil {
		respond.Error(c, errGuard)
		return skip.Request{}, false
	}
	var body skipRequest
	if !respond.BindJSON(c, &body) {
		return skip.Request{}, false
	}
	date, errDate := respond.ParseDate(body.Date)
	if errDate != nil {
		respond.Error(c, errDate)
		return skip.Request{}, false
	}
	return skip.Request{SubscriptionID: subID, Date: date, Slot: body.Slot}, true
}

// Preview reports the cutoff and whether the skip would earn a credit.
func (h *SkipFrontHandler) Preview(c *gin.Context) {
	req, ok := h.request(c)
	if !ok {
		return
	}
	quote, errPreview := h.svc.Skips.Preview(c.Request.Context(), req)
	if errPreview != nil {
		respond.Error(c, errPreview)
		return
	}
	c.JSON(http.StatusOK, quote)
}

// Skip skips the delivery.
func (h *SkipFrontHandler) Skip(c *gin.Context) {
	req, ok := h.request(c)
	if !ok {
		return
	}
	result, errSkip := h.svc.Skips.Skip(c.Request.Context(), req)
	if errSkip != nil {
		respond.Error(c, errSkip)
		return
	}
	c.JSON(http.StatusOK, result)
}
