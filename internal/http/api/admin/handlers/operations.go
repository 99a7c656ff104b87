package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mealdrop/mealdrop/internal/access"
	"github.com/mealdrop/mealdrop/internal/http/api"
	"github.com/mealdrop/mealdrop/internal/http/api/respond"
	"github.com/mealdrop/mealdrop/internal/maintenance"
	"github.com/mealdrop/mealdrop/internal/models"
)

// OperationsHandler exposes maintenance, refund and billing operations.
type OperationsHandler struct {
	svc *api.Services
}

// NewOperationsHandler constructs an OperationsHandler.
func NewOperationsHandler(svc *api.Services) *OperationsHandler {
	return &OperationsHandler{svc: svc}
}

// Runs lists recent maintenance runs.
func (h *OperationsHandler) Runs(c *gin.Context) {
	runs, errRuns := h.svc.Maintenance.Recent(c.Request.Context(), respond.Limit(c, 20, 200))
	if errRuns != nil {
		respond.Error(c, errRuns)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// Run starts a maintenance run.
func (h *OperationsHandler) Run(c *gin.Context) {
	summary, errRun := h.svc.Maintenance.Run(c.Request.Context(), maintenance.TriggerHTTP)
	if errRun != nil {
		respond.Error(c, errRun)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// Refunds lists refund requests, optionally by status.
func (h *OperationsHandler) Refunds(c *gin.Context) {
	status := models.RefundRequestStatus(strings.TrimSpace(c.Query("status")))
	requests, errList := h.svc.Refunds.List(c.Request.Context(), status)
	if errList != nil {
		respond.Error(c, errList)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund_requests": requests})
}

// DispatchRefunds sends pending refund requests to the gateway now.
func (h *OperationsHandler) DispatchRefunds(c *gin.Context) {
	result, errDispatch := h.svc.Refunds.DispatchPending(c.Request.Context())
	if errDispatch != nil {
		respond.Error(c, errDispatch)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Invoice returns one invoice with its lines.
func (h *OperationsHandler) Invoice(c *gin.Context) {
	invoiceID, ok := respond.ID(c, "id")
	if !ok {
		return
	}
	inv, errGet := h.svc.Invoicing.Get(c.Request.Context(), invoiceID)
	if errGet != nil {
		respond.Error(c, errGet)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoice": inv})
}

// PrepareRenewal creates the next cycle and pending invoice of a group now.
func (h *OperationsHandler) PrepareRenewal(c *gin.Context) {
	groupID, ok := respond.ID(c, "id")
	if !ok {
		return
	}
	inv, errPrepare := h.svc.Invoicing.PrepareRenewal(c.Request.Context(), groupID)
	if errPrepare != nil {
		respond.Error(c, errPrepare)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"invoice": inv})
}

// Capabilities lists the capability table.
func (h *OperationsHandler) Capabilities(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"capabilities": access.Definitions()})
}
