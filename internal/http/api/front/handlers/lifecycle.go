package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mealdrop/mealdrop/internal/access"
	"github.com/mealdrop/mealdrop/internal/http/api"
	"github.com/mealdrop/mealdrop/internal/http/api/respond"
	"github.com/mealdrop/mealdrop/internal/lifecycle"
)

// LifecycleFrontHandler pauses, resumes and cancels subscription groups.
type LifecycleFrontHandler struct {
	svc *api.Services
}

// NewLifecycleFrontHandler constructs a LifecycleFrontHandler.
func NewLifecycleFrontHandler(svc *api.Services) *LifecycleFrontHandler {
	return &LifecycleFrontHandler{svc: svc}
}

// pauseRequest captures the pause payload.
type pauseRequest struct {
	PauseDate string `json:"pause_date"` // First paused service date.
	ResumeAt  string `json:"resume_at"`  // Optional date the pause ends.
}

// cancelRequest captures the cancel payload.
type cancelRequest struct {
	CancelDate  string `json:"cancel_date"` // Defaults to today.
	Preference  string `json:"preference"`  // refund or credit.
	Destination string `json:"destination"` // Optional refund instrument.
}

// group resolves the path group and checks the caller owns it before any body
// is read.
func (h *LifecycleFrontHandler) group(c *gin.Context) (uint64, bool) {
	groupID, ok := respond.ID(c, "id")
	if !ok {
		return 0, false
	}
	if _, errGuard := h.svc.Guard.Group(c.Request.Context(), access.FromContext(c), groupID); errGuard != nil {
		respond.Error(c, errGuard)
		return 0, false
	}
	return groupID, true
}

func (h *LifecycleFrontHandler) pauseRequest(c *gin.Context) (lifecycle.PauseRequest, bool) {
	groupID, ok := h.group(c)
	if !ok {
		return lifecycle.PauseRequest{}, false
	}
	var body pauseRequest
	if !respond.BindJSON(c, &body) {
		return lifecycle.PauseRequest{}, false
	}
	pauseDate, errDate := respond.ParseDate(body.PauseDate)
	if errDate != nil {
		respond.Error(c, errDate)
		return lifecycle.PauseRequest{}, false
	}
	resumeAt, errResume := respond.ParseOptionalDate(body.ResumeAt)
	if errResume != nil {
		respond.Error(c, errResume)
		return lifecycle.PauseRequest{}, false
	}
	return lifecycle.PauseRequest{GroupID: groupID, PauseDate: pauseDate, ResumeAt: resumeAt}, true
}

func (h *LifecycleFrontHandler) cancelRequest(c *gin.Context) (lifecycle.CancelRequest, bool) {
	groupID, ok := h.group(c)
	if !ok {
		return lifecycle.CancelRequest{}, false
	}
	var body cancelRequest
	if c.Request.ContentLength != 0 && !respond.BindJSON(c, &body) {
		return lifecycle.CancelRequest{}, false
	}
	req := lifecycle.CancelRequest{
		GroupID:     groupID,
		Preference:  lifecycle.RefundPreference(strings.TrimSpace(body.Preference)),
		Destination: strings.TrimSpace(body.Destination),
	}
	cancelDate, errDate := respond.ParseOptionalDate(body.CancelDate)
	if errDate != nil {
		respond.Error(c, errDate)
		return lifecycle.CancelRequest{}, false
	}
	if cancelDate != nil {
		req.CancelDate = *cancelDate
	}
	return req, true
}

// PreviewPause returns the orders and credits a pause would affect.
func (h *LifecycleFrontHandler) PreviewPause(c *gin.Context) {
	req, ok := h.pauseRequest(c)
	if !ok {
		return
	}
	preview, errPreview := h.svc.Lifecycle.PreviewPause(c.Request.Context(), req)
	if errPreview != nil {
		respond.Error(c, errPreview)
		return
	}
	c.JSON(http.StatusOK, preview)
}

// Pause commits a pause.
func (h *LifecycleFrontHandler) Pause(c *gin.Context) {
	req, ok := h.pauseRequest(c)
	if !ok {
		return
	}
	result, errPause := h.svc.Lifecycle.Pause(c.Request.Context(), req)
	if errPause != nil {
		respond.Error(c, errPause)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Resume reactivates a paused group.
func (h *LifecycleFrontHandler) Resume(c *gin.Context) {
	groupID, ok := h.group(c)
	if !ok {
		return
	}
	group, errResume := h.svc.Lifecycle.Resume(c.Request.Context(), groupID)
	if errResume != nil {
		respond.Error(c, errResume)
		return
	}
	c.JSON(http.StatusOK, gin.H{"group": group})
}

// PreviewCancel returns the refund a cancellation would produce.
func (h *LifecycleFrontHandler) PreviewCancel(c *gin.Context) {
	req, ok := h.cancelRequest(c)
	if !ok {
		return
	}
	preview, errPreview := h.svc.Lifecycle.PreviewCancel(c.Request.Context(), req)
	if errPreview != nil {
		respond.Error(c, errPreview)
		return
	}
	c.JSON(http.StatusOK, preview)
}

// Cancel commits a cancellation.
func (h *LifecycleFrontHandler) Cancel(c *gin.Context) {
	req, ok := h.cancelRequest(c)
	if !ok {
		return
	}
	result, errCancel := h.svc.Lifecycle.Cancel(c.Request.Context(), req)
	if errCancel != nil {
		respond.Error(c, errCancel)
		return
	}
	c.JSON(http.StatusOK, result)
}
