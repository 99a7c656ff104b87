package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mealdrop/mealdrop/internal/access"
	"github.com/mealdrop/mealdrop/internal/apperr"
	"github.com/mealdrop/mealdrop/internal/http/api"
	"github.com/mealdrop/mealdrop/internal/http/api/respond"
	"github.com/mealdrop/mealdrop/internal/models"
	"github.com/mealdrop/mealdrop/internal/trial"
)

// TrialFrontHandler books and cancels trials.
type TrialFrontHandler struct {
	svc *api.Services
}

// NewTrialFrontHandler constructs a TrialFrontHandler.
func NewTrialFrontHandler(svc *api.Services) *TrialFrontHandler {
	return &TrialFrontHandler{svc: svc}
}

// trialMealRequest is one requested trial delivery.
type trialMealRequest struct {
	Date string      `json:"date"`
	Slot models.Slot `json:"slot"`
}

// createTrialRequest captures the trial booking payload.
type createTrialRequest struct {
	ConsumerID        uint64             `json:"consumer_id"` // Admin only.
	VendorID          uint64             `json:"vendor_id"`
	TrialTypeID       uint64             `json:"trial_type_id"`
	DeliveryAddressID uint64             `json:"delivery_address_id"`
	StartDate         string             `json:"start_date"`
	Meals             []trialMealRequest `json:"meals"`
}

func (h *TrialFrontHandler) createRequest(c *gin.Context) (trial.CreateRequest, bool) {
	var body createTrialRequest
	if !respond.BindJSON(c, &body) {
		return trial.CreateRequest{}, false
	}
	consumerID, ok := consumerFor(c, h.svc.Guard, body.ConsumerID)
	if !ok {
		return trial.CreateRequest{}, false
	}
	if body.VendorID == 0 || body.TrialTypeID == 0 {
		respond.Error(c, apperr.Invalid("vendor_id and trial_type_id are required"))
		return trial.CreateRequest{}, false
	}
	start, errStart := respond.ParseDate(body.StartDate)
	if errStart != nil {
		respond.Error(c, errStart)
		return trial.CreateRequest{}, false
	}
	meals := make([]trial.Meal, 0, len(body.Meals))
	for _, m := range body.Meals {
		date, errDate := respond.ParseDate(m.Date)
		if errDate != nil {
			respond.Error(c, errDate)
			return trial.CreateRequest{}, false
		}
		meals = append(meals, trial.Meal{Date: date, Slot: m.Slot})
	}
	return trial.CreateRequest{
		ConsumerID:        consumerID,
		VendorID:          body.VendorID,
		TrialTypeID:       body.TrialTypeID,
		DeliveryAddressID: body.DeliveryAddressID,
		StartDate:         start,
		Meals:             meals,
	}, true
}

// List returns the consumer's trials.
func (h *TrialFrontHandler) List(c *gin.Context) {
	requested, ok := respond.QueryID(c, "consumer_id")
	if !ok {
		return
	}
	consumerID, ok := consumerFor(c, h.svc.Guard, requested)
	if !ok {
		return
	}
	trials, errList := h.svc.Trials.List(c.Request.Context(), consumerID)
	if errList != nil {
		respond.Error(c, errList)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trials": trials})
}

// Eligibility reports whether the consumer may book the trial type with the vendor.
func (h *TrialFrontHandler) Eligibility(c *gin.Context) {
	requested, ok := respond.QueryID(c, "consumer_id")
	if !ok {
		return
	}
	consumerID, ok := consumerFor(c, h.svc.Guard, requested)
	if !ok {
		return
	}
	vendorID, okVendor := respond.QueryID(c, "vendor_id")
	if !okVendor {
		return
	}
	trialTypeID, okType := respond.QueryID(c, "trial_type_id")
	if !okType {
		return
	}
	if vendorID == 0 || trialTypeID == 0 {
		respond.Error(c, apperr.Invalid("vendor_id and trial_type_id are required"))
		return
	}
	eligibility, errCheck := h.svc.Trials.CheckEligibility(c.Request.Context(), consumerID, vendorID, trialTypeID)
	if errCheck != nil {
		respond.Error(c, errCheck)
		return
	}
	c.JSON(http.StatusOK, eligibility)
}

// Quote validates and prices a trial without booking it.
func (h *TrialFrontHandler) Quote(c *gin.Context) {
	req, ok := h.createRequest(c)
	if !ok {
		return
	}
	quote, errQuote := h.svc.Trials.Quote(c.Request.Context(), req)
	if errQuote != nil {
		respond.Error(c, errQuote)
		return
	}
	c.JSON(http.StatusOK, quote)
}

// Create books a trial.
func (h *TrialFrontHandler) Create(c *gin.Context) {
	req, ok := h.createRequest(c)
	if !ok {
		return
	}
	created, errCreate := h.svc.Trials.Create(c.Request.Context(), req)
	if errCreate != nil {
		respond.Error(c, errCreate)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"trial": created})
}

// Cancel cancels a scheduled trial.
func (h *TrialFrontHandler) Cancel(c *gin.Context) {
	trialID, ok := respond.ID(c, "id")
	if !ok {
		return
	}
	if _, errGuard := h.svc.Guard.Trial(c.Request.Context(), access.FromContext(c), trialID); errGuard != nil {
		respond.Error(c, errGuard)
		return
	}
	cancelled, errCancel := h.svc.Trials.Cancel(c.Request.Context(), trialID)
	if errCancel != nil {
		respond.Error(c, errCancel)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trial": cancelled})
}
