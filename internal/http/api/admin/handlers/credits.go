package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mealdrop/mealdrop/internal/apperr"
	"github.com/mealdrop/mealdrop/internal/http/api"
	"github.com/mealdrop/mealdrop/internal/http/api/respond"
	"github.com/mealdrop/mealdrop/internal/ledger"
	"github.com/mealdrop/mealdrop/internal/models"
	"github.com/mealdrop/mealdrop/internal/store"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// CreditHandler grants and voids credits on behalf of support staff.
type CreditHandler struct {
	svc *api.Services
}

// NewCreditHandler constructs a CreditHandler.
func NewCreditHandler(svc *api.Services) *CreditHandler {
	return &CreditHandler{svc: svc}
}

// grantCreditRequest names the subscription directly or by group and slot.
type grantCreditRequest struct {
	SubscriptionID uint64           `json:"subscription_id"`
	GroupID        uint64           `json:"group_id"`
	Slot           models.Slot      `json:"slot"`
	Quantity       int              `json:"quantity"`
	UnitValue      *decimal.Decimal `json:"unit_value"` // Defaults to the last paid unit price.
	ExpiresAt      string           `json:"expires_at"` // Defaults to the configured expiry.
	Note           string           `json:"note"`
}

func (h *CreditHandler) subscriptionFor(c *gin.Context, body grantCreditRequest) (*models.Subscription, bool) {
	q := h.svc.DB.WithContext(c.Request.Context())
	var sub models.Subscription
	var errFind error
	switch {
	case body.SubscriptionID != 0:
		errFind = q.First(&sub, body.SubscriptionID).Error
	case body.GroupID != 0 && body.Slot.Valid():
		errFind = q.Where("group_id = ? AND slot = ?", body.GroupID, body.Slot).First(&sub).Error
	default:
		respond.Invalid(c, "subscription_id or group_id with slot is required")
		return nil, false
	}
	if errFind != nil {
		respond.Error(c, store.Classify(errFind, "subscription"))
		return nil, false
	}
	return &sub, true
}

func (h *CreditHandler) defaultUnitValue(c *gin.Context, sub *models.Subscription) (decimal.Decimal, error) {
	prices, errPrices := ledger.LatestPaidUnitPricesTx(h.svc.DB.WithContext(c.Request.Context()), sub.GroupID)
	if errPrices != nil {
		return decimal.Zero, errPrices
	}
	if price, ok := prices[sub.ID]; ok {
		return price, nil
	}
	var group models.SubscriptionGroup
	if errFind := h.svc.DB.WithContext(c.Request.Context()).Preload("Plan").First(&group, sub.GroupID).Error; errFind != nil {
		return decimal.Zero, store.Classify(errFind, "subscription group")
	}
	return group.Plan.UnitPrice(sub.Slot), nil
}

// Grant records an admin_adjustment credit.
func (h *CreditHandler) Grant(c *gin.Context) {
	var body grantCreditRequest
	if !respond.BindJSON(c, &body) {
		return
	}
	if body.Quantity <= 0 {
		respond.Invalid(c, "quantity must be positive")
		return
	}
	sub, ok := h.subscriptionFor(c, body)
	if !ok {
		return
	}

	grant := ledger.Grant{
		SubscriptionID: sub.ID,
		GroupID:        sub.GroupID,
		Slot:           sub.Slot,
		Reason:         models.CreditReasonAdminAdjustment,
		Quantity:       body.Quantity,
		Note:           strings.TrimSpace(body.Note),
	}
	if body.UnitValue != nil {
		if body.UnitValue.IsNegative() {
			respond.Invalid(c, "unit_value must not be negative")
			return
		}
		grant.UnitValue = *body.UnitValue
	} else {
		value, errValue := h.defaultUnitValue(c, sub)
		if errValue != nil {
			respond.Error(c, errValue)
			return
		}
		grant.UnitValue = value
	}
	if raw := strings.TrimSpace(body.ExpiresAt); raw != "" {
		expires, errExpires := respond.ParseDate(raw)
		if errExpires != nil {
			respond.Error(c, errExpires)
			return
		}
		grant.ExpiresAt = expires
	}

	credit, errGrant := h.svc.Ledger.Grant(c.Request.Context(), grant)
	if errGrant != nil {
		respond.Error(c, errGrant)
		return
	}
	log.WithFields(log.Fields{
		"credit_id":       credit.ID,
		"subscription_id": sub.ID,
		"quantity":        body.Quantity,
	}).Info("admin: credit granted")
	c.JSON(http.StatusCreated, gin.H{"credit": credit})
}

// List returns credits filtered by group, subscription and status.
func (h *CreditHandler) List(c *gin.Context) {
	groupID, ok := respond.QueryID(c, "group_id")
	if !ok {
		return
	}
	subscriptionID, ok := respond.QueryID(c, "subscription_id")
	if !ok {
		return
	}
	filter := ledger.CreditFilter{
		SubscriptionID: subscriptionID,
		Status:         models.CreditStatus(strings.TrimSpace(c.Query("status"))),
		Limit:          respond.Limit(c, 100, 500),
	}
	if groupID != 0 {
		filter.GroupIDs = []uint64{groupID}
	}
	credits, errList := h.svc.Ledger.ListCredits(c.Request.Context(), filter)
	if errList != nil {
		respond.Error(c, errList)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credits": credits})
}

type voidRequest struct {
	Note string `json:"note"`
}

// Void voids an available credit.
func (h *CreditHandler) Void(c *gin.Context) {
	creditID, ok := respond.ID(c, "id")
	if !ok {
		return
	}
	var body voidRequest
	if c.Request.ContentLength != 0 && !respond.BindJSON(c, &body) {
		return
	}
	credit, errVoid := h.svc.Ledger.Void(c.Request.Context(), creditID, strings.TrimSpace(body.Note))
	if errVoid != nil {
		respond.Error(c, errVoid)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credit": credit})
}

// ListGlobal returns a consumer's global credits.
func (h *CreditHandler) ListGlobal(c *gin.Context) {
	consumerID, ok := respond.QueryID(c, "consumer_id")
	if !ok {
		return
	}
	if consumerID == 0 {
		respond.Error(c, apperr.Invalid("consumer_id is required"))
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

// VoidGlobal voids an available global credit.
func (h *CreditHandler) VoidGlobal(c *gin.Context) {
	globalID, ok := respond.ID(c, "id")
	if !ok {
		return
	}
	credit, errVoid := h.svc.Ledger.VoidGlobal(c.Request.Context(), globalID)
	if errVoid != nil {
		respond.Error(c, errVoid)
		return
	}
	c.JSON(http.StatusOK, gin.H{"global_credit": credit})
}
