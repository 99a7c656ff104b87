package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mealdrop/mealdrop/internal/apperr"
	"github.com/mealdrop/mealdrop/internal/http/api/respond"
	"github.com/mealdrop/mealdrop/internal/models"
	internalsettings "github.com/mealdrop/mealdrop/internal/settings"
	"github.com/mealdrop/mealdrop/internal/store"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SettingHandler manages admin CRUD for runtime settings.
type SettingHandler struct {
	db *gorm.DB // Database handle for settings.
}

// NewSettingHandler constructs a settings handler.
func NewSettingHandler(db *gorm.DB) *SettingHandler {
	return &SettingHandler{db: db}
}

// createSettingRequest captures the payload for creating a setting.
type createSettingRequest struct {
	Key   string          `json:"key"`   // Setting key.
	Value json.RawMessage `json:"value"` // JSON value payload.
}

// Minimum integer value per numeric setting key.
var intSettingMinimums = map[string]int{
	internalsettings.RateLimitKey:         0,
	internalsettings.RateLimitRedisDBKey:  0,
	internalsettings.RefundMaxAttemptsKey: 1,
}

var errRateLimitActions = errors.New("value must be an object of non-negative integers")

// Create validates and inserts a setting, then refreshes the snapshot.
func (h *SettingHandler) Create(c *gin.Context) {
	var body createSettingRequest
	if !respond.BindJSON(c, &body) {
		return
	}

	key := strings.TrimSpace(body.Key)
	if key == "" {
		respond.Invalid(c, "key is required")
		return
	}

	if errValidate := validateSettingValue(key, body.Value); errValidate != nil {
		respond.Error(c, errValidate)
		return
	}

	var existing models.Setting
	if errFind := h.db.WithContext(c.Request.Context()).Where("key = ?", key).First(&existing).Error; errFind == nil {
		respond.Error(c, apperr.Conflict("key already exists").With("key", key))
		return
	}

	setting := models.Setting{
		Key:   key,
		Value: datatypes.JSON(body.Value),
	}

	if errCreate := h.db.WithContext(c.Request.Context()).Create(&setting).Error; errCreate != nil {
		respond.Error(c, store.Classify(errCreate, "setting"))
		return
	}
	h.refresh(c.Request.Context())
	c.JSON(http.StatusCreated, h.formatSetting(&setting))
}

// List returns all settings sorted by key.
func (h *SettingHandler) List(c *gin.Context) {
	var rows []models.Setting
	if errFind := h.db.WithContext(c.Request.Context()).Order("key ASC").Find(&rows).Error; errFind != nil {
		respond.Error(c, store.Classify(errFind, "setting"))
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, h.formatSetting(&row))
	}
	c.JSON(http.StatusOK, gin.H{"settings": out})
}

// Get returns a setting by key.
func (h *SettingHandler) Get(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))
	if key == "" {
		respond.Invalid(c, "invalid key")
		return
	}
	var setting models.Setting
	if errFind := h.db.WithContext(c.Request.Context()).Where("key = ?", key).First(&setting).Error; errFind != nil {
		respond.Error(c, store.Classify(errFind, "setting"))
		return
	}
	c.JSON(http.StatusOK, h.formatSetting(&setting))
}

// updateSettingRequest captures the payload for updating a setting.
type updateSettingRequest struct {
	Value json.RawMessage `json:"value"` // New JSON value.
}

// Update updates a setting value and refreshes the snapshot.
func (h *SettingHandler) Update(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))
	if key == "" {
		respond.Invalid(c, "invalid key")
		return
	}
	var body updateSettingRequest
	if !respond.BindJSON(c, &body) {
		return
	}

	if errValidate := validateSettingValue(key, body.Value); errValidate != nil {
		respond.Error(c, errValidate)
		return
	}

	res := h.db.WithContext(c.Request.Context()).Model(&models.Setting{}).Where("key = ?", key).
		Update("value", datatypes.JSON(body.Value))
	if res.Error != nil {
		respond.Error(c, store.Classify(res.Error, "setting"))
		return
	}
	if res.RowsAffected == 0 {
		respond.Error(c, apperr.NotFound("setting"))
		return
	}
	h.refresh(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Delete removes a setting and refreshes the snapshot.
func (h *SettingHandler) Delete(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))
	if key == "" {
		respond.Invalid(c, "invalid key")
		return
	}
	res := h.db.WithContext(c.Request.Context()).Where("key = ?", key).Delete(&models.Setting{})
	if res.Error != nil {
		respond.Error(c, store.Classify(res.Error, "setting"))
		return
	}
	if res.RowsAffected == 0 {
		respond.Error(c, apperr.NotFound("setting"))
		return
	}
	h.refresh(c.Request.Context())
	c.Status(http.StatusNoContent)
}

// refresh reloads the snapshot. The periodic refresher retries on failure.
func (h *SettingHandler) refresh(ctx context.Context) {
	if errRefresh := internalsettings.Refresh(ctx, h.db); errRefresh != nil {
		log.WithError(errRefresh).Warn("settings: refresh after write failed")
	}
}

func validateSettingValue(key string, value json.RawMessage) error {
	if key == internalsettings.RateLimitActionsKey {
		if !validActionLimits(value) {
			return apperr.Wrap(apperr.KindInvalidInput, "invalid setting value", errRateLimitActions).With("key", key)
		}
		return nil
	}
	minimum, ok := intSettingMinimums[key]
	if !ok {
		if !json.Valid(bytes.TrimSpace(value)) {
			return apperr.Invalid("value must be valid json").With("key", key)
		}
		return nil
	}
	if _, okInt := parseIntAtLeast(value, minimum); !okInt {
		return apperr.Invalid("value must be an integer of at least "+strconv.Itoa(minimum)).With("key", key)
	}
	return nil
}

func validActionLimits(raw json.RawMessage) bool {
	var limits map[string]json.RawMessage
	if errUnmarshal := json.Unmarshal(bytes.TrimSpace(raw), &limits); errUnmarshal != nil || limits == nil {
		return false
	}
	for action, v := range limits {
		if strings.TrimSpace(action) == "" {
			return false
		}
		if _, ok := parseIntAtLeast(v, 0); !ok {
			return false
		}
	}
	return true
}

// parseIntAtLeast accepts a JSON number, integral float or numeric string.
func parseIntAtLeast(raw json.RawMessage, minimum int) (int, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false
	}
	var parsedInt int
	if errUnmarshalInt := json.Unmarshal(raw, &parsedInt); errUnmarshalInt == nil {
		return parsedInt, parsedInt >= minimum
	}
	var parsedString string
	if errUnmarshalString := json.Unmarshal(raw, &parsedString); errUnmarshalString == nil {
		parsed, errParse := strconv.Atoi(strings.TrimSpace(parsedString))
		if errParse != nil {
			return 0, false
		}
		return parsed, parsed >= minimum
	}
	var parsedFloat float64
	if errUnmarshalFloat := json.Unmarshal(raw, &parsedFloat); errUnmarshalFloat == nil {
		if math.IsNaN(parsedFloat) || math.IsInf(parsedFloat, 0) || parsedFloat != math.Trunc(parsedFloat) {
			return 0, false
		}
		return int(parsedFloat), int(parsedFloat) >= minimum
	}
	return 0, false
}

// formatSetting formats a setting row into response JSON.
func (h *SettingHandler) formatSetting(s *models.Setting) gin.H {
	return gin.H{
		"key":        s.Key,
		"value":      json.RawMessage(s.Value),
		"updated_at": s.UpdatedAt,
	}
}
