// Package respond renders engine errors and parses common request values.
package respond

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mealdrop/mealdrop/internal/apperr"
	"github.com/mealdrop/mealdrop/internal/clock"
	log "github.com/sirupsen/logrus"
)

// Error aborts the request with {"error": kind, "message", "details"} and the
// status mapped from the error kind. Unclassified errors hide their cause.
func Error(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	body := gin.H{}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		message := appErr.Message
		if message == "" {
			message = string(appErr.Kind)
		}
		body["error"] = string(appErr.Kind)
		body["message"] = message
		if len(appErr.Details) > 0 {
			body["details"] = appErr.Details
		}
	} else {
		body["error"] = "internal"
		body["message"] = "internal error"
	}
	if status >= http.StatusInternalServerError {
		log.WithError(err).WithFields(log.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
		}).Error("http: request failed")
	}
	c.AbortWithStatusJSON(status, body)
}

// Invalid aborts the request with an invalid_input error.
func Invalid(c *gin.Context, message string) {
	Error(c, apperr.Invalid(message))
}

// BindJSON decodes the request body into dst, aborting on failure.
func BindJSON(c *gin.Context, dst any) bool {
	if errBind := c.ShouldBindJSON(dst); errBind != nil {
		Invalid(c, "invalid json")
		return false
	}
	return true
}

// ID parses a positive integer path parameter, aborting on failure.
func ID(c *gin.Context, name string) (uint64, bool) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param(name)), 10, 64)
	if errParse != nil || id == 0 {
		Invalid(c, "invalid "+name)
		return 0, false
	}
	return id, true
}

// QueryID parses an optional positive integer query parameter. A missing value
// yields 0.
func QueryID(c *gin.Context, name string) (uint64, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return 0, true
	}
	id, errParse := strconv.ParseUint(raw, 10, 64)
	if errParse != nil || id == 0 {
		Invalid(c, "invalid "+name)
		return 0, false
	}
	return id, true
}

// ParseDate parses a YYYY-MM-DD civil date.
func ParseDate(raw string) (time.Time, error) {
	parsed, errParse := time.Parse(time.DateOnly, strings.TrimSpace(raw))
	if errParse != nil {
		return time.Time{}, apperr.Invalid("invalid date " + strconv.Quote(raw)).With("expected", time.DateOnly)
	}
	return clock.Civil(parsed), nil
}

// ParseOptionalDate parses a civil date, treating empty input as absent.
func ParseOptionalDate(raw string) (*time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	d, errParse := ParseDate(raw)
	if errParse != nil {
		return nil, errParse
	}
	return &d, nil
}

// DateRange parses the from/to query parameters. Missing bounds default to
// today and today plus days.
func DateRange(c *gin.Context, today time.Time, days int) (time.Time, time.Time, error) {
	from, to := today, clock.AddDays(today, days)
	if raw := c.Query("from"); raw != "" {
		parsed, errParse := ParseDate(raw)
		if errParse != nil {
			return time.Time{}, time.Time{}, errParse
		}
		from = parsed
	}
	if raw := c.Query("to"); raw != "" {
		parsed, errParse := ParseDate(raw)
		if errParse != nil {
			return time.Time{}, time.Time{}, errParse
		}
		to = parsed
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, apperr.Invalid("to must not be before from")
	}
	return from, to, nil
}

// Limit parses the limit query parameter, clamped to [1, max].
func Limit(c *gin.Context, def, max int) int {
	limit, errParse := strconv.Atoi(strings.TrimSpace(c.Query("limit")))
	if errParse != nil || limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
