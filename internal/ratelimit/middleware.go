package ratelimit

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mealdrop/mealdrop/internal/access"
	log "github.com/sirupsen/logrus"
)

// Middleware limits the authenticated principal's requests for action. Limiter
// failures let the request through.
func Middleware(m *Manager, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := access.FromContext(c)
		if m == nil || principal.IsZero() {
			c.Next()
			return
		}
		decision, result, limited, errCheck := m.Check(c.Request.Context(), string(principal.Role), principal.ID, action)
		if errCheck != nil {
			log.WithError(errCheck).WithFields(log.Fields{
				"action":       action,
				"principal_id": principal.ID,
			}).Warn("rate limit: check failed")
			c.Next()
			return
		}
		if !limited {
			c.Next()
			return
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		if !result.Allowed {
			retryAfter := int(math.Ceil(result.Reset.Sub(m.clock.Now()).Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limited",
				"message": "too many requests",
				"details": gin.H{"action": action, "retry_after_seconds": retryAfter},
			})
			return
		}
		c.Next()
	}
}
