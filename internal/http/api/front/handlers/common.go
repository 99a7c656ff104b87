package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/mealdrop/mealdrop/internal/access"
	"github.com/mealdrop/mealdrop/internal/apperr"
	"github.com/mealdrop/mealdrop/internal/http/api/respond"
	"github.com/mealdrop/mealdrop/internal/security"
)

// consumerFor resolves the consumer a request acts for. Consumers act for
// themselves; admins name the consumer explicitly.
func consumerFor(c *gin.Context, guard *access.Guard, requested uint64) (uint64, bool) {
	p := access.FromContext(c)
	consumerID := requested
	if consumerID == 0 && p.Role == security.RoleConsumer {
		consumerID = p.ID
	}
	if consumerID == 0 {
		respond.Error(c, apperr.Invalid("consumer_id is required"))
		return 0, false
	}
	if errGuard := guard.Consumer(p, consumerID); errGuard != nil {
		respond.Error(c, errGuard)
		return 0, false
	}
	return consumerID, true
}
