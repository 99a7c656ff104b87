package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/mealdrop/mealdrop/internal/access"
	"github.com/mealdrop/mealdrop/internal/apperr"
	"github.com/mealdrop/mealdrop/internal/http/api/respond"
	"github.com/mealdrop/mealdrop/internal/security"
)

// vendorFor resolves the vendor a request acts for. Vendors act for
// themselves; admins name the vendor explicitly.
func vendorFor(c *gin.Context, guard *access.Guard, requested uint64) (uint64, bool) {
	p := access.FromContext(c)
	vendorID := requested
	if vendorID == 0 && p.Role == security.RoleVendor {
		vendorID = p.ID
	}
	if vendorID == 0 {
		respond.Error(c, apperr.Invalid("vendor_id is required"))
		return 0, false
	}
	if errGuard := guard.Vendor(p, vendorID); errGuard != nil {
		respond.Error(c, errGuard)
		return 0, false
	}
	return vendorID, true
}
