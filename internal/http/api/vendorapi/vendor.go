// Package vendorapi registers the vendor-facing routes.
package vendorapi

import (
	"github.com/gin-gonic/gin"
	"github.com/mealdrop/mealdrop/internal/access"
	"github.com/mealdrop/mealdrop/internal/http/api"
	fronthandlers "github.com/mealdrop/mealdrop/internal/http/api/front/handlers"
	handlers "github.com/mealdrop/mealdrop/internal/http/api/vendorapi/handlers"
)

// RegisterVendorRoutes registers vendor routes under /v0/vendor.
func RegisterVendorRoutes(r *gin.Engine, svc *api.Services, secrets api.Secrets) {
	if r == nil || svc == nil || svc.DB == nil {
		return
	}

	authed := r.Group("/v0/vendor")
	authed.Use(access.Middleware(secrets.JWT))

	declare := access.Require(access.CapDeclareHoliday)
	holidayHandler := handlers.NewHolidayHandler(svc)
	authed.POST("/holidays", declare, holidayHandler.Declare)
	authed.GET("/holidays", declare, holidayHandler.List)
	authed.POST("/holidays/:id/reapply", declare, holidayHandler.Reapply)

	orderHandler := handlers.NewOrderHandler(svc)
	authed.GET("/orders", access.Require(access.CapViewCapacity), orderHandler.List)

	capacityHandler := fronthandlers.NewCapacityHandler(svc)
	authed.GET("/capacity", access.Require(access.CapViewCapacity), capacityHandler.Own)
}
