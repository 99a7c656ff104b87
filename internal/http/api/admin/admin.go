// Package admin registers the platform administration routes.
package admin

import (
	"github.com/gin-gonic/gin"
	"github.com/mealdrop/mealdrop/internal/access"
	"github.com/mealdrop/mealdrop/internal/apperr"
	"github.com/mealdrop/mealdrop/internal/http/api"
	handlers "github.com/mealdrop/mealdrop/internal/http/api/admin/handlers"
	"github.com/mealdrop/mealdrop/internal/http/api/respond"
)

// RegisterAdminRoutes registers admin routes, middleware, and handlers.
func RegisterAdminRoutes(r *gin.Engine, svc *api.Services, secrets api.Secrets) {
	if r == nil || svc == nil || svc.DB == nil {
		return
	}

	authed := r.Group("/v0/admin")
	authed.Use(access.Middleware(secrets.JWT))
	authed.Use(adminOnlyMiddleware())

	planHandler := handlers.NewPlanHandler(svc.DB)
	authed.POST("/plans", planHandler.Create)
	authed.GET("/plans", planHandler.List)
	authed.GET("/plans/:id", planHandler.Get)
	authed.PUT("/plans/:id", planHandler.Update)
	authed.DELETE("/plans/:id", planHandler.Delete)
	authed.POST("/plans/:id/enable", planHandler.Enable)
	authed.POST("/plans/:id/disable", planHandler.Disable)

	settingHandler := handlers.NewSettingHandler(svc.DB)
	authed.POST("/settings", settingHandler.Create)
	authed.GET("/settings", settingHandler.List)
	authed.GET("/settings/:key", settingHandler.Get)
	authed.PUT("/settings/:key", settingHandler.Update)
	authed.DELETE("/settings/:key", settingHandler.Delete)

	credits := access.Require(access.CapManageCredits)
	creditHandler := handlers.NewCreditHandler(svc)
	authed.POST("/credits", credits, creditHandler.Grant)
	authed.GET("/credits", credits, creditHandler.List)
	authed.POST("/credits/:id/void", credits, creditHandler.Void)
	authed.GET("/global-credits", credits, creditHandler.ListGlobal)
	authed.POST("/global-credits/:id/void", credits, creditHandler.VoidGlobal)

	maintenanceView := access.Require(access.CapViewMaintenance)
	opsHandler := handlers.NewOperationsHandler(svc)
	authed.GET("/maintenance/runs", maintenanceView, opsHandler.Runs)
	authed.POST("/maintenance/run", maintenanceView, opsHandler.Run)
	authed.GET("/refunds", maintenanceView, opsHandler.Refunds)
	authed.POST("/refunds/dispatch", maintenanceView, opsHandler.DispatchRefunds)
	authed.GET("/invoices/:id", opsHandler.Invoice)
	authed.POST("/subscriptions/:id/renewal", opsHandler.PrepareRenewal)
	authed.GET("/capabilities", opsHandler.Capabilities)
}

// adminOnlyMiddleware rejects principals other than administrators.
func adminOnlyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		p := access.FromContext(c)
		if p.IsZero() {
			respond.Error(c, apperr.New(apperr.KindNotAuthenticated, "authentication required"))
			return
		}
		if !p.IsAdmin() {
			respond.Error(c, apperr.New(apperr.KindUnauthorized, "admin role required"))
			return
		}
		c.Next()
	}
}
