// Package front registers the consumer-facing routes.
package front

import (
	"github.com/gin-gonic/gin"
	"github.com/mealdrop/mealdrop/internal/access"
	"github.com/mealdrop/mealdrop/internal/http/api"
	handlers "github.com/mealdrop/mealdrop/internal/http/api/front/handlers"
	"github.com/mealdrop/mealdrop/internal/ratelimit"
)

// RegisterFrontRoutes registers consumer routes under /v0/front.
func RegisterFrontRoutes(r *gin.Engine, svc *api.Services, secrets api.Secrets) {
	if r == nil || svc == nil || svc.DB == nil {
		return
	}

	frontGroup := r.Group("/v0/front")

	planHandler := handlers.NewPlanFrontHandler(svc.DB)
	frontGroup.GET("/plans", planHandler.List)

	authed := frontGroup.Group("")
	authed.Use(access.Middleware(secrets.JWT))

	view := access.Require(access.CapViewSubscriptions)
	subscriptionHandler := handlers.NewSubscriptionFrontHandler(svc)
	authed.GET("/subscriptions", view, subscriptionHandler.List)
	authed.GET("/subscriptions/:id", view, subscriptionHandler.Get)
	authed.GET("/subscriptions/:id/orders", view, subscriptionHandler.Orders)
	authed.GET("/subscriptions/:id/credits", view, subscriptionHandler.Credits)
	authed.GET("/subscriptions/:id/invoices", view, subscriptionHandler.Invoices)
	authed.GET("/global-credits", view, subscriptionHandler.GlobalCredits)

	skipHandler := handlers.NewSkipFrontHandler(svc)
	skipCap := access.Require(access.CapSkip)
	authed.POST("/slots/:id/skip/preview", skipCap, skipHandler.Preview)
	authed.POST("/slots/:id/skip", skipCap, ratelimit.Middleware(svc.RateLimiter, ratelimit.ActionSkip), skipHandler.Skip)

	lifecycleHandler := handlers.NewLifecycleFrontHandler(svc)
	pauseCap := access.Require(access.CapPause)
	pauseLimit := ratelimit.Middleware(svc.RateLimiter, ratelimit.ActionPause)
	authed.POST("/subscriptions/:id/pause/preview", pauseCap, lifecycleHandler.PreviewPause)
	authed.POST("/subscriptions/:id/pause", pauseCap, pauseLimit, lifecycleHandler.Pause)
	authed.POST("/subscriptions/:id/resume", pauseCap, pauseLimit, lifecycleHandler.Resume)
	cancelCap := access.Require(access.CapCancel)
	authed.POST("/subscriptions/:id/cancel/preview", cancelCap, lifecycleHandler.PreviewCancel)
	authed.POST("/subscriptions/:id/cancel", cancelCap, ratelimit.Middleware(svc.RateLimiter, ratelimit.ActionCancel), lifecycleHandler.Cancel)

	trialHandler := handlers.NewTrialFrontHandler(svc)
	trialCap := access.Require(access.CapBookTrial)
	authed.GET("/trials", trialCap, trialHandler.List)
	authed.GET("/trials/eligibility", trialCap, trialHandler.Eligibility)
	authed.POST("/trials/quote", trialCap, trialHandler.Quote)
	authed.POST("/trials", trialCap, ratelimit.Middleware(svc.RateLimiter, ratelimit.ActionTrialCreate), trialHandler.Create)
	authed.POST("/trials/:id/cancel", trialCap, trialHandler.Cancel)

	capacityHandler := handlers.NewCapacityHandler(svc)
	authed.GET("/vendors/:id/capacity", access.Require(access.CapViewCapacity), capacityHandler.ForVendor)
}
