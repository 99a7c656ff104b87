// Package system registers health and scheduler-facing routes.
package system

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mealdrop/mealdrop/internal/apperr"
	"github.com/mealdrop/mealdrop/internal/http/api"
	"github.com/mealdrop/mealdrop/internal/http/api/respond"
	"github.com/mealdrop/mealdrop/internal/maintenance"
	"github.com/mealdrop/mealdrop/internal/security"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// MaintenanceSecretHeader carries the maintenance trigger secret.
const MaintenanceSecretHeader = "X-Maintenance-Secret"

// RegisterSystemRoutes registers /healthz and the external maintenance trigger.
func RegisterSystemRoutes(r *gin.Engine, svc *api.Services, secrets api.Secrets) {
	if r == nil || svc == nil {
		return
	}
	r.GET("/healthz", healthz(svc.DB))
	if svc.Maintenance != nil {
		r.POST("/v0/maintenance/run", maintenanceSecret(secrets), runMaintenance(svc.Maintenance))
	}
}

func healthz(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		sqlDB, errDB := db.DB()
		if errDB != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if errPing := sqlDB.PingContext(ctx); errPing != nil {
			log.WithError(errPing).Warn("healthz: database ping failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func maintenanceSecret(secrets api.Secrets) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := c.GetHeader(MaintenanceSecretHeader)
		if !security.CheckSecret(presented, secrets.Maintenance, secrets.MaintenanceSecretHash) {
			respond.Error(c, apperr.New(apperr.KindNotAuthenticated, "invalid maintenance secret"))
			return
		}
		c.Next()
	}
}

func runMaintenance(runner *maintenance.Runner) gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, errRun := runner.Run(c.Request.Context(), maintenance.TriggerHTTP)
		if errRun != nil {
			respond.Error(c, errRun)
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}
