// Package app wires configuration, storage and the engine services into the
// HTTP server, the scheduler and the one-shot maintenance command.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mealdrop/mealdrop/internal/access"
	"github.com/mealdrop/mealdrop/internal/capacity"
	"github.com/mealdrop/mealdrop/internal/clock"
	"github.com/mealdrop/mealdrop/internal/config"
	"github.com/mealdrop/mealdrop/internal/db"
	"github.com/mealdrop/mealdrop/internal/generator"
	"github.com/mealdrop/mealdrop/internal/holiday"
	"github.com/mealdrop/mealdrop/internal/http/api"
	"github.com/mealdrop/mealdrop/internal/http/api/admin"
	"github.com/mealdrop/mealdrop/internal/http/api/front"
	"github.com/mealdrop/mealdrop/internal/http/api/hooks"
	"github.com/mealdrop/mealdrop/internal/http/api/system"
	"github.com/mealdrop/mealdrop/internal/http/api/vendorapi"
	"github.com/mealdrop/mealdrop/internal/invoicing"
	"github.com/mealdrop/mealdrop/internal/ledger"
	"github.com/mealdrop/mealdrop/internal/lifecycle"
	"github.com/mealdrop/mealdrop/internal/maintenance"
	"github.com/mealdrop/mealdrop/internal/ratelimit"
	"github.com/mealdrop/mealdrop/internal/refund"
	internalsettings "github.com/mealdrop/mealdrop/internal/settings"
	"github.com/mealdrop/mealdrop/internal/skip"
	"github.com/mealdrop/mealdrop/internal/store"
	"github.com/mealdrop/mealdrop/internal/trial"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	defaultPort             = 8320
	settingsRefreshInterval = time.Minute
	shutdownTimeout         = 10 * time.Second
)

// Runtime holds the wired components of one process.
type Runtime struct {
	Config   config.FileConfig
	DB       *gorm.DB
	Services *api.Services
	Secrets  api.Secrets
	Redis    *redis.Client
}

// Close releases the database and Redis connections.
func (rt *Runtime) Close() {
	if rt == nil {
		return
	}
	if rt.Redis != nil {
		if errClose := rt.Redis.Close(); errClose != nil {
			log.WithError(errClose).Warn("redis close failed")
		}
	}
	closeDB(rt.DB)
}

func closeDB(conn *gorm.DB) {
	if conn == nil {
		return
	}
	sqlDB, errDB := conn.DB()
	if errDB != nil {
		return
	}
	if errClose := sqlDB.Close(); errClose != nil {
		log.Errorf("sql db close error: %v", errClose)
	}
}

// SetupLogging applies the configured level and formatter to logrus.
func SetupLogging(level string, jsonFormat bool) {
	if jsonFormat {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	parsed, errParse := log.ParseLevel(strings.TrimSpace(level))
	if errParse != nil {
		parsed = log.InfoLevel
	}
	log.SetLevel(parsed)
}

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	fileCfg, errLoad := config.Load(config.ResolveConfigPath(cfg.ConfigPath))
	if errLoad != nil {
		return errLoad
	}
	dsn, errDSN := fileCfg.DSN()
	if errDSN != nil {
		return errDSN
	}
	conn, errOpen := db.Open(dsn)
	if errOpen != nil {
		return errOpen
	}
	defer closeDB(conn)
	return db.Migrate(conn.WithContext(ctx))
}

// Build loads configuration, opens and migrates the database and wires every
// engine service.
func Build(ctx context.Context, cfg config.AppConfig, clk clock.Clock) (*Runtime, error) {
	fileCfg, errLoad := config.Load(config.ResolveConfigPath(cfg.ConfigPath))
	if errLoad != nil {
		return nil, errLoad
	}
	SetupLogging(fileCfg.LogLevel, fileCfg.LogJSON)

	dsn, errDSN := fileCfg.DSN()
	if errDSN != nil {
		return nil, errDSN
	}
	conn, errOpen := db.Open(dsn)
	if errOpen != nil {
		return nil, errOpen
	}
	if errMigrate := db.Migrate(conn.WithContext(ctx)); errMigrate != nil {
		closeDB(conn)
		return nil, errMigrate
	}
	if errRefresh := internalsettings.Refresh(ctx, conn); errRefresh != nil {
		log.WithError(errRefresh).Warn("settings: initial refresh failed")
	}

	rt := &Runtime{
		Config: fileCfg,
		DB:     conn,
		Secrets: api.Secrets{
			JWT:                   fileCfg.JWT.Secret,
			PaymentHook:           fileCfg.PaymentHookSecret,
			Maintenance:           fileCfg.Maintenance.Secret,
			MaintenanceSecretHash: fileCfg.Maintenance.SecretHash,
		},
	}
	if addr := strings.TrimSpace(fileCfg.Redis.Addr); addr != "" {
		rt.Redis = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: fileCfg.Redis.Password,
			DB:       fileCfg.Redis.DB,
		})
	}

	svc, errServices := NewServices(conn, fileCfg, clk, rt.Redis)
	if errServices != nil {
		rt.Close()
		return nil, errServices
	}
	rt.Services = svc

	desc, _ := db.Describe(dsn)
	log.WithFields(log.Fields{
		"database_type": desc.Type,
		"timezone":      fileCfg.Engine.Timezone,
		"redis":         rt.Redis != nil,
	}).Info("engine wired")
	return rt, nil
}

// NewServices constructs the engine services over conn. A nil redis client
// leaves the maintenance run guarded by the in-process lock only.
func NewServices(conn *gorm.DB, fileCfg config.FileConfig, clk clock.Clock, redisClient *redis.Client) (*api.Services, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	pol, errPolicy := fileCfg.Engine.Policy()
	if errPolicy != nil {
		return nil, errPolicy
	}

	tx := store.NewTransactor(conn)
	credits := ledger.New(tx, clk, pol)
	gen := generator.New(conn)
	checker := capacity.NewChecker(conn)

	svc := &api.Services{
		DB:        conn,
		Guard:     access.NewGuard(conn),
		Ledger:    credits,
		Skips:     skip.NewService(tx, credits, clk, pol),
		Lifecycle: lifecycle.NewService(tx, credits, clk, pol),
		Holidays:  holiday.NewService(tx, credits, clk, pol),
		Trials:    trial.NewService(tx, checker, clk, pol),
		Capacity:  checker,
		Invoicing: invoicing.NewService(tx, credits, gen, clk, pol),
		Refunds: refund.NewDispatcher(tx, credits, clk, refund.Options{
			URL:         fileCfg.Refund.GatewayURL,
			Timeout:     fileCfg.Refund.Timeout,
			BatchSize:   fileCfg.Refund.BatchSize,
			MaxAttempts: fileCfg.Refund.MaxAttempts,
		}),
		RateLimiter: ratelimit.NewManager(ratelimit.LoadSettingsConfig, clk, nil),
		Clock:       clk,
		Policy:      pol,
	}

	tasks := maintenance.DailyTasks(maintenance.Services{
		Invoicing: svc.Invoicing,
		Generator: gen,
		Holidays:  svc.Holidays,
		Ledger:    credits,
		Trials:    svc.Trials,
		Lifecycle: svc.Lifecycle,
		Refunds:   svc.Refunds,
		Clock:     clk,
		Policy:    pol,
	})
	var opts []maintenance.Option
	if redisClient != nil {
		locker := maintenance.NewRedisLocker(redisClient, fileCfg.Redis.Prefix)
		opts = append(opts, maintenance.WithLocker(locker, fileCfg.Maintenance.LockTTL))
	}
	svc.Maintenance = maintenance.NewRunner(tx, clk, tasks, opts...)
	return svc, nil
}

// NewRouter registers every route group on a fresh gin engine.
func NewRouter(svc *api.Services, secrets api.Secrets) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger())
	system.RegisterSystemRoutes(engine, svc, secrets)
	front.RegisterFrontRoutes(engine, svc, secrets)
	vendorapi.RegisterVendorRoutes(engine, svc, secrets)
	admin.RegisterAdminRoutes(engine, svc, secrets)
	hooks.RegisterHookRoutes(engine, svc, secrets)
	return engine
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := log.WithFields(log.Fields{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request")
	}
}

// RunServer boots the HTTP API, the settings refresher and, when withScheduler
// is set, the in-process cron scheduler. It returns when ctx is cancelled.
func RunServer(ctx context.Context, cfg config.AppConfig, port int, withScheduler bool) error {
	rt, errBuild := Build(ctx, cfg, clock.Real{})
	if errBuild != nil {
		return errBuild
	}
	defer rt.Close()

	if strings.TrimSpace(rt.Secrets.JWT) == "" {
		return fmt.Errorf("jwt secret is required (set jwt.secret or %s)", config.EnvJWTSecret)
	}

	internalsettings.StartRefresher(ctx, rt.DB, settingsRefreshInterval)

	if withScheduler {
		scheduler, errSchedule := maintenance.StartScheduler(ctx, rt.Services.Maintenance, rt.Config.Maintenance.Schedule)
		if errSchedule != nil {
			return errSchedule
		}
		defer scheduler.Stop()
	}

	if port <= 0 {
		port = rt.Config.Port
	}
	if port <= 0 {
		port = defaultPort
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           NewRouter(rt.Services, rt.Secrets),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if errShutdown := srv.Shutdown(shutdownCtx); errShutdown != nil {
			log.Errorf("server shutdown error: %v", errShutdown)
		}
	}()

	log.Infof("starting mealdrop on %s (scheduler=%t)", srv.Addr, withScheduler)
	if errListen := srv.ListenAndServe(); errListen != nil && !errors.Is(errListen, http.ErrServerClosed) {
		return errListen
	}
	return nil
}

// RunMaintenanceOnce runs the daily batch once and returns its summary.
func RunMaintenanceOnce(ctx context.Context, cfg config.AppConfig) (maintenance.Summary, error) {
	rt, errBuild := Build(ctx, cfg, clock.Real{})
	if errBuild != nil {
		return maintenance.Summary{}, errBuild
	}
	defer rt.Close()
	return rt.Services.Maintenance.Run(ctx, maintenance.TriggerCLI)
}
