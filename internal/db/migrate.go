package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mealdrop/mealdrop/internal/models"
	internalsettings "github.com/mealdrop/mealdrop/internal/settings"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// schema lists every table managed by Migrate, parents before children.
func schema() []any {
	return []any{
		&models.Plan{},
		&models.SubscriptionGroup{},
		&models.Subscription{},
		&models.Cycle{},
		&models.Invoice{},
		&models.InvoiceLine{},
		&models.Order{},
		&models.Credit{},
		&models.GlobalCredit{},
		&models.RefundRequest{},
		&models.VendorHoliday{},
		&models.VendorSlot{},
		&models.TrialType{},
		&models.VendorTrialType{},
		&models.Trial{},
		&models.TrialMeal{},
		&models.Setting{},
		&models.MaintenanceRun{},
	}
}

// Migrate runs database migrations for the current dialect.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	switch DialectName(conn) {
	case DialectSQLite:
		return migrateSQLite(conn)
	case DialectPostgres, "":
		return migratePostgres(conn)
	default:
		return fmt.Errorf("db: unsupported dialect: %s", DialectName(conn))
	}
}

// migratePostgres applies PostgreSQL-specific schema updates and indexes.
func migratePostgres(conn *gorm.DB) error {
	if errAutoMigrate := conn.AutoMigrate(schema()...); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}

	// ddl defines an index or DDL statement to apply.
	type ddl struct {
		name string // Human-readable name for error reporting.
		sql  string // SQL to execute.
	}
	ddls := []ddl{
		{
			name: "idx_orders_scheduled_vendor_date",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_orders_scheduled_vendor_date
				ON orders (vendor_id, service_date, slot)
				WHERE status = 'scheduled'
			`,
		},
		{
			name: "idx_credits_available_expires_at",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_credits_available_expires_at
				ON credits (expires_at ASC, id ASC)
				WHERE status = 'available'
			`,
		},
		{
			name: "idx_subscription_groups_paused",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_subscription_groups_paused
				ON subscription_groups (paused_since)
				WHERE status = 'paused'
			`,
		},
		{
			name: "idx_refund_requests_pending",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_refund_requests_pending
				ON refund_requests (created_at ASC, id ASC)
				WHERE status = 'pending'
			`,
		},
		{
			name: "idx_maintenance_runs_started_at_id",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_maintenance_runs_started_at_id
				ON maintenance_runs (started_at DESC, id DESC)
			`,
		},
	}
	for _, stmt := range ddls {
		if errExec := conn.Exec(stmt.sql).Error; errExec != nil {
			return fmt.Errorf("db: create %s: %w", stmt.name, errExec)
		}
	}
	return ensureDefaultSettings(conn)
}

// migrateSQLite applies the schema to an embedded SQLite database.
func migrateSQLite(conn *gorm.DB) error {
	if errAutoMigrate := conn.AutoMigrate(schema()...); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}
	return ensureDefaultSettings(conn)
}

// ensureDefaultSettings seeds runtime settings with their defaults.
func ensureDefaultSettings(conn *gorm.DB) error {
	if errSeed := ensureIntSetting(conn, internalsettings.RateLimitKey, internalsettings.DefaultRateLimit); errSeed != nil {
		return errSeed
	}
	if errSeed := ensureBoolSetting(conn, internalsettings.RateLimitRedisEnabledKey, false); errSeed != nil {
		return errSeed
	}
	if errSeed := ensureStringSetting(conn, internalsettings.RateLimitRedisPrefixKey, internalsettings.DefaultRateLimitRedisPrefix); errSeed != nil {
		return errSeed
	}
	if errSeed := ensureIntSetting(conn, internalsettings.RefundMaxAttemptsKey, internalsettings.DefaultRefundMaxAttempts); errSeed != nil {
		return errSeed
	}
	return nil
}

// ensureIntSetting ensures an integer setting exists and defaults when empty.
func ensureIntSetting(conn *gorm.DB, key string, value int) error {
	return ensureSetting(conn, key, value)
}

// ensureBoolSetting ensures a boolean setting exists and defaults when empty.
func ensureBoolSetting(conn *gorm.DB, key string, value bool) error {
	return ensureSetting(conn, key, value)
}

// ensureStringSetting ensures a string setting exists and defaults when empty.
func ensureStringSetting(conn *gorm.DB, key string, value string) error {
	return ensureSetting(conn, key, value)
}

func ensureSetting(conn *gorm.DB, key string, value any) error {
	payload, errMarshal := json.Marshal(value)
	if errMarshal != nil {
		return fmt.Errorf("db: marshal %s setting: %w", key, errMarshal)
	}
	rawValue := json.RawMessage(payload)

	var existing models.Setting
	if errFind := conn.Where("key = ?", key).First(&existing).Error; errFind == nil {
		trimmed := strings.TrimSpace(string(existing.Value))
		if len(existing.Value) == 0 || trimmed == "" || trimmed == "null" {
			if errUpdate := conn.Model(&existing).Updates(map[string]any{
				"value":      rawValue,
				"updated_at": time.Now().UTC(),
			}).Error; errUpdate != nil {
				return fmt.Errorf("db: update %s setting: %w", key, errUpdate)
			}
		}
		return nil
	} else if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return fmt.Errorf("db: query %s setting: %w", key, errFind)
	}

	setting := models.Setting{
		Key:       key,
		Value:     datatypes.JSON(payload),
		UpdatedAt: time.Now().UTC(),
	}
	if errCreate := conn.Create(&setting).Error; errCreate != nil {
		return fmt.Errorf("db: create %s setting: %w", key, errCreate)
	}
	return nil
}
