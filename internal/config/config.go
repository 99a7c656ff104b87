package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mealdrop/mealdrop/internal/policy"
	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath        = "CONFIG_PATH"
	EnvDBConnection      = "DB_CONNECTION"
	EnvJWTSecret         = "JWT_SECRET"
	EnvJWTExpiry         = "JWT_EXPIRY"
	EnvMaintenanceSecret = "MAINTENANCE_SECRET"
	EnvPaymentHookSecret = "PAYMENT_HOOK_SECRET"
	EnvRedisAddr         = "REDIS_ADDR"
	EnvRedisPassword     = "REDIS_PASSWORD"
	EnvLogLevel          = "LOG_LEVEL"
)

// AppConfig holds resolved application configuration values.
type AppConfig struct {
	ConfigPath string
}

// LoadFromEnv loads app config from environment variables.
func LoadFromEnv() (AppConfig, error) {
	return AppConfig{ConfigPath: ResolveConfigPath(os.Getenv(EnvConfigPath))}, nil
}

// ResolveConfigPath normalizes the config path and applies defaults.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = "./config.yaml"
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// ErrMissingDatabaseDSN indicates no database DSN is present in the config file.
var ErrMissingDatabaseDSN = errors.New("missing database dsn (set `database-dsn` or `database.dsn` in config file)")

// JWTConfig holds the secret used to verify identity tokens.
type JWTConfig struct {
	Secret string        `yaml:"secret"`
	Expiry time.Duration `yaml:"expiry"`
}

// EngineConfig holds the billing-cycle and fulfillment policy knobs.
type EngineConfig struct {
	Timezone         string            `yaml:"timezone"`
	CreditExpiryDays int               `yaml:"credit-expiry-days"`
	SkipCutoffHours  int               `yaml:"skip-cutoff-hours"`
	PauseNoticeHours int               `yaml:"pause-notice-hours"`
	MaxPauseDays     int               `yaml:"max-pause-days"`
	RenewalLeadDays  int               `yaml:"renewal-lead-days"`
	DeliveryWindows  map[string]string `yaml:"delivery-windows"` // slot -> "HH:MM" window start.
}

// MaintenanceConfig controls the daily maintenance batch.
type MaintenanceConfig struct {
	Secret     string        `yaml:"secret"`      // Plain shared secret.
	SecretHash string        `yaml:"secret-hash"` // Optional bcrypt hash of the shared secret.
	Schedule   string        `yaml:"schedule"`    // Cron spec for scheduler mode.
	LockTTL    time.Duration `yaml:"lock-ttl"`
}

// RedisConfig holds optional Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// RefundConfig points at the payment gateway refund endpoint.
type RefundConfig struct {
	GatewayURL  string        `yaml:"gateway-url"`
	Timeout     time.Duration `yaml:"timeout"`
	BatchSize   int           `yaml:"batch-size"`
	MaxAttempts int           `yaml:"max-attempts"` // Attempts before a request is marked failed.
}

// FileConfig is the full YAML configuration document.
type FileConfig struct {
	DatabaseDSN string `yaml:"database-dsn"`
	Database    struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`
	Port              int               `yaml:"port"`
	LogLevel          string            `yaml:"log-level"`
	LogJSON           bool              `yaml:"log-json"`
	PaymentHookSecret string            `yaml:"payment-hook-secret"`
	JWT               JWTConfig         `yaml:"jwt"`
	Engine            EngineConfig      `yaml:"engine"`
	Maintenance       MaintenanceConfig `yaml:"maintenance"`
	Redis             RedisConfig       `yaml:"redis"`
	Refund            RefundConfig      `yaml:"refund"`
}

// Defaults applied when the config omits or invalidates a value.
const (
	defaultJWTExpiry           = 30 * 24 * time.Hour
	defaultCreditExpiryDays    = 60
	defaultSkipCutoffHours     = 12
	defaultPauseNoticeHours    = 24
	defaultMaxPauseDays        = 30
	defaultRenewalLeadDays     = 2
	defaultMaintenanceSchedule = "0 2 * * *"
	defaultMaintenanceLockTTL  = 30 * time.Minute
	defaultRefundTimeout       = 15 * time.Second
	defaultRefundBatchSize     = 50
	defaultRefundMaxAttempts   = 5
	defaultRedisPrefix         = "mealdrop"
)

var defaultDeliveryWindows = map[string]string{
	"breakfast": "07:00",
	"lunch":     "12:00",
	"dinner":    "19:00",
}

// Load reads the YAML config file, applies env overrides and fills defaults.
// A missing file is not an error; env variables alone can configure the service.
func Load(configPath string) (FileConfig, error) {
	var cfg FileConfig

	data, errRead := os.ReadFile(configPath)
	if errRead != nil && !os.IsNotExist(errRead) {
		return FileConfig{}, fmt.Errorf("read config file: %w", errRead)
	}
	if errRead == nil {
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return FileConfig{}, fmt.Errorf("parse config file: %w", errUnmarshal)
		}
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *FileConfig) {
	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		cfg.DatabaseDSN = dsn
	}
	if secret := strings.TrimSpace(os.Getenv(EnvJWTSecret)); secret != "" {
		cfg.JWT.Secret = secret
	}
	if expiryRaw := strings.TrimSpace(os.Getenv(EnvJWTExpiry)); expiryRaw != "" {
		if expiry, errParse := time.ParseDuration(expiryRaw); errParse == nil && expiry > 0 {
			cfg.JWT.Expiry = expiry
		}
	}
	if secret := strings.TrimSpace(os.Getenv(EnvMaintenanceSecret)); secret != "" {
		cfg.Maintenance.Secret = secret
	}
	if secret := strings.TrimSpace(os.Getenv(EnvPaymentHookSecret)); secret != "" {
		cfg.PaymentHookSecret = secret
	}
	if addr := strings.TrimSpace(os.Getenv(EnvRedisAddr)); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := strings.TrimSpace(os.Getenv(EnvRedisPassword)); password != "" {
		cfg.Redis.Password = password
	}
	if level := strings.TrimSpace(os.Getenv(EnvLogLevel)); level != "" {
		cfg.LogLevel = level
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.JWT.Expiry <= 0 {
		cfg.JWT.Expiry = defaultJWTExpiry
	}
	if strings.TrimSpace(cfg.Engine.Timezone) == "" {
		cfg.Engine.Timezone = "UTC"
	}
	if cfg.Engine.CreditExpiryDays <= 0 {
		cfg.Engine.CreditExpiryDays = defaultCreditExpiryDays
	}
	if cfg.Engine.SkipCutoffHours <= 0 {
		cfg.Engine.SkipCutoffHours = defaultSkipCutoffHours
	}
	if cfg.Engine.PauseNoticeHours <= 0 {
		cfg.Engine.PauseNoticeHours = defaultPauseNoticeHours
	}
	if cfg.Engine.MaxPauseDays <= 0 {
		cfg.Engine.MaxPauseDays = defaultMaxPauseDays
	}
	if cfg.Engine.RenewalLeadDays <= 0 {
		cfg.Engine.RenewalLeadDays = defaultRenewalLeadDays
	}
	if cfg.Engine.DeliveryWindows == nil {
		cfg.Engine.DeliveryWindows = map[string]string{}
	}
	for slot, window := range defaultDeliveryWindows {
		if strings.TrimSpace(cfg.Engine.DeliveryWindows[slot]) == "" {
			cfg.Engine.DeliveryWindows[slot] = window
		}
	}
	if strings.TrimSpace(cfg.Maintenance.Schedule) == "" {
		cfg.Maintenance.Schedule = defaultMaintenanceSchedule
	}
	if cfg.Maintenance.LockTTL <= 0 {
		cfg.Maintenance.LockTTL = defaultMaintenanceLockTTL
	}
	if cfg.Refund.Timeout <= 0 {
		cfg.Refund.Timeout = defaultRefundTimeout
	}
	if cfg.Refund.BatchSize <= 0 {
		cfg.Refund.BatchSize = defaultRefundBatchSize
	}
	if cfg.Refund.MaxAttempts <= 0 {
		cfg.Refund.MaxAttempts = defaultRefundMaxAttempts
	}
	if strings.TrimSpace(cfg.Redis.Prefix) == "" {
		cfg.Redis.Prefix = defaultRedisPrefix
	}
}

// DSN returns the configured database DSN.
func (c FileConfig) DSN() (string, error) {
	if dsn := strings.TrimSpace(c.DatabaseDSN); dsn != "" {
		return dsn, nil
	}
	if dsn := strings.TrimSpace(c.Database.DSN); dsn != "" {
		return dsn, nil
	}
	return "", ErrMissingDatabaseDSN
}

// LoadDatabaseDSN reads the database DSN from env or the YAML config file.
func LoadDatabaseDSN(configPath string) (string, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return "", err
	}
	return cfg.DSN()
}

// Policy converts the engine section into the runtime policy used by the engine.
func (c EngineConfig) Policy() (policy.Policy, error) {
	loc, errLoc := time.LoadLocation(strings.TrimSpace(c.Timezone))
	if errLoc != nil {
		return policy.Policy{}, fmt.Errorf("config: engine timezone %q: %w", c.Timezone, errLoc)
	}
	windows := make(map[string]time.Duration, len(c.DeliveryWindows))
	for slot, raw := range c.DeliveryWindows {
		offset, errParse := parseClock(raw)
		if errParse != nil {
			return policy.Policy{}, fmt.Errorf("config: delivery window for %s: %w", slot, errParse)
		}
		windows[strings.ToLower(strings.TrimSpace(slot))] = offset
	}
	return policy.Policy{
		Location:         loc,
		CreditExpiryDays: c.CreditExpiryDays,
		SkipCutoff:       time.Duration(c.SkipCutoffHours) * time.Hour,
		PauseNotice:      time.Duration(c.PauseNoticeHours) * time.Hour,
		MaxPauseDays:     c.MaxPauseDays,
		RenewalLeadDays:  c.RenewalLeadDays,
		WindowStarts:     windows,
	}, nil
}

// parseClock parses an "HH:MM" wall-clock value into an offset from midnight.
func parseClock(raw string) (time.Duration, error) {
	hourRaw, minuteRaw, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock value %q", raw)
	}
	hour, errHour := strconv.Atoi(hourRaw)
	minute, errMinute := strconv.Atoi(minuteRaw)
	if errHour != nil || errMinute != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid clock value %q", raw)
	}
	return time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute, nil
}
