package models

import (
	"time"

	"gorm.io/datatypes"
)

// Setting stores a runtime-tunable JSON value.
type Setting struct {
	Key       string         `gorm:"primaryKey;type:varchar(128)"` // Setting key.
	Value     datatypes.JSON `gorm:"type:jsonb"`                   // Raw JSON value.
	UpdatedAt time.Time      `gorm:"not null;autoUpdateTime"`      // Last update timestamp.
}

// MaintenanceRun records one execution of the daily maintenance batch.
type MaintenanceRun struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	RunID      string         `gorm:"type:varchar(64);not null;uniqueIndex"` // Run identifier.
	Trigger    string         `gorm:"type:varchar(32);not null"`             // http, cron or cli.
	Success    bool           `gorm:"not null"`                              // Whether every task succeeded.
	Summary    datatypes.JSON `gorm:"type:jsonb"`                            // Per-task summary.
	StartedAt  time.Time      `gorm:"not null;index"`                        // Run start.
	FinishedAt time.Time      `gorm:"not null"`                              // Run end.
}
