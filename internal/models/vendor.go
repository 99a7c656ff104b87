package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// VendorHoliday is a vendor-declared date without deliveries. An empty Slot
// covers the whole day.
type VendorHoliday struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	VendorID uint64    `gorm:"not null;uniqueIndex:idx_vendor_holidays_key"`                               // Declaring vendor.
	Date     time.Time `gorm:"column:holiday_date;type:date;not null;uniqueIndex:idx_vendor_holidays_key"` // Holiday date.
	Slot     Slot      `gorm:"type:varchar(16);not null;default:'';uniqueIndex:idx_vendor_holidays_key"`   // Affected slot, empty for the whole day.
	Reason   string    `gorm:"type:text"`                                                                  // Vendor-supplied reason.

	AppliedAt *time.Time // Last successful order adjustment.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// WholeDay reports whether the holiday covers every slot.
func (h *VendorHoliday) WholeDay() bool {
	return h.Slot == ""
}

// Covers reports whether the holiday suppresses the slot.
func (h *VendorHoliday) Covers(slot Slot) bool {
	return h.WholeDay() || h.Slot == slot
}

// VendorSlot holds a vendor's per-slot capacity and trial base price.
type VendorSlot struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	VendorID       uint64          `gorm:"not null;uniqueIndex:idx_vendor_slots_key"`                  // Owning vendor.
	Slot           Slot            `gorm:"type:varchar(16);not null;uniqueIndex:idx_vendor_slots_key"` // Meal slot.
	MaxMealsPerDay int             `gorm:"not null;default:0"`                                         // 0 means unlimited.
	BasePrice      decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"`                      // Per-meal base price.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
