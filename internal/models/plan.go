package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// PeriodType is the billing period unit of a plan.
type PeriodType string

// PeriodType constants define billing periods.
const (
	// PeriodWeekly bills Monday through Sunday.
	PeriodWeekly PeriodType = "weekly"
	// PeriodMonthly bills calendar months.
	PeriodMonthly PeriodType = "monthly"
)

// Slot is a meal slot within a delivery day.
type Slot string

// Slot constants.
const (
	SlotBreakfast Slot = "breakfast"
	SlotLunch     Slot = "lunch"
	SlotDinner    Slot = "dinner"
)

// AllSlots lists slots in delivery order.
var AllSlots = []Slot{SlotBreakfast, SlotLunch, SlotDinner}

// Valid reports whether s is a known slot.
func (s Slot) Valid() bool {
	switch s {
	case SlotBreakfast, SlotLunch, SlotDinner:
		return true
	default:
		return false
	}
}

// Plan represents a subscription plan configuration.
type Plan struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	VendorID    uint64     `gorm:"not null;index"`             // Owning vendor.
	Name        string     `gorm:"type:varchar(255);not null"` // Plan name.
	Description string     `gorm:"type:text"`                  // Plan description.
	PeriodType  PeriodType `gorm:"type:varchar(16);not null"`  // Billing period type.

	AllowedSlots datatypes.JSONSlice[Slot]                    `gorm:"not null"` // Slots a subscriber may pick.
	SkipLimits   datatypes.JSONType[map[Slot]int]             `gorm:"not null"` // Credited skips per slot per cycle.
	SlotPrices   datatypes.JSONType[map[Slot]decimal.Decimal] `gorm:"not null"` // Per-meal unit price per slot.

	IsEnabled bool `gorm:"not null;default:true"` // Whether the plan can be subscribed to.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// AllowsSlot reports whether the plan offers the slot.
func (p *Plan) AllowsSlot(slot Slot) bool {
	for _, allowed := range p.AllowedSlots {
		if allowed == slot {
			return true
		}
	}
	return false
}

// SkipLimit returns the credited skip limit for the slot.
func (p *Plan) SkipLimit(slot Slot) int {
	limits := p.SkipLimits.Data()
	if limits == nil {
		return 0
	}
	return limits[slot]
}

// UnitPrice returns the per-meal price for the slot.
func (p *Plan) UnitPrice(slot Slot) decimal.Decimal {
	prices := p.SlotPrices.Data()
	if prices == nil {
		return decimal.Zero
	}
	return prices[slot]
}
