package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// PricingMode selects how a trial is priced.
type PricingMode string

// PricingMode constants.
const (
	PricingPerMeal PricingMode = "per_meal"
	PricingFixed   PricingMode = "fixed"
)

// TrialType is a platform-defined trial offer.
type TrialType struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name         string                    `gorm:"type:varchar(255);not null"`           // Display name.
	DurationDays int                       `gorm:"not null"`                             // Trial length in days.
	MaxMeals     int                       `gorm:"not null"`                             // Meal cap.
	AllowedSlots datatypes.JSONSlice[Slot] `gorm:"not null"`                             // Bookable slots.
	PricingMode  PricingMode               `gorm:"type:varchar(16);not null"`            // Pricing strategy.
	DiscountPct  decimal.Decimal           `gorm:"type:decimal(5,2);not null;default:0"` // Per-meal discount percent.
	FixedPrice   decimal.Decimal           `gorm:"type:decimal(12,2);not null;default:0"`
	CooldownDays int                       `gorm:"not null;default:0"` // Days before the same trial can be repeated.
	IsEnabled    bool                      `gorm:"not null;default:true"`

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// AllowsSlot reports whether the trial type may book the slot.
func (t *TrialType) AllowsSlot(slot Slot) bool {
	for _, allowed := range t.AllowedSlots {
		if allowed == slot {
			return true
		}
	}
	return false
}

// VendorTrialType records a vendor opting into a trial type.
type VendorTrialType struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	VendorID    uint64 `gorm:"not null;uniqueIndex:idx_vendor_trial_types_key"` // Opting vendor.
	TrialTypeID uint64 `gorm:"not null;uniqueIndex:idx_vendor_trial_types_key"` // Offered trial type.
	IsEnabled   bool   `gorm:"not null;default:true"`                           // Whether the opt-in is active.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// TrialStatus is the lifecycle state of a trial.
type TrialStatus string

// TrialStatus constants.
const (
	TrialStatusScheduled TrialStatus = "scheduled"
	TrialStatusActive    TrialStatus = "active"
	TrialStatusCompleted TrialStatus = "completed"
	TrialStatusCancelled TrialStatus = "cancelled"
)

// Trial is a short, bounded subscription sample.
type Trial struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	ConsumerID        uint64      `gorm:"not null;index:idx_trials_cooldown"` // Booking consumer.
	VendorID          uint64      `gorm:"not null;index:idx_trials_cooldown"` // Sampled vendor.
	TrialTypeID       uint64      `gorm:"not null;index:idx_trials_cooldown"` // Trial offer.
	DeliveryAddressID uint64      `gorm:"not null"`                           // Delivery address reference.
	StartDate         time.Time   `gorm:"type:date;not null"`                 // First trial date.
	EndDate           time.Time   `gorm:"type:date;not null;index"`           // Last trial date.
	Status            TrialStatus `gorm:"type:varchar(16);not null;index"`    // Lifecycle state.

	TotalPrice decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"` // Price charged for the trial.

	Meals []TrialMeal `gorm:"foreignKey:TrialID"` // Booked meals.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// TrialMealStatus is the delivery state of a trial meal.
type TrialMealStatus string

// TrialMealStatus constants.
const (
	TrialMealStatusScheduled TrialMealStatus = "scheduled"
	TrialMealStatusDelivered TrialMealStatus = "delivered"
	TrialMealStatusCancelled TrialMealStatus = "cancelled"
)

// TrialMeal is one booked delivery within a trial.
type TrialMeal struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	TrialID     uint64          `gorm:"not null;index"`                                       // Owning trial.
	VendorID    uint64          `gorm:"not null;index:idx_trial_meals_vendor_date"`           // Serving vendor.
	ServiceDate time.Time       `gorm:"type:date;not null;index:idx_trial_meals_vendor_date"` // Delivery date.
	Slot        Slot            `gorm:"type:varchar(16);not null"`                            // Meal slot.
	Price       decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"`                // Charged meal price.
	Status      TrialMealStatus `gorm:"type:varchar(16);not null"`                            // Delivery state.
}
