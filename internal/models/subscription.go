package models

import (
	"time"

	"gorm.io/datatypes"
)

// GroupStatus is the lifecycle state of a subscription group.
type GroupStatus string

// GroupStatus constants.
const (
	GroupStatusActive    GroupStatus = "active"
	GroupStatusPaused    GroupStatus = "paused"
	GroupStatusCancelled GroupStatus = "cancelled"
)

// SubscriptionGroup is one consumer+vendor+plan engagement.
type SubscriptionGroup struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	ConsumerID        uint64 `gorm:"not null;index"` // Subscribing consumer.
	VendorID          uint64 `gorm:"not null;index"` // Serving vendor.
	PlanID            uint64 `gorm:"not null;index"` // Related plan ID.
	Plan              Plan   `gorm:"foreignKey:PlanID"`
	DeliveryAddressID uint64 `gorm:"not null"` // Delivery address reference.

	Status      GroupStatus `gorm:"type:varchar(16);not null;index"` // Lifecycle state.
	StartDate   time.Time   `gorm:"type:date;not null"`              // First service date.
	RenewalDate time.Time   `gorm:"type:date;not null;index"`        // Next renewal boundary.

	PausedSince      *time.Time `gorm:"type:date"` // First paused service date.
	PauseRequestedAt *time.Time // Instant the pause was committed.
	ResumeAt         *time.Time `gorm:"type:date"` // Optional date the pause ends.
	CancelledAt      *time.Time // Instant of cancellation.
	CancelReason     string     `gorm:"type:varchar(64)"` // Why the group was cancelled.

	Subscriptions []Subscription `gorm:"foreignKey:GroupID"` // Slot-level subscriptions.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Subscription is the slot-level recurrence inside a group.
type Subscription struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	GroupID  uint64      `gorm:"not null;index"`            // Owning group.
	Slot     Slot        `gorm:"type:varchar(16);not null"` // Meal slot.
	Weekdays Weekdays    `gorm:"not null"`                  // Delivery weekday bitset.
	Status   GroupStatus `gorm:"type:varchar(16);not null"` // Mirrors the group status.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Weekdays is a bitset over time.Weekday (bit 0 = Sunday).
type Weekdays int

// WeekdaysOf builds a bitset from weekdays.
func WeekdaysOf(days ...time.Weekday) Weekdays {
	var w Weekdays
	for _, d := range days {
		w |= 1 << uint(d)
	}
	return w
}

// Has reports whether the weekday is selected.
func (w Weekdays) Has(d time.Weekday) bool {
	return w&(1<<uint(d)) != 0
}

// Valid reports whether the bitset only uses bits 0-6 and selects at least one day.
func (w Weekdays) Valid() bool {
	return w > 0 && w < 1<<7
}

// Cycle is one billing period instance of a group.
type Cycle struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	GroupID      uint64    `gorm:"not null;uniqueIndex:idx_cycles_group_start"`           // Owning group.
	CycleStart   time.Time `gorm:"type:date;not null;uniqueIndex:idx_cycles_group_start"` // Calendar period start.
	CycleEnd     time.Time `gorm:"type:date;not null"`                                    // Calendar period end (inclusive).
	RenewalDate  time.Time `gorm:"type:date;not null"`                                    // Next period start.
	IsFirstCycle bool      `gorm:"not null;default:false"`                                // Truncated by a mid-period start.

	SkipCounts datatypes.JSONType[map[Slot]int] `gorm:"not null"` // Customer skips per slot in this cycle.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// SkipCount returns the recorded customer skips for the slot.
func (c *Cycle) SkipCount(slot Slot) int {
	counts := c.SkipCounts.Data()
	if counts == nil {
		return 0
	}
	return counts[slot]
}

// Contains reports whether the civil date falls inside the cycle.
func (c *Cycle) Contains(date time.Time) bool {
	return !date.Before(c.CycleStart) && !date.After(c.CycleEnd)
}
