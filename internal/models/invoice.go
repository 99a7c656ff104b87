package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceStatus is the payment state of an invoice.
type InvoiceStatus string

// InvoiceStatus constants.
const (
	InvoiceStatusPending InvoiceStatus = "pending"
	InvoiceStatusPaid    InvoiceStatus = "paid"
	InvoiceStatusFailed  InvoiceStatus = "failed"
)

// Invoice bills exactly one cycle.
type Invoice struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	CycleID uint64 `gorm:"not null;uniqueIndex"` // Billed cycle.
	Cycle   Cycle  `gorm:"foreignKey:CycleID"`
	GroupID uint64 `gorm:"not null;index"` // Owning group.

	Status         InvoiceStatus   `gorm:"type:varchar(16);not null;index"`       // Payment state.
	Subtotal       decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"` // Amount before credits.
	CreditDiscount decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"` // Value of consumed credits.
	TotalAmount    decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"` // Amount owed.

	PaymentReference string     `gorm:"type:varchar(128);index"` // Gateway payment reference.
	PaidAt           *time.Time // Payment instant.

	Lines []InvoiceLine `gorm:"foreignKey:InvoiceID"` // Per-subscription lines.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// InvoiceLine prices one subscription within an invoice.
type InvoiceLine struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	InvoiceID      uint64          `gorm:"not null;index"`            // Owning invoice.
	SubscriptionID uint64          `gorm:"not null;index"`            // Priced subscription.
	Slot           Slot            `gorm:"type:varchar(16);not null"` // Meal slot.
	MealCount      int             `gorm:"not null;default:0"`        // Deliverable meals in the cycle.
	UnitPrice      decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"`
	CreditsApplied int             `gorm:"not null;default:0"`                    // Credits consumed against this line.
	CreditValue    decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"` // Value of the consumed credits.
	Amount         decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"`
}
