package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CreditReason explains why a credit was granted.
type CreditReason string

// CreditReason constants.
const (
	CreditReasonSkip            CreditReason = "skip"
	CreditReasonPauseMidCycle   CreditReason = "pause_mid_cycle"
	CreditReasonCancelRefund    CreditReason = "cancel_refund"
	CreditReasonVendorSkip      CreditReason = "vendor_skip"
	CreditReasonAdminAdjustment CreditReason = "admin_adjustment"
)

// Valid reports whether r is a known reason.
func (r CreditReason) Valid() bool {
	switch r {
	case CreditReasonSkip, CreditReasonPauseMidCycle, CreditReasonCancelRefund, CreditReasonVendorSkip, CreditReasonAdminAdjustment:
		return true
	default:
		return false
	}
}

// CreditStatus is the ledger state of a credit. Transitions only move forward.
type CreditStatus string

// CreditStatus constants.
const (
	CreditStatusAvailable CreditStatus = "available"
	CreditStatusUsed      CreditStatus = "used"
	CreditStatusExpired   CreditStatus = "expired"
	CreditStatusVoid      CreditStatus = "void"
)

// Credit is a slot-scoped meal entitlement owned by a subscription.
type Credit struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	SubscriptionID uint64          `gorm:"not null;index:idx_credits_sub_status"`       // Owning subscription.
	GroupID        uint64          `gorm:"not null;index"`                              // Owning group.
	Slot           Slot            `gorm:"type:varchar(16);not null"`                   // Meal slot.
	Reason         CreditReason    `gorm:"type:varchar(32);not null"`                   // Grant reason.
	SourceOrderID  *uint64         `gorm:"uniqueIndex"`                                 // Order whose loss produced the credit.
	UnitValue      decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0"`       // Value of one unit at grant time.
	Quantity       int             `gorm:"not null"`                                    // Granted units.
	ConsumedQty    int             `gorm:"column:consumed_quantity;not null;default:0"` // Units consumed.
	Status         CreditStatus    `gorm:"type:varchar(16);not null;index:idx_credits_sub_status"`
	Note           string          `gorm:"type:text"` // Free-form note for admin adjustments.

	ExpiresAt      time.Time  `gorm:"not null;index"` // Expiry instant.
	UsedAt         *time.Time // Final consumption instant.
	UsedInvoiceID  *uint64    // Invoice that consumed the last units.
	GlobalCreditID *uint64    // Global credit the remainder was converted into.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Remaining returns the unconsumed units.
func (c *Credit) Remaining() int {
	if c.ConsumedQty >= c.Quantity {
		return 0
	}
	return c.Quantity - c.ConsumedQty
}

// RemainingValue returns the monetary value of the unconsumed units.
func (c *Credit) RemainingValue() decimal.Decimal {
	return c.UnitValue.Mul(decimal.NewFromInt(int64(c.Remaining())))
}

// CanTransition reports whether the ledger allows moving from one status to another.
func CanTransition(from, to CreditStatus) bool {
	if from != CreditStatusAvailable {
		return false
	}
	switch to {
	case CreditStatusUsed, CreditStatusExpired, CreditStatusVoid:
		return true
	default:
		return false
	}
}

// GlobalCreditStatus is the state of a vendor-agnostic store credit.
type GlobalCreditStatus string

// GlobalCreditStatus constants.
const (
	GlobalCreditStatusAvailable     GlobalCreditStatus = "available"
	GlobalCreditStatusPendingRefund GlobalCreditStatus = "pending_refund"
	GlobalCreditStatusRefunded      GlobalCreditStatus = "refunded"
	GlobalCreditStatusUsed          GlobalCreditStatus = "used"
	GlobalCreditStatusVoid          GlobalCreditStatus = "void"
)

// GlobalCreditReason explains why a global credit exists.
type GlobalCreditReason string

// GlobalCreditReason constants.
const (
	GlobalCreditReasonCancelRefund GlobalCreditReason = "cancel_refund"
	GlobalCreditReasonPauseTimeout GlobalCreditReason = "pause_timeout"
)

// GlobalCredit is a consumer store credit usable with any vendor.
type GlobalCredit struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	ConsumerID    uint64             `gorm:"not null;index"`                        // Entitled consumer.
	SourceGroupID uint64             `gorm:"not null;uniqueIndex"`                  // Group whose closure produced it.
	Reason        GlobalCreditReason `gorm:"type:varchar(32);not null"`             // Why it exists.
	Amount        decimal.Decimal    `gorm:"type:decimal(12,2);not null;default:0"` // Entitled value.
	Status        GlobalCreditStatus `gorm:"type:varchar(32);not null;index"`       // Current state.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// RefundRequestStatus is the dispatch state of a refund request.
type RefundRequestStatus string

// RefundRequestStatus constants.
const (
	RefundRequestStatusPending   RefundRequestStatus = "pending"
	RefundRequestStatusSucceeded RefundRequestStatus = "succeeded"
	RefundRequestStatusFailed    RefundRequestStatus = "failed"
)

// RefundRequest is the outbox row asking the payment gateway to refund a global credit.
type RefundRequest struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	GlobalCreditID uint64              `gorm:"not null;uniqueIndex"`                  // Refunded global credit.
	ConsumerID     uint64              `gorm:"not null;index"`                        // Refunded consumer.
	Amount         decimal.Decimal     `gorm:"type:decimal(12,2);not null;default:0"` // Refund amount.
	Destination    string              `gorm:"type:varchar(255)"`                     // Original payment instrument reference.
	Reference      string              `gorm:"type:varchar(64);not null;uniqueIndex"` // Idempotency key sent to the gateway.
	Status         RefundRequestStatus `gorm:"type:varchar(16);not null;index"`       // Dispatch state.
	Attempts       int                 `gorm:"not null;default:0"`                    // Dispatch attempts.
	LastError      string              `gorm:"type:text"`                             // Last dispatch failure.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
