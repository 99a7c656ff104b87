package models

import "time"

// OrderStatus is the delivery state of an order.
type OrderStatus string

// OrderStatus constants. The engine produces scheduled orders and the skip and
// cancel terminal states; preparing through delivered belong to the rider workflow.
const (
	OrderStatusScheduled         OrderStatus = "scheduled"
	OrderStatusPreparing         OrderStatus = "preparing"
	OrderStatusReady             OrderStatus = "ready"
	OrderStatusPicked            OrderStatus = "picked"
	OrderStatusDelivered         OrderStatus = "delivered"
	OrderStatusSkippedByCustomer OrderStatus = "skipped_by_customer"
	OrderStatusSkippedByVendor   OrderStatus = "skipped_by_vendor"
	OrderStatusCancelled         OrderStatus = "cancelled"
	OrderStatusFailedOps         OrderStatus = "failed_ops"
)

// CapacityStatuses are the order states that occupy vendor capacity.
var CapacityStatuses = []OrderStatus{
	OrderStatusScheduled,
	OrderStatusPreparing,
	OrderStatusReady,
	OrderStatusPicked,
	OrderStatusDelivered,
}

// Order is one delivery instance of a subscription.
type Order struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	SubscriptionID uint64      `gorm:"not null;uniqueIndex:idx_orders_sub_date_slot"`                                        // Owning subscription.
	GroupID        uint64      `gorm:"not null;index"`                                                                       // Owning group.
	VendorID       uint64      `gorm:"not null;index:idx_orders_vendor_date"`                                                // Serving vendor.
	CycleID        uint64      `gorm:"not null;index"`                                                                       // Cycle the order was generated for.
	ServiceDate    time.Time   `gorm:"type:date;not null;uniqueIndex:idx_orders_sub_date_slot;index:idx_orders_vendor_date"` // Delivery date.
	Slot           Slot        `gorm:"type:varchar(16);not null;uniqueIndex:idx_orders_sub_date_slot"`                       // Meal slot.
	Status         OrderStatus `gorm:"type:varchar(32);not null;index"`                                                      // Delivery state.

	StatusChangedAt *time.Time // Last status transition.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
