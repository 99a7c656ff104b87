// Package dbtest opens migrated SQLite databases and seeds engine fixtures for tests.
package dbtest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/mealdrop/mealdrop/internal/db"
	"github.com/mealdrop/mealdrop/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Open returns a freshly migrated SQLite database in a temp dir.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	conn, err := db.Open("file:" + filepath.Join(t.TempDir(), "mealdrop.db"))
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("db.Migrate: %v", errMigrate)
	}
	t.Cleanup(func() {
		if sqlDB, errDB := conn.DB(); errDB == nil {
			_ = sqlDB.Close()
		}
	})
	return conn
}

// PlanSpec describes a plan fixture.
type PlanSpec struct {
	VendorID   uint64
	Period     models.PeriodType
	SkipLimits map[models.Slot]int
	Prices     map[models.Slot]string
}

// CreatePlan inserts a plan offering every slot in spec.Prices.
func CreatePlan(t testing.TB, conn *gorm.DB, spec PlanSpec) *models.Plan {
	t.Helper()
	if spec.VendorID == 0 {
		spec.VendorID = 1
	}
	if spec.Period == "" {
		spec.Period = models.PeriodWeekly
	}
	if spec.Prices == nil {
		spec.Prices = map[models.Slot]string{models.SlotLunch: "100"}
	}
	prices := make(map[models.Slot]decimal.Decimal, len(spec.Prices))
	slots := make([]models.Slot, 0, len(spec.Prices))
	for _, slot := range models.AllSlots {
		raw, ok := spec.Prices[slot]
		if !ok {
			continue
		}
		prices[slot] = decimal.RequireFromString(raw)
		slots = append(slots, slot)
	}
	plan := &models.Plan{
		VendorID:     spec.VendorID,
		Name:         "Fixture plan",
		PeriodType:   spec.Period,
		AllowedSlots: datatypes.NewJSONSlice(slots),
		SkipLimits:   datatypes.NewJSONType(spec.SkipLimits),
		SlotPrices:   datatypes.NewJSONType(prices),
		IsEnabled:    true,
	}
	if errCreate := conn.Create(plan).Error; errCreate != nil {
		t.Fatalf("create plan: %v", errCreate)
	}
	return plan
}

// GroupSpec describes a subscription group fixture.
type GroupSpec struct {
	ConsumerID uint64
	StartDate  time.Time
	Renewal    time.Time
	Status     models.GroupStatus
	Slots      map[models.Slot]models.Weekdays
}

// CreateGroup inserts a group with one subscription per slot.
func CreateGroup(t testing.TB, conn *gorm.DB, plan *models.Plan, spec GroupSpec) *models.SubscriptionGroup {
	t.Helper()
	if spec.ConsumerID == 0 {
		spec.ConsumerID = 100
	}
	if spec.Status == "" {
		spec.Status = models.GroupStatusActive
	}
	if spec.Renewal.IsZero() {
		spec.Renewal = spec.StartDate.AddDate(0, 0, 7)
	}
	group := &models.SubscriptionGroup{
		ConsumerID:        spec.ConsumerID,
		VendorID:          plan.VendorID,
		PlanID:            plan.ID,
		DeliveryAddressID: 1,
		Status:            spec.Status,
		StartDate:         spec.StartDate,
		RenewalDate:       spec.Renewal,
	}
	if errCreate := conn.Omit("Plan", "Subscriptions").Create(group).Error; errCreate != nil {
		t.Fatalf("create group: %v", errCreate)
	}
	for _, slot := range models.AllSlots {
		days, ok := spec.Slots[slot]
		if !ok {
			continue
		}
		sub := models.Subscription{
			GroupID:  group.ID,
			Slot:     slot,
			Weekdays: days,
			Status:   spec.Status,
		}
		if errCreate := conn.Create(&sub).Error; errCreate != nil {
			t.Fatalf("create subscription: %v", errCreate)
		}
		group.Subscriptions = append(group.Subscriptions, sub)
	}
	group.Plan = *plan
	return group
}

// CreateCycle inserts a cycle for the group.
func CreateCycle(t testing.TB, conn *gorm.DB, group *models.SubscriptionGroup, start, end, renewal time.Time) *models.Cycle {
	t.Helper()
	c := &models.Cycle{
		GroupID:      group.ID,
		CycleStart:   start,
		CycleEnd:     end,
		RenewalDate:  renewal,
		IsFirstCycle: group.StartDate.After(start),
		SkipCounts:   datatypes.NewJSONType(map[models.Slot]int{}),
	}
	if errCreate := conn.Create(c).Error; errCreate != nil {
		t.Fatalf("create cycle: %v", errCreate)
	}
	return c
}

// CreatePaidInvoice inserts a paid invoice for the cycle pricing each
// subscription at the plan's slot price.
func CreatePaidInvoice(t testing.TB, conn *gorm.DB, group *models.SubscriptionGroup, c *models.Cycle) *models.Invoice {
	t.Helper()
	now := time.Now().UTC()
	inv := &models.Invoice{
		CycleID: c.ID,
		GroupID: group.ID,
		Status:  models.InvoiceStatusPaid,
		PaidAt:  &now,
	}
	if errCreate := conn.Omit("Cycle", "Lines").Create(inv).Error; errCreate != nil {
		t.Fatalf("create invoice: %v", errCreate)
	}
	for _, sub := range group.Subscriptions {
		line := models.InvoiceLine{
			InvoiceID:      inv.ID,
			SubscriptionID: sub.ID,
			Slot:           sub.Slot,
			UnitPrice:      group.Plan.UnitPrice(sub.Slot),
		}
		if errCreate := conn.Create(&line).Error; errCreate != nil {
			t.Fatalf("create invoice line: %v", errCreate)
		}
		inv.Lines = append(inv.Lines, line)
	}
	return inv
}

// CreateOrder inserts a scheduled order.
func CreateOrder(t testing.TB, conn *gorm.DB, group *models.SubscriptionGroup, sub models.Subscription, cycleID uint64, date time.Time) *models.Order {
	t.Helper()
	o := &models.Order{
		SubscriptionID: sub.ID,
		GroupID:        group.ID,
		VendorID:       group.VendorID,
		CycleID:        cycleID,
		ServiceDate:    date,
		Slot:           sub.Slot,
		Status:         models.OrderStatusScheduled,
	}
	if errCreate := conn.Create(o).Error; errCreate != nil {
		t.Fatalf("create order: %v", errCreate)
	}
	return o
}
