// Package generator materializes scheduled delivery orders for paid cycles.
package generator

import (
	"context"
	"fmt"
	"time"

	"github.com/mealdrop/mealdrop/internal/clock"
	"github.com/mealdrop/mealdrop/internal/cycle"
	"github.com/mealdrop/mealdrop/internal/db"
	"github.com/mealdrop/mealdrop/internal/models"
	"github.com/mealdrop/mealdrop/internal/store"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Result summarizes one generation pass.
type Result struct {
	Created  int `json:"created"`
	Existing int `json:"existing"`
	Holidays int `json:"holidays"`
	Failed   int `json:"failed"`
}

// Add accumulates other into r.
func (r *Result) Add(other Result) {
	r.Created += other.Created
	r.Existing += other.Existing
	r.Holidays += other.Holidays
	r.Failed += other.Failed
}

// Generator creates one scheduled order per (subscription, date, slot).
// Inserts are insert-if-absent, so concurrent or repeated runs converge.
type Generator struct {
	db *gorm.DB
}

// New constructs a Generator.
func New(db *gorm.DB) *Generator {
	return &Generator{db: db}
}

// GenerateForCycle loads the cycle and its group and generates orders.
func (g *Generator) GenerateForCycle(ctx context.Context, cycleID uint64) (Result, error) {
	conn := g.db.WithContext(ctx)
	var c models.Cycle
	if errFind := conn.First(&c, cycleID).Error; errFind != nil {
		return Result{}, store.Classify(errFind, "cycle")
	}
	var group models.SubscriptionGroup
	if errFind := conn.Preload("Subscriptions").First(&group, c.GroupID).Error; errFind != nil {
		return Result{}, store.Classify(errFind, "subscription group")
	}
	return g.Generate(ctx, &group, &c)
}

// Generate walks [max(cycle_start, group.start_date), cycle_end] day by day.
// A failed insert is logged and counted; generation continues with the
// remaining dates and the next backfill run fills the gap.
func (g *Generator) Generate(ctx context.Context, group *models.SubscriptionGroup, c *models.Cycle) (Result, error) {
	var res Result
	if group == nil || c == nil {
		return res, fmt.Errorf("generator: nil group or cycle")
	}
	conn := g.db.WithContext(ctx)

	subs := make([]models.Subscription, 0, len(group.Subscriptions))
	for _, sub := range group.Subscriptions {
		if sub.Status == models.GroupStatusActive {
			subs = append(subs, sub)
		}
	}
	if len(subs) == 0 {
		return res, nil
	}

	from := cycle.ServiceStart(cycle.Bounds{Start: c.CycleStart, End: c.CycleEnd}, group.StartDate)
	to := c.CycleEnd
	if from.After(to) {
		return res, nil
	}

	holidays, errHolidays := LoadHolidays(conn, group.VendorID, from, to)
	if errHolidays != nil {
		return res, errHolidays
	}

	subIDs := make([]uint64, 0, len(subs))
	for _, sub := range subs {
		subIDs = append(subIDs, sub.ID)
	}
	type existingRow struct {
		SubscriptionID uint64
		ServiceDate    time.Time
		Slot           models.Slot
	}
	var rows []existingRow
	if errFind := conn.Model(&models.Order{}).
		Select("subscription_id, service_date, slot").
		Where("subscription_id IN ? AND service_date >= ? AND service_date <= ?", subIDs, from, to).
		Scan(&rows).Error; errFind != nil {
		return res, store.Classify(errFind, "order")
	}
	existing := make(map[orderKey]struct{}, len(rows))
	for _, row := range rows {
		existing[keyFor(row.SubscriptionID, row.ServiceDate, row.Slot)] = struct{}{}
	}

	for day := from; !day.After(to); day = clock.AddDays(day, 1) {
		for _, sub := range subs {
			if !sub.Weekdays.Has(day.Weekday()) {
				continue
			}
			if holidays.Covers(day, sub.Slot) {
				res.Holidays++
				continue
			}
			key := keyFor(sub.ID, day, sub.Slot)
			if _, ok := existing[key]; ok {
				res.Existing++
				continue
			}
			order := models.Order{
				SubscriptionID: sub.ID,
				GroupID:        group.ID,
				VendorID:       group.VendorID,
				CycleID:        c.ID,
				ServiceDate:    day,
				Slot:           sub.Slot,
				Status:         models.OrderStatusScheduled,
			}
			if errCreate := conn.Create(&order).Error; errCreate != nil {
				if db.IsUniqueViolation(errCreate) {
					res.Existing++
					existing[key] = struct{}{}
					continue
				}
				res.Failed++
				log.WithError(errCreate).WithFields(log.Fields{
					"group_id":        group.ID,
					"cycle_id":        c.ID,
					"subscription_id": sub.ID,
					"service_date":    day.Format(time.DateOnly),
					"slot":            sub.Slot,
				}).Error("generator: create order failed")
				continue
			}
			existing[key] = struct{}{}
			res.Created++
		}
	}

	if res.Failed > 0 || res.Created > 0 {
		log.WithFields(log.Fields{
			"group_id": group.ID,
			"cycle_id": c.ID,
			"created":  res.Created,
			"existing": res.Existing,
			"holidays": res.Holidays,
			"failed":   res.Failed,
		}).Info("generator: cycle processed")
	}
	return res, nil
}

// Backfill regenerates orders for every paid cycle of an active group that has
// not ended before today. It returns the aggregate result and the number of
// cycles that could not be processed at all.
func (g *Generator) Backfill(ctx context.Context, today time.Time) (Result, int, error) {
	var total Result
	conn := g.db.WithContext(ctx)

	var cycles []models.Cycle
	if errFind := conn.
		Joins("JOIN invoices ON invoices.cycle_id = cycles.id").
		Joins("JOIN subscription_groups ON subscription_groups.id = cycles.group_id").
		Where("invoices.status = ? AND subscription_groups.status = ? AND cycles.cycle_end >= ?",
			models.InvoiceStatusPaid, models.GroupStatusActive, today).
		Order("cycles.id ASC").
		Find(&cycles).Error; errFind != nil {
		return total, 0, store.Classify(errFind, "cycle")
	}

	failedCycles := 0
	for i := range cycles {
		if errCtx := ctx.Err(); errCtx != nil {
			return total, failedCycles, errCtx
		}
		res, errGen := g.GenerateForCycle(ctx, cycles[i].ID)
		if errGen != nil {
			failedCycles++
			log.WithError(errGen).WithField("cycle_id", cycles[i].ID).Warn("generator: backfill cycle failed")
			continue
		}
		total.Add(res)
	}
	return total, failedCycles, nil
}

type orderKey struct {
	subscriptionID uint64
	date           string
	slot           models.Slot
}

func keyFor(subscriptionID uint64, date time.Time, slot models.Slot) orderKey {
	return orderKey{subscriptionID: subscriptionID, date: clock.DateKey(date), slot: slot}
}

// HolidaySet indexes vendor holidays by date.
type HolidaySet map[string][]models.Slot

// Covers reports whether a holiday suppresses the slot on date.
func (h HolidaySet) Covers(date time.Time, slot models.Slot) bool {
	for _, s := range h[clock.DateKey(date)] {
		if s == "" || s == slot {
			return true
		}
	}
	return false
}

// LoadHolidays returns the vendor's holidays in [from, to].
func LoadHolidays(tx *gorm.DB, vendorID uint64, from, to time.Time) (HolidaySet, error) {
	var holidays []models.VendorHoliday
	if errFind := tx.
		Where("vendor_id = ? AND holiday_date >= ? AND holiday_date <= ?", vendorID, from, to).
		Find(&holidays).Error; errFind != nil {
		return nil, store.Classify(errFind, "vendor holiday")
	}
	set := make(HolidaySet, len(holidays))
	for _, h := range holidays {
		key := clock.DateKey(h.Date)
		set[key] = append(set[key], h.Slot)
	}
	return set, nil
}
