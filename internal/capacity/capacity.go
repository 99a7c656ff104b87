// Package capacity answers whether a vendor can take more meals for a slot on a date.
package capacity

import (
	"context"
	"time"

	"github.com/mealdrop/mealdrop/internal/clock"
	"github.com/mealdrop/mealdrop/internal/models"
	"github.com/mealdrop/mealdrop/internal/store"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

// Result is the capacity state of one vendor/slot/date.
type Result struct {
	Date      time.Time   `json:"date"`
	Slot      models.Slot `json:"slot"`
	Available bool        `json:"available"`
	Unlimited bool        `json:"unlimited"`
	Current   int         `json:"current"`
	Max       int         `json:"max"`
	Remaining int         `json:"remaining"`
}

// Key identifies a slot on a date within a batch.
type Key struct {
	Date string
	Slot models.Slot
}

// KeyOf builds the batch key for a date and slot.
func KeyOf(date time.Time, slot models.Slot) Key {
	return Key{Date: clock.DateKey(date), Slot: slot}
}

// Checker counts occupied capacity. It is advisory: the order generator
// does not consult it.
type Checker struct {
	db *gorm.DB
}

// NewChecker constructs a Checker.
func NewChecker(db *gorm.DB) *Checker {
	return &Checker{db: db}
}

// Check returns the capacity for a single vendor/slot/date.
func (c *Checker) Check(ctx context.Context, vendorID uint64, slot models.Slot, date time.Time) (Result, error) {
	return c.CheckTx(c.db.WithContext(ctx), vendorID, slot, date)
}

// CheckTx is Check bound to an existing session or transaction.
func (c *Checker) CheckTx(tx *gorm.DB, vendorID uint64, slot models.Slot, date time.Time) (Result, error) {
	results, errBatch := c.batch(tx, vendorID, []models.Slot{slot}, []time.Time{date})
	if errBatch != nil {
		return Result{}, errBatch
	}
	return results[KeyOf(date, slot)], nil
}

// CheckMany returns capacity for every (date, slot) pair using a fixed number
// of queries regardless of how many dates are requested.
func (c *Checker) CheckMany(ctx context.Context, vendorID uint64, slots []models.Slot, dates []time.Time) (map[Key]Result, error) {
	return c.batch(c.db.WithContext(ctx), vendorID, slots, dates)
}

func (c *Checker) batch(tx *gorm.DB, vendorID uint64, slots []models.Slot, dates []time.Time) (map[Key]Result, error) {
	out := make(map[Key]Result, len(slots)*len(dates))
	slots = lo.Uniq(slots)
	if len(slots) == 0 || len(dates) == 0 {
		return out, nil
	}

	var limits []models.VendorSlot
	if errFind := tx.
		Where("vendor_id = ? AND slot IN ?", vendorID, slots).
		Find(&limits).Error; errFind != nil {
		return nil, store.Classify(errFind, "vendor slot")
	}
	maxBySlot := lo.SliceToMap(limits, func(vs models.VendorSlot) (models.Slot, int) {
		return vs.Slot, vs.MaxMealsPerDay
	})

	type countRow struct {
		ServiceDate time.Time
		Slot        models.Slot
		Total       int
	}
	var orderCounts []countRow
	if errCount := tx.Model(&models.Order{}).
		Select("service_date, slot, COUNT(*) AS total").
		Where("vendor_id = ? AND slot IN ? AND service_date IN ? AND status IN ?", vendorID, slots, dates, models.CapacityStatuses).
		Group("service_date, slot").
		Scan(&orderCounts).Error; errCount != nil {
		return nil, store.Classify(errCount, "order")
	}
	var trialCounts []countRow
	if errCount := tx.Model(&models.TrialMeal{}).
		Select("service_date, slot, COUNT(*) AS total").
		Where("vendor_id = ? AND slot IN ? AND service_date IN ? AND status = ?", vendorID, slots, dates, models.TrialMealStatusScheduled).
		Group("service_date, slot").
		Scan(&trialCounts).Error; errCount != nil {
		return nil, store.Classify(errCount, "trial meal")
	}

	current := make(map[Key]int, len(orderCounts)+len(trialCounts))
	for _, row := range orderCounts {
		current[KeyOf(row.ServiceDate, row.Slot)] += row.Total
	}
	for _, row := range trialCounts {
		current[KeyOf(row.ServiceDate, row.Slot)] += row.Total
	}

	for _, date := range dates {
		for _, slot := range slots {
			key := KeyOf(date, slot)
			limit := maxBySlot[slot]
			res := Result{
				Date:    date,
				Slot:    slot,
				Current: current[key],
				Max:     limit,
			}
			if limit <= 0 {
				res.Unlimited = true
				res.Available = true
			} else {
				res.Remaining = limit - res.Current
				if res.Remaining < 0 {
					res.Remaining = 0
				}
				res.Available = res.Remaining > 0
			}
			out[key] = res
		}
	}
	return out, nil
}
