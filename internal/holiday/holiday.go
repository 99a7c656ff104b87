// Package holiday records vendor holidays and adjusts the orders they affect.
package holiday

import (
	"context"
	"time"

	"github.com/mealdrop/mealdrop/internal/apperr"
	"github.com/mealdrop/mealdrop/internal/clock"
	"github.com/mealdrop/mealdrop/internal/db"
	"github.com/mealdrop/mealdrop/internal/ledger"
	"github.com/mealdrop/mealdrop/internal/models"
	"github.com/mealdrop/mealdrop/internal/policy"
	"github.com/mealdrop/mealdrop/internal/store"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Request declares a holiday. An empty Slot covers the whole day.
type Request struct {
	VendorID uint64
	Date     time.Time
	Slot     models.Slot
	Reason   string
}

// Result summarizes a holiday application.
type Result struct {
	HolidayID           uint64      `json:"holiday_id"`
	Date                string      `json:"date"`
	Slot                models.Slot `json:"slot,omitempty"`
	Created             bool        `json:"created"`
	OrdersAffected      int         `json:"orders_affected"`
	CreditIDs           []uint64    `json:"credit_ids"`
	TrialMealsCancelled int         `json:"trial_meals_cancelled"`
}

// Service applies vendor holidays.
type Service struct {
	tx     *store.Transactor
	ledger *ledger.Ledger
	clock  clock.Clock
	policy policy.Policy
}

// NewService constructs a Service.
func NewService(tx *store.Transactor, l *ledger.Ledger, clk clock.Clock, pol policy.Policy) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{tx: tx, ledger: l, clock: clk, policy: pol}
}

// Apply records the holiday, then in a separate transaction marks the
// vendor's scheduled orders on that date and slot skipped_by_vendor with one
// vendor_skip credit each. The holiday row survives a failed adjustment so
// generation stays suppressed; Reapply finishes the job.
func (s *Service) Apply(ctx context.Context, req Request) (Result, error) {
	if req.VendorID == 0 || req.Date.IsZero() {
		return Result{}, apperr.Invalid("vendor and date are required")
	}
	if req.Slot != "" && !req.Slot.Valid() {
		return Result{}, apperr.Invalid("unknown slot").With("slot", req.Slot)
	}
	date := clock.Civil(req.Date)
	today := clock.Today(s.clock, s.policy.Loc())
	if date.Before(today) {
		return Result{}, apperr.Invalid("holiday date must not be in the past").With("earliest_date", today.Format(time.DateOnly))
	}

	h, created, errRecord := s.record(ctx, req.VendorID, date, req.Slot, req.Reason)
	if errRecord != nil {
		return Result{}, errRecord
	}
	res, errAdjust := s.adjust(ctx, h)
	res.Created = created
	if errAdjust != nil {
		log.WithError(errAdjust).WithFields(log.Fields{
			"vendor_id":  h.VendorID,
			"holiday_id": h.ID,
		}).Warn("holiday: adjustment failed, holiday kept for retry")
		return res, errAdjust
	}
	return res, nil
}

// Reapply reruns the order adjustment of an existing holiday owned by vendorID.
// Only orders still scheduled are touched, so repeated runs grant no extra credits.
func (s *Service) Reapply(ctx context.Context, vendorID, holidayID uint64) (Result, error) {
	var h models.VendorHoliday
	if errFind := s.tx.DB(ctx).First(&h, holidayID).Error; errFind != nil {
		return Result{}, store.Classify(errFind, "vendor holiday")
	}
	if vendorID != 0 && h.VendorID != vendorID {
		return Result{}, apperr.NotFound("vendor holiday")
	}
	return s.adjust(ctx, &h)
}

// ReapplyPending retries every upcoming holiday whose adjustment never completed.
func (s *Service) ReapplyPending(ctx context.Context) (applied, failed int, err error) {
	today := clock.Today(s.clock, s.policy.Loc())
	var pending []models.VendorHoliday
	if errFind := s.tx.DB(ctx).
		Where("applied_at IS NULL AND holiday_date >= ?", today).
		Order("holiday_date ASC, id ASC").
		Find(&pending).Error; errFind != nil {
		return 0, 0, store.Classify(errFind, "vendor holiday")
	}
	for i := range pending {
		if _, errAdjust := s.adjust(ctx, &pending[i]); errAdjust != nil {
			failed++
			log.WithError(errAdjust).WithField("holiday_id", pending[i].ID).Warn("holiday: reapply failed")
			continue
		}
		applied++
	}
	return applied, failed, nil
}

// List returns the vendor's holidays in [from, to]; zero bounds are open.
func (s *Service) List(ctx context.Context, vendorID uint64, from, to time.Time) ([]models.VendorHoliday, error) {
	q := s.tx.DB(ctx).Where("vendor_id = ?", vendorID)
	if !from.IsZero() {
		q = q.Where("holiday_date >= ?", clock.Civil(from))
	}
	if !to.IsZero() {
		q = q.Where("holiday_date <= ?", clock.Civil(to))
	}
	var out []models.VendorHoliday
	if errFind := q.Order("holiday_date ASC, slot ASC").Find(&out).Error; errFind != nil {
		return nil, store.Classify(errFind, "vendor holiday")
	}
	return out, nil
}

func (s *Service) record(ctx context.Context, vendorID uint64, date time.Time, slot models.Slot, reason string) (*models.VendorHoliday, bool, error) {
	conn := s.tx.DB(ctx)
	h := &models.VendorHoliday{
		VendorID: vendorID,
		Date:     date,
		Slot:     slot,
		Reason:   reason,
	}
	errCreate := conn.Create(h).Error
	if errCreate == nil {
		return h, true, nil
	}
	if !db.IsUniqueViolation(errCreate) {
		return nil, false, store.Classify(errCreate, "vendor holiday")
	}
	var existing models.VendorHoliday
	if errFind := conn.
		Where("vendor_id = ? AND holiday_date = ? AND slot = ?", vendorID, date, slot).
		First(&existing).Error; errFind != nil {
		return nil, false, store.Classify(errFind, "vendor holiday")
	}
	return &existing, false, nil
}

func (s *Service) adjust(ctx context.Context, h *models.VendorHoliday) (Result, error) {
	res := Result{
		HolidayID: h.ID,
		Date:      h.Date.Format(time.DateOnly),
		Slot:      h.Slot,
	}
	errTx := s.tx.InTx(ctx, func(tx *gorm.DB) error {
		q := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("vendor_id = ? AND service_date = ? AND status = ?", h.VendorID, h.Date, models.OrderStatusScheduled)
		if !h.WholeDay() {
			q = q.Where("slot = ?", h.Slot)
		}
		var orders []models.Order
		if errFind := q.Order("id ASC").Find(&orders).Error; errFind != nil {
			return errFind
		}

		groups, subs, errLoad := loadOwners(tx, orders)
		if errLoad != nil {
			return errLoad
		}

		now := s.clock.Now().UTC()
		for i := range orders {
			order := &orders[i]
			upd := tx.Model(&models.Order{}).
				Where("id = ? AND status = ?", order.ID, models.OrderStatusScheduled).
				Updates(map[string]any{
					"status":            models.OrderStatusSkippedByVendor,
					"status_changed_at": now,
					"updated_at":        now,
				})
			if upd.Error != nil {
				return upd.Error
			}
			if upd.RowsAffected == 0 {
				continue
			}
			group := groups[order.GroupID]
			sub := subs[order.SubscriptionID]
			var plan *models.Plan
			if group != nil {
				plan = &group.Plan
			}
			if sub == nil {
				sub = &models.Subscription{ID: order.SubscriptionID, GroupID: order.GroupID, Slot: order.Slot}
			}
			unit, errPrice := ledger.UnitPriceTx(tx, order.CycleID, sub, plan)
			if errPrice != nil {
				return errPrice
			}
			orderID := order.ID
			credit, errGrant := s.ledger.GrantTx(tx, ledger.Grant{
				SubscriptionID: order.SubscriptionID,
				GroupID:        order.GroupID,
				Slot:           order.Slot,
				Reason:         models.CreditReasonVendorSkip,
				Quantity:       1,
				UnitValue:      unit,
				SourceOrderID:  &orderID,
				Note:           h.Reason,
			})
			if errGrant != nil {
				return errGrant
			}
			res.OrdersAffected++
			res.CreditIDs = append(res.CreditIDs, credit.ID)
		}

		meals := tx.Model(&models.TrialMeal{}).
			Where("vendor_id = ? AND service_date = ? AND status = ?", h.VendorID, h.Date, models.TrialMealStatusScheduled)
		if !h.WholeDay() {
			meals = meals.Where("slot = ?", h.Slot)
		}
		cancelled := meals.Update("status", models.TrialMealStatusCancelled)
		if cancelled.Error != nil {
			return cancelled.Error
		}
		res.TrialMealsCancelled = int(cancelled.RowsAffected)

		return tx.Model(&models.VendorHoliday{}).Where("id = ?", h.ID).Update("applied_at", now).Error
	})
	if errTx != nil {
		return res, errTx
	}
	log.WithFields(log.Fields{
		"vendor_id":       h.VendorID,
		"holiday_id":      h.ID,
		"date":            res.Date,
		"slot":            h.Slot,
		"orders_affected": res.OrdersAffected,
		"trial_meals":     res.TrialMealsCancelled,
	}).Info("holiday: applied")
	return res, nil
}

func loadOwners(tx *gorm.DB, orders []models.Order) (map[uint64]*models.SubscriptionGroup, map[uint64]*models.Subscription, error) {
	groups := make(map[uint64]*models.SubscriptionGroup)
	subs := make(map[uint64]*models.Subscription)
	if len(orders) == 0 {
		return groups, subs, nil
	}
	groupIDs := lo.Uniq(lo.Map(orders, func(o models.Order, _ int) uint64 { return o.GroupID }))
	subIDs := lo.Uniq(lo.Map(orders, func(o models.Order, _ int) uint64 { return o.SubscriptionID }))

	var groupRows []models.SubscriptionGroup
	if errFind := tx.Preload("Plan").Where("id IN ?", groupIDs).Find(&groupRows).Error; errFind != nil {
		return nil, nil, errFind
	}
	for i := range groupRows {
		groups[groupRows[i].ID] = &groupRows[i]
	}
	var subRows []models.Subscription
	if errFind := tx.Where("id IN ?", subIDs).Find(&subRows).Error; errFind != nil {
		return nil, nil, errFind
	}
	for i := range subRows {
		subs[subRows[i].ID] = &subRows[i]
	}
	return groups, subs, nil
}
