// Package lifecycle moves subscription groups between active, paused and
// cancelled. Every transition runs in a single transaction together with the
// order cancellations and credits it produces.
package lifecycle

import (
	"time"

	"github.com/mealdrop/mealdrop/internal/apperr"
	"github.com/mealdrop/mealdrop/internal/clock"
	"github.com/mealdrop/mealdrop/internal/ledger"
	"github.com/mealdrop/mealdrop/internal/models"
	"github.com/mealdrop/mealdrop/internal/policy"
	"github.com/mealdrop/mealdrop/internal/store"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Cancel reasons recorded on the group.
const (
	CancelReasonCustomer     = "customer"
	CancelReasonPauseTimeout = "pause_timeout"
)

// Service implements pause, resume and cancel.
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

func (s *Service) today() time.Time {
	return clock.Today(s.clock, s.policy.Loc())
}

func loadGroup(tx *gorm.DB, groupID uint64, lock bool) (*models.SubscriptionGroup, error) {
	if groupID == 0 {
		return nil, apperr.Invalid("group id is required")
	}
	q := tx.Preload("Plan").Preload("Subscriptions")
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var group models.SubscriptionGroup
	if errFind := q.First(&group, groupID).Error; errFind != nil {
		return nil, store.Classify(errFind, "subscription group")
	}
	return &group, nil
}

// scheduledFrom returns the group's scheduled orders on or after from.
func scheduledFrom(tx *gorm.DB, groupID uint64, from time.Time, lock bool) ([]models.Order, error) {
	q := tx.Where("group_id = ? AND status = ? AND service_date >= ?", groupID, models.OrderStatusScheduled, from)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var orders []models.Order
	if errFind := q.Order("service_date ASC, id ASC").Find(&orders).Error; errFind != nil {
		return nil, errFind
	}
	return orders, nil
}

// cancelOrder moves a scheduled order to cancelled; a concurrent change is a conflict.
func cancelOrder(tx *gorm.DB, orderID uint64, now time.Time) error {
	res := tx.Model(&models.Order{}).
		Where("id = ? AND status = ?", orderID, models.OrderStatusScheduled).
		Updates(map[string]any{
			"status":            models.OrderStatusCancelled,
			"status_changed_at": now,
			"updated_at":        now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.Conflict("order changed concurrently").With("order_id", orderID)
	}
	return nil
}

// setStatus updates the group and mirrors the status onto its subscriptions.
func setStatus(tx *gorm.DB, group *models.SubscriptionGroup, from, to models.GroupStatus, extra map[string]any, now time.Time) error {
	updates := map[string]any{"status": to, "updated_at": now}
	for k, v := range extra {
		updates[k] = v
	}
	res := tx.Model(&models.SubscriptionGroup{}).
		Where("id = ? AND status = ?", group.ID, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.Conflict("subscription group changed concurrently").With("group_id", group.ID)
	}
	if errSubs := tx.Model(&models.Subscription{}).
		Where("group_id = ?", group.ID).
		Updates(map[string]any{"status": to, "updated_at": now}).Error; errSubs != nil {
		return errSubs
	}
	group.Status = to
	for i := range group.Subscriptions {
		group.Subscriptions[i].Status = to
	}
	return nil
}

// priceBook resolves per-meal values for orders, caching by cycle and subscription.
type priceBook struct {
	tx    *gorm.DB
	group *models.SubscriptionGroup
	subs  map[uint64]*models.Subscription
	cache map[[2]uint64]decimal.Decimal
}

func newPriceBook(tx *gorm.DB, group *models.SubscriptionGroup) *priceBook {
	subs := make(map[uint64]*models.Subscription, len(group.Subscriptions))
	for i := range group.Subscriptions {
		subs[group.Subscriptions[i].ID] = &group.Subscriptions[i]
	}
	return &priceBook{tx: tx, group: group, subs: subs, cache: make(map[[2]uint64]decimal.Decimal)}
}

func (p *priceBook) unit(order *models.Order) (decimal.Decimal, error) {
	key := [2]uint64{order.CycleID, order.SubscriptionID}
	if v, ok := p.cache[key]; ok {
		return v, nil
	}
	sub, ok := p.subs[order.SubscriptionID]
	if !ok {
		sub = &models.Subscription{ID: order.SubscriptionID, GroupID: order.GroupID, Slot: order.Slot}
	}
	v, err := ledger.UnitPriceTx(p.tx, order.CycleID, sub, &p.group.Plan)
	if err != nil {
		return decimal.Zero, err
	}
	p.cache[key] = v
	return v, nil
}
