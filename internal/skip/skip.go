// Package skip lets consumers skip a scheduled delivery before its cutoff.
package skip

import (
	"context"
	"time"

	"github.com/mealdrop/mealdrop/internal/apperr"
	"github.com/mealdrop/mealdrop/internal/clock"
	"github.com/mealdrop/mealdrop/internal/ledger"
	"github.com/mealdrop/mealdrop/internal/models"
	"github.com/mealdrop/mealdrop/internal/policy"
	"github.com/mealdrop/mealdrop/internal/store"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Request identifies the delivery to skip. Slot defaults to the subscription's slot.
type Request struct {
	SubscriptionID uint64
	Date           time.Time
	Slot           models.Slot
}

// Result tells the caller whether the skip earned a credit.
type Result struct {
	OrderID        uint64     `json:"order_id"`
	CreditCreated  bool       `json:"credit_created"`
	CreditID       *uint64    `json:"credit_id,omitempty"`
	SkipLimit      int        `json:"skip_limit"`
	RemainingSkips int        `json:"remaining_skips"`
	CutoffAt       time.Time  `json:"cutoff_at"`
	ExpiresAt      *time.Time `json:"credit_expires_at,omitempty"`
}

// Quote previews a skip without mutating anything.
type Quote struct {
	OrderID        uint64    `json:"order_id"`
	CutoffAt       time.Time `json:"cutoff_at"`
	CutoffPassed   bool      `json:"cutoff_passed"`
	WillCredit     bool      `json:"will_credit"`
	SkipLimit      int       `json:"skip_limit"`
	RemainingSkips int       `json:"remaining_skips"`
}

// Service applies customer skips.
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

type target struct {
	sub   models.Subscription
	group models.SubscriptionGroup
	order models.Order
	cycle models.Cycle
	slot  models.Slot
}

func (s *Service) load(tx *gorm.DB, req Request, lock bool) (*target, error) {
	if req.SubscriptionID == 0 || req.Date.IsZero() {
		return nil, apperr.Invalid("subscription and date are required")
	}
	date := clock.DateOf(req.Date, time.UTC)

	t := &target{}
	if errFind := tx.First(&t.sub, req.SubscriptionID).Error; errFind != nil {
		return nil, store.Classify(errFind, "subscription")
	}
	t.slot = req.Slot
	if t.slot == "" {
		t.slot = t.sub.Slot
	}
	if t.slot != t.sub.Slot {
		return nil, apperr.Invalid("slot does not belong to subscription").With("slot", t.slot)
	}
	if errFind := tx.Preload("Plan").First(&t.group, t.sub.GroupID).Error; errFind != nil {
		return nil, store.Classify(errFind, "subscription group")
	}

	scope := func() *gorm.DB {
		if lock {
			return tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		return tx
	}
	if errFind := scope().
		Where("subscription_id = ? AND service_date = ? AND slot = ?", t.sub.ID, date, t.slot).
		First(&t.order).Error; errFind != nil {
		return nil, store.Classify(errFind, "order")
	}
	if errFind := scope().First(&t.cycle, t.order.CycleID).Error; errFind != nil {
		return nil, store.Classify(errFind, "cycle")
	}
	return t, nil
}

// deliversOn reports whether the group still serves date. A paused group keeps
// the orders dated before its pause took effect.
func deliversOn(g *models.SubscriptionGroup, date time.Time) bool {
	switch g.Status {
	case models.GroupStatusActive:
		return true
	case models.GroupStatusPaused:
		return g.PausedSince != nil && clock.Stored(date).Before(clock.Stored(*g.PausedSince))
	default:
		return false
	}
}

func (s *Service) check(t *target) error {
	switch t.order.Status {
	case models.OrderStatusScheduled:
	case models.OrderStatusSkippedByCustomer:
		return apperr.Conflict("order already skipped").With("order_id", t.order.ID)
	default:
		return apperr.Conflict("order is not scheduled").With("status", t.order.Status)
	}
	if !deliversOn(&t.group, t.order.ServiceDate) {
		return apperr.Conflict("subscription group is not active").With("status", t.group.Status)
	}
	cutoff := s.policy.SkipCutoffAt(t.order.ServiceDate, string(t.slot))
	if !s.clock.Now().Before(cutoff) {
		return apperr.New(apperr.KindCutoffPassed, "skip cutoff has passed").With("cutoff_at", cutoff.UTC())
	}
	return nil
}

// Preview reports the cutoff and whether a skip would be credited.
func (s *Service) Preview(ctx context.Context, req Request) (Quote, error) {
	t, errLoad := s.load(s.tx.DB(ctx), req, false)
	if errLoad != nil {
		return Quote{}, errLoad
	}
	limit := t.group.Plan.SkipLimit(t.slot)
	used := t.cycle.SkipCount(t.slot)
	cutoff := s.policy.SkipCutoffAt(t.order.ServiceDate, string(t.slot))
	return Quote{
		OrderID:        t.order.ID,
		CutoffAt:       cutoff.UTC(),
		CutoffPassed:   !s.clock.Now().Before(cutoff),
		WillCredit:     used < limit,
		SkipLimit:      limit,
		RemainingSkips: remaining(limit, used),
	}, nil
}

// Skip marks the order skipped_by_customer. While the cycle's skip count for
// the slot is under the plan limit the skip also grants one credit.
func (s *Service) Skip(ctx context.Context, req Request) (Result, error) {
	var out Result
	errTx := s.tx.InTx(ctx, func(tx *gorm.DB) error {
		t, errLoad := s.load(tx, req, true)
		if errLoad != nil {
			return errLoad
		}
		if errCheck := s.check(t); errCheck != nil {
			return errCheck
		}

		now := s.clock.Now().UTC()
		res := tx.Model(&models.Order{}).
			Where("id = ? AND status = ?", t.order.ID, models.OrderStatusScheduled).
			Updates(map[string]any{
				"status":            models.OrderStatusSkippedByCustomer,
				"status_changed_at": now,
				"updated_at":        now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.Conflict("order already skipped").With("order_id", t.order.ID)
		}

		limit := t.group.Plan.SkipLimit(t.slot)
		used := t.cycle.SkipCount(t.slot)
		credited := used < limit

		counts := map[models.Slot]int{}
		for k, v := range t.cycle.SkipCounts.Data() {
			counts[k] = v
		}
		counts[t.slot] = used + 1
		if errUpdate := tx.Model(&models.Cycle{}).
			Where("id = ?", t.cycle.ID).
			Updates(map[string]any{
				"skip_counts": datatypes.NewJSONType(counts),
				"updated_at":  now,
			}).Error; errUpdate != nil {
			return errUpdate
		}

		out = Result{
			OrderID:        t.order.ID,
			SkipLimit:      limit,
			RemainingSkips: remaining(limit, used+1),
			CutoffAt:       s.policy.SkipCutoffAt(t.order.ServiceDate, string(t.slot)).UTC(),
		}
		if !credited {
			return nil
		}

		unit, errPrice := ledger.UnitPriceTx(tx, t.cycle.ID, &t.sub, &t.group.Plan)
		if errPrice != nil {
			return errPrice
		}
		orderID := t.order.ID
		credit, errGrant := s.ledger.GrantTx(tx, ledger.Grant{
			SubscriptionID: t.sub.ID,
			GroupID:        t.group.ID,
			Slot:           t.slot,
			Reason:         models.CreditReasonSkip,
			Quantity:       1,
			UnitValue:      unit,
			SourceOrderID:  &orderID,
		})
		if errGrant != nil {
			return errGrant
		}
		out.CreditCreated = true
		out.CreditID = &credit.ID
		out.ExpiresAt = &credit.ExpiresAt
		return nil
	})
	if errTx != nil {
		return Result{}, errTx
	}

	log.WithFields(log.Fields{
		"subscription_id": req.SubscriptionID,
		"order_id":        out.OrderID,
		"credited":        out.CreditCreated,
		"remaining":       out.RemainingSkips,
	}).Info("skip: order skipped")
	return out, nil
}

func remaining(limit, used int) int {
	if used >= limit {
		return 0
	}
	return limit - used
}
