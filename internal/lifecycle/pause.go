package lifecycle

import (
	"context"
	"time"

	"github.com/mealdrop/mealdrop/internal/apperr"
	"github.com/mealdrop/mealdrop/internal/clock"
	"github.com/mealdrop/mealdrop/internal/cycle"
	"github.com/mealdrop/mealdrop/internal/ledger"
	"github.com/mealdrop/mealdrop/internal/models"
	"github.com/mealdrop/mealdrop/internal/store"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// PauseRequest asks to pause a group from PauseDate. ResumeAt is optional.
type PauseRequest struct {
	GroupID   uint64
	PauseDate time.Time
	ResumeAt  *time.Time
}

// PausePreview is the computed impact of a pause.
type PausePreview struct {
	GroupID         uint64          `json:"group_id"`
	PauseDate       string          `json:"pause_date"`
	ResumeAt        string          `json:"resume_at,omitempty"`
	OrdersAffected  int             `json:"orders_affected"`
	CreditCount     int             `json:"credit_count"`
	CreditValue     decimal.Decimal `json:"credit_value"`
	CreditExpiresAt time.Time       `json:"credit_expires_at"`
}

// PauseResult summarizes a committed pause.
type PauseResult struct {
	PausePreview
	CreditIDs []uint64 `json:"credit_ids"`
}

func (s *Service) validatePause(group *models.SubscriptionGroup, req PauseRequest) (time.Time, *time.Time, error) {
	if group.Status != models.GroupStatusActive {
		return time.Time{}, nil, apperr.Conflict("only active groups can be paused").With("status", group.Status)
	}
	if req.PauseDate.IsZero() {
		return time.Time{}, nil, apperr.Invalid("pause date is required")
	}
	pauseDate := clock.Civil(req.PauseDate)
	now := s.clock.Now()
	loc := s.policy.Loc()

	startsAt := time.Date(pauseDate.Year(), pauseDate.Month(), pauseDate.Day(), 0, 0, 0, 0, loc)
	deadline := startsAt.Add(-s.policy.PauseNotice)
	if now.After(deadline) {
		return time.Time{}, nil, apperr.New(apperr.KindCutoffPassed, "pause notice window has passed").
			With("cutoff_at", deadline.UTC()).
			With("notice_hours", int(s.policy.PauseNotice/time.Hour))
	}
	latest := clock.AddDays(s.today(), s.policy.MaxPauseDays)
	if pauseDate.After(latest) {
		return time.Time{}, nil, apperr.New(apperr.KindLimitExceeded, "pause date is too far ahead").
			With("max_pause_days", s.policy.MaxPauseDays).
			With("latest_pause_date", latest.Format(time.DateOnly))
	}

	var resumeAt *time.Time
	if req.ResumeAt != nil && !req.ResumeAt.IsZero() {
		r := clock.Civil(*req.ResumeAt)
		if !r.After(pauseDate) {
			return time.Time{}, nil, apperr.Invalid("resume date must be after the pause date")
		}
		if clock.DaysBetween(pauseDate, r) > s.policy.MaxPauseDays {
			return time.Time{}, nil, apperr.New(apperr.KindLimitExceeded, "pause is longer than allowed").
				With("max_pause_days", s.policy.MaxPauseDays)
		}
		resumeAt = &r
	}
	return pauseDate, resumeAt, nil
}

func (s *Service) pauseImpact(tx *gorm.DB, group *models.SubscriptionGroup, pauseDate time.Time, lock bool) ([]models.Order, []decimal.Decimal, PausePreview, error) {
	preview := PausePreview{
		GroupID:         group.ID,
		PauseDate:       pauseDate.Format(time.DateOnly),
		CreditValue:     decimal.Zero,
		CreditExpiresAt: s.policy.CreditExpiresAt(s.clock.Now().UTC()),
	}
	orders, errOrders := scheduledFrom(tx, group.ID, pauseDate, lock)
	if errOrders != nil {
		return nil, nil, preview, errOrders
	}
	book := newPriceBook(tx, group)
	units := make([]decimal.Decimal, len(orders))
	for i := range orders {
		v, errPrice := book.unit(&orders[i])
		if errPrice != nil {
			return nil, nil, preview, errPrice
		}
		units[i] = v
		preview.CreditValue = preview.CreditValue.Add(v)
	}
	preview.OrdersAffected = len(orders)
	preview.CreditCount = len(orders)
	return orders, units, preview, nil
}

// PreviewPause reports the orders a pause would cancel and the credits it would grant.
func (s *Service) PreviewPause(ctx context.Context, req PauseRequest) (PausePreview, error) {
	conn := s.tx.DB(ctx)
	group, errGroup := loadGroup(conn, req.GroupID, false)
	if errGroup != nil {
		return PausePreview{}, errGroup
	}
	pauseDate, resumeAt, errValidate := s.validatePause(group, req)
	if errValidate != nil {
		return PausePreview{}, errValidate
	}
	_, _, preview, errImpact := s.pauseImpact(conn, group, pauseDate, false)
	if errImpact != nil {
		return PausePreview{}, store.Classify(errImpact, "order")
	}
	if resumeAt != nil {
		preview.ResumeAt = resumeAt.Format(time.DateOnly)
	}
	return preview, nil
}

// Pause cancels every scheduled order from the pause date, grants one
// pause_mid_cycle credit per cancelled order and marks the group paused.
func (s *Service) Pause(ctx context.Context, req PauseRequest) (PauseResult, error) {
	var out PauseResult
	errTx := s.tx.InTx(ctx, func(tx *gorm.DB) error {
		group, errGroup := loadGroup(tx, req.GroupID, true)
		if errGroup != nil {
			return errGroup
		}
		pauseDate, resumeAt, errValidate := s.validatePause(group, req)
		if errValidate != nil {
			return errValidate
		}
		orders, units, preview, errImpact := s.pauseImpact(tx, group, pauseDate, true)
		if errImpact != nil {
			return errImpact
		}
		if resumeAt != nil {
			preview.ResumeAt = resumeAt.Format(time.DateOnly)
		}

		now := s.clock.Now().UTC()
		out.PausePreview = preview
		for i := range orders {
			order := &orders[i]
			if errCancel := cancelOrder(tx, order.ID, now); errCancel != nil {
				return errCancel
			}
			orderID := order.ID
			credit, errGrant := s.ledger.GrantTx(tx, ledger.Grant{
				SubscriptionID: order.SubscriptionID,
				GroupID:        group.ID,
				Slot:           order.Slot,
				Reason:         models.CreditReasonPauseMidCycle,
				Quantity:       1,
				UnitValue:      units[i],
				ExpiresAt:      preview.CreditExpiresAt,
				SourceOrderID:  &orderID,
			})
			if errGrant != nil {
				return errGrant
			}
			out.CreditIDs = append(out.CreditIDs, credit.ID)
		}

		return setStatus(tx, group, models.GroupStatusActive, models.GroupStatusPaused, map[string]any{
			"paused_since":       pauseDate,
			"pause_requested_at": now,
			"resume_at":          resumeAt,
		}, now)
	})
	if errTx != nil {
		return PauseResult{}, errTx
	}
	log.WithFields(log.Fields{
		"group_id":   req.GroupID,
		"pause_date": out.PauseDate,
		"cancelled":  out.OrdersAffected,
		"credits":    len(out.CreditIDs),
	}).Info("lifecycle: group paused")
	return out, nil
}

// Resume reactivates a paused group. Orders cancelled by the pause stay
// cancelled; their credits settle against the next invoice. A renewal date
// that fell inside the pause moves to the next cycle boundary.
func (s *Service) Resume(ctx context.Context, groupID uint64) (*models.SubscriptionGroup, error) {
	var out *models.SubscriptionGroup
	errTx := s.tx.InTx(ctx, func(tx *gorm.DB) error {
		group, errGroup := loadGroup(tx, groupID, true)
		if errGroup != nil {
			return errGroup
		}
		if group.Status != models.GroupStatusPaused {
			return apperr.Conflict("only paused groups can be resumed").With("status", group.Status)
		}
		now := s.clock.Now().UTC()
		today := s.today()
		updates := map[string]any{
			"paused_since":       nil,
			"pause_requested_at": nil,
			"resume_at":          nil,
		}
		if group.RenewalDate.Before(today) {
			bounds, errBounds := cycle.Current(group.Plan.PeriodType, today)
			if errBounds != nil {
				return apperr.Wrap(apperr.KindInvalidInput, "plan period", errBounds)
			}
			updates["renewal_date"] = bounds.Renewal
			group.RenewalDate = bounds.Renewal
		}
		if errStatus := setStatus(tx, group, models.GroupStatusPaused, models.GroupStatusActive, updates, now); errStatus != nil {
			return errStatus
		}
		group.PausedSince = nil
		group.PauseRequestedAt = nil
		group.ResumeAt = nil
		out = group
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}
	log.WithField("group_id", groupID).Info("lifecycle: group resumed")
	return out, nil
}
