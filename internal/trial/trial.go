// Package trial books short, bounded trial subscriptions with a per
// consumer/vendor/trial-type cooldown.
package trial

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/mealdrop/mealdrop/internal/apperr"
	"github.com/mealdrop/mealdrop/internal/capacity"
	"github.com/mealdrop/mealdrop/internal/clock"
	"github.com/mealdrop/mealdrop/internal/models"
	"github.com/mealdrop/mealdrop/internal/policy"
	"github.com/mealdrop/mealdrop/internal/store"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Eligibility reports whether a consumer may book a trial type with a vendor.
type Eligibility struct {
	Eligible       bool       `json:"eligible"`
	TrialTypeID    uint64     `json:"trial_type_id"`
	VendorID       uint64     `json:"vendor_id"`
	CooldownEndsAt *time.Time `json:"cooldown_ends_at,omitempty"`
	LastTrialID    *uint64    `json:"last_trial_id,omitempty"`
}

// Meal is one requested trial delivery.
type Meal struct {
	Date time.Time
	Slot models.Slot
}

// CreateRequest books a trial.
type CreateRequest struct {
	ConsumerID        uint64
	VendorID          uint64
	TrialTypeID       uint64
	DeliveryAddressID uint64
	StartDate         time.Time
	Meals             []Meal
}

// Quote is the validated price of a trial request.
type Quote struct {
	StartDate  string            `json:"start_date"`
	EndDate    string            `json:"end_date"`
	MealPrices []decimal.Decimal `json:"meal_prices"`
	TotalPrice decimal.Decimal   `json:"total_price"`
}

// Service manages trials.
type Service struct {
	tx       *store.Transactor
	capacity *capacity.Checker
	clock    clock.Clock
	policy   policy.Policy
}

// NewService constructs a Service.
func NewService(tx *store.Transactor, checker *capacity.Checker, clk clock.Clock, pol policy.Policy) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{tx: tx, capacity: checker, clock: clk, policy: pol}
}

func (s *Service) today() time.Time {
	return clock.Today(s.clock, s.policy.Loc())
}

// offer loads an enabled trial type the vendor has opted into.
func offer(tx *gorm.DB, vendorID, trialTypeID uint64, lock bool) (*models.TrialType, error) {
	var tt models.TrialType
	if errFind := tx.First(&tt, trialTypeID).Error; errFind != nil {
		return nil, store.Classify(errFind, "trial type")
	}
	if !tt.IsEnabled {
		return nil, apperr.NotFound("trial type")
	}
	q := tx.Where("vendor_id = ? AND trial_type_id = ? AND is_enabled = ?", vendorID, trialTypeID, true)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var optIn models.VendorTrialType
	if errFind := q.First(&optIn).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("trial offer").With("vendor_id", vendorID)
		}
		return nil, store.Classify(errFind, "trial offer")
	}
	return &tt, nil
}

// eligibility computes the cooldown from the latest non-cancelled trial of the
// same consumer, vendor and trial type: eligible again on end_date + cooldown_days.
func (s *Service) eligibility(tx *gorm.DB, consumerID, vendorID uint64, tt *models.TrialType) (Eligibility, error) {
	out := Eligibility{Eligible: true, TrialTypeID: tt.ID, VendorID: vendorID}
	var last models.Trial
	res := tx.
		Where("consumer_id = ? AND vendor_id = ? AND trial_type_id = ? AND status <> ?", consumerID, vendorID, tt.ID, models.TrialStatusCancelled).
		Order("end_date DESC, id DESC").
		Limit(1).
		Find(&last)
	if res.Error != nil {
		return out, res.Error
	}
	if res.RowsAffected == 0 {
		return out, nil
	}
	ends := clock.AddDays(clock.Stored(last.EndDate), tt.CooldownDays)
	out.LastTrialID = &last.ID
	out.CooldownEndsAt = &ends
	out.Eligible = !s.today().Before(ends)
	return out, nil
}

// CheckEligibility reports whether the consumer may book the trial type with the vendor.
func (s *Service) CheckEligibility(ctx context.Context, consumerID, vendorID, trialTypeID uint64) (Eligibility, error) {
	conn := s.tx.DB(ctx)
	tt, errOffer := offer(conn, vendorID, trialTypeID, false)
	if errOffer != nil {
		return Eligibility{}, errOffer
	}
	out, errElig := s.eligibility(conn, consumerID, vendorID, tt)
	if errElig != nil {
		return Eligibility{}, store.Classify(errElig, "trial")
	}
	return out, nil
}

func cooldownError(e Eligibility) error {
	err := apperr.New(apperr.KindCooldownActive, "trial cooldown is active")
	if e.CooldownEndsAt != nil {
		err = err.With("cooldown_ends_at", e.CooldownEndsAt.Format(time.DateOnly))
	}
	return err
}

// validate checks the request against the trial type's window, meal cap and slots.
func (s *Service) validate(tt *models.TrialType, req CreateRequest) (time.Time, time.Time, []Meal, error) {
	if req.StartDate.IsZero() {
		return time.Time{}, time.Time{}, nil, apperr.Invalid("start date is required")
	}
	start := clock.Civil(req.StartDate)
	if start.Before(s.today()) {
		return time.Time{}, time.Time{}, nil, apperr.New(apperr.KindInvalidWindow, "trial cannot start in the past").
			With("earliest_start_date", s.today().Format(time.DateOnly))
	}
	duration := tt.DurationDays
	if duration < 1 {
		duration = 1
	}
	end := clock.AddDays(start, duration-1)

	if len(req.Meals) == 0 {
		return start, end, nil, apperr.Invalid("select at least one meal")
	}
	if tt.MaxMeals > 0 && len(req.Meals) > tt.MaxMeals {
		return start, end, nil, apperr.New(apperr.KindLimitExceeded, "too many trial meals").
			With("max_meals", tt.MaxMeals)
	}

	meals := make([]Meal, 0, len(req.Meals))
	seen := make(map[capacity.Key]struct{}, len(req.Meals))
	for _, m := range req.Meals {
		date := clock.Civil(m.Date)
		if date.Before(start) || date.After(end) {
			return start, end, nil, apperr.New(apperr.KindInvalidWindow, "meal date is outside the trial window").
				With("date", date.Format(time.DateOnly)).
				With("window_start", start.Format(time.DateOnly)).
				With("window_end", end.Format(time.DateOnly))
		}
		if !tt.AllowsSlot(m.Slot) {
			return start, end, nil, apperr.New(apperr.KindInvalidWindow, "slot is not offered by this trial").
				With("slot", m.Slot).
				With("allowed_slots", []models.Slot(tt.AllowedSlots))
		}
		key := capacity.KeyOf(date, m.Slot)
		if _, dup := seen[key]; dup {
			return start, end, nil, apperr.Invalid("duplicate trial meal").With("date", key.Date).With("slot", m.Slot)
		}
		seen[key] = struct{}{}
		meals = append(meals, Meal{Date: date, Slot: m.Slot})
	}
	sort.SliceStable(meals, func(i, j int) bool {
		if !meals[i].Date.Equal(meals[j].Date) {
			return meals[i].Date.Before(meals[j].Date)
		}
		return slotOrder(meals[i].Slot) < slotOrder(meals[j].Slot)
	})
	return start, end, meals, nil
}

func slotOrder(slot models.Slot) int {
	return lo.IndexOf(models.AllSlots, slot)
}

func basePrices(tx *gorm.DB, vendorID uint64, meals []Meal) (map[models.Slot]decimal.Decimal, error) {
	slots := lo.Uniq(lo.Map(meals, func(m Meal, _ int) models.Slot { return m.Slot }))
	var rows []models.VendorSlot
	if errFind := tx.Where("vendor_id = ? AND slot IN ?", vendorID, slots).Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	out := make(map[models.Slot]decimal.Decimal, len(rows))
	for _, row := range rows {
		out[row.Slot] = row.BasePrice
	}
	return out, nil
}

func (s *Service) quote(tx *gorm.DB, tt *models.TrialType, req CreateRequest) (Quote, []Meal, time.Time, time.Time, error) {
	start, end, meals, errValidate := s.validate(tt, req)
	if errValidate != nil {
		return Quote{}, nil, start, end, errValidate
	}
	var bases map[models.Slot]decimal.Decimal
	if tt.PricingMode == models.PricingPerMeal {
		var errBase error
		bases, errBase = basePrices(tx, req.VendorID, meals)
		if errBase != nil {
			return Quote{}, nil, start, end, errBase
		}
	}
	prices, total, errPrice := Price(tt, lo.Map(meals, func(m Meal, _ int) models.Slot { return m.Slot }), bases)
	if errPrice != nil {
		return Quote{}, nil, start, end, errPrice
	}
	return Quote{
		StartDate:  start.Format(time.DateOnly),
		EndDate:    end.Format(time.DateOnly),
		MealPrices: prices,
		TotalPrice: total,
	}, meals, start, end, nil
}

// Quote validates a request and prices it without booking.
func (s *Service) Quote(ctx context.Context, req CreateRequest) (Quote, error) {
	conn := s.tx.DB(ctx)
	tt, errOffer := offer(conn, req.VendorID, req.TrialTypeID, false)
	if errOffer != nil {
		return Quote{}, errOffer
	}
	q, _, _, _, errQuote := s.quote(conn, tt, req)
	if errQuote != nil {
		return Quote{}, store.Classify(errQuote, "vendor slot")
	}
	return q, nil
}

// Create books a trial after checking eligibility, the request's window and
// the vendor's capacity for every meal. The vendor's opt-in row is locked so
// concurrent bookings of the same offer serialize on the cooldown check.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Trial, error) {
	if req.ConsumerID == 0 || req.VendorID == 0 || req.TrialTypeID == 0 {
		return nil, apperr.Invalid("consumer, vendor and trial type are required")
	}
	var out *models.Trial
	errTx := s.tx.InTx(ctx, func(tx *gorm.DB) error {
		tt, errOffer := offer(tx, req.VendorID, req.TrialTypeID, true)
		if errOffer != nil {
			return errOffer
		}
		elig, errElig := s.eligibility(tx, req.ConsumerID, req.VendorID, tt)
		if errElig != nil {
			return errElig
		}
		if !elig.Eligible {
			return cooldownError(elig)
		}
		q, meals, start, end, errQuote := s.quote(tx, tt, req)
		if errQuote != nil {
			return errQuote
		}

		if s.capacity != nil {
			for _, m := range meals {
				res, errCap := s.capacity.CheckTx(tx, req.VendorID, m.Slot, m.Date)
				if errCap != nil {
					return errCap
				}
				if !res.Available {
					return apperr.New(apperr.KindLimitExceeded, "vendor is fully booked").
						With("date", m.Date.Format(time.DateOnly)).
						With("slot", m.Slot).
						With("remaining", res.Remaining)
				}
			}
		}

		status := models.TrialStatusScheduled
		if !start.After(s.today()) {
			status = models.TrialStatusActive
		}
		t := &models.Trial{
			ConsumerID:        req.ConsumerID,
			VendorID:          req.VendorID,
			TrialTypeID:       tt.ID,
			DeliveryAddressID: req.DeliveryAddressID,
			StartDate:         start,
			EndDate:           end,
			Status:            status,
			TotalPrice:        q.TotalPrice,
		}
		if errCreate := tx.Omit("Meals").Create(t).Error; errCreate != nil {
			return errCreate
		}
		t.Meals = make([]models.TrialMeal, 0, len(meals))
		for i, m := range meals {
			meal := models.TrialMeal{
				TrialID:     t.ID,
				VendorID:    req.VendorID,
				ServiceDate: m.Date,
				Slot:        m.Slot,
				Price:       q.MealPrices[i],
				Status:      models.TrialMealStatusScheduled,
			}
			if errCreate := tx.Create(&meal).Error; errCreate != nil {
				return errCreate
			}
			t.Meals = append(t.Meals, meal)
		}
		out = t
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}
	log.WithFields(log.Fields{
		"trial_id":      out.ID,
		"consumer_id":   out.ConsumerID,
		"vendor_id":     out.VendorID,
		"trial_type_id": out.TrialTypeID,
		"meals":         len(out.Meals),
		"total_price":   out.TotalPrice.StringFixed(2),
	}).Info("trial: created")
	return out, nil
}

// Cancel cancels a trial that has not started and its meals.
// Cancelled trials do not start a cooldown.
func (s *Service) Cancel(ctx context.Context, trialID uint64) (*models.Trial, error) {
	var out models.Trial
	errTx := s.tx.InTx(ctx, func(tx *gorm.DB) error {
		if errFind := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&out, trialID).Error; errFind != nil {
			return store.Classify(errFind, "trial")
		}
		if out.Status != models.TrialStatusScheduled {
			return apperr.Conflict("only scheduled trials can be cancelled").With("status", out.Status)
		}
		now := s.clock.Now().UTC()
		res := tx.Model(&models.Trial{}).
			Where("id = ? AND status = ?", out.ID, models.TrialStatusScheduled).
			Updates(map[string]any{"status": models.TrialStatusCancelled, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.Conflict("trial changed concurrently").With("trial_id", out.ID)
		}
		if errMeals := tx.Model(&models.TrialMeal{}).
			Where("trial_id = ? AND status = ?", out.ID, models.TrialMealStatusScheduled).
			Update("status", models.TrialMealStatusCancelled).Error; errMeals != nil {
			return errMeals
		}
		out.Status = models.TrialStatusCancelled
		return tx.Where("trial_id = ?", out.ID).Order("service_date ASC, id ASC").Find(&out.Meals).Error
	})
	if errTx != nil {
		return nil, errTx
	}
	log.WithField("trial_id", trialID).Info("trial: cancelled")
	return &out, nil
}

// ActivateStarted moves scheduled trials whose start date has arrived to active.
func (s *Service) ActivateStarted(ctx context.Context) (int64, error) {
	res := s.tx.DB(ctx).Model(&models.Trial{}).
		Where("status = ? AND start_date <= ?", models.TrialStatusScheduled, s.today()).
		Updates(map[string]any{"status": models.TrialStatusActive, "updated_at": s.clock.Now().UTC()})
	if res.Error != nil {
		return 0, store.Classify(res.Error, "trial")
	}
	return res.RowsAffected, nil
}

// CompleteEnded moves scheduled or active trials whose end date has passed to completed.
func (s *Service) CompleteEnded(ctx context.Context) (int64, error) {
	res := s.tx.DB(ctx).Model(&models.Trial{}).
		Where("status IN ? AND end_date < ?", []models.TrialStatus{models.TrialStatusScheduled, models.TrialStatusActive}, s.today()).
		Updates(map[string]any{"status": models.TrialStatusCompleted, "updated_at": s.clock.Now().UTC()})
	if res.Error != nil {
		return 0, store.Classify(res.Error, "trial")
	}
	return res.RowsAffected, nil
}

// List returns a consumer's trials with their meals, newest first.
func (s *Service) List(ctx context.Context, consumerID uint64) ([]models.Trial, error) {
	var out []models.Trial
	if errFind := s.tx.DB(ctx).
		Preload("Meals", func(db *gorm.DB) *gorm.DB { return db.Order("service_date ASC, id ASC") }).
		Where("consumer_id = ?", consumerID).
		Order("start_date DESC, id DESC").
		Find(&out).Error; errFind != nil {
		return nil, store.Classify(errFind, "trial")
	}
	return out, nil
}
