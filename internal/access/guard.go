package access

import (
	"context"

	"github.com/mealdrop/mealdrop/internal/apperr"
	"github.com/mealdrop/mealdrop/internal/models"
	"github.com/mealdrop/mealdrop/internal/security"
	"github.com/mealdrop/mealdrop/internal/store"
	"gorm.io/gorm"
)

// Guard verifies that a principal owns the entity it is about to touch.
// Consumers own their groups, subscriptions and trials; vendors own the groups
// they serve and their holidays; admins own everything.
type Guard struct {
	db *gorm.DB
}

// NewGuard constructs a Guard.
func NewGuard(db *gorm.DB) *Guard {
	return &Guard{db: db}
}

func notAuthenticated() error {
	return apperr.New(apperr.KindNotAuthenticated, "authentication required")
}

func unauthorized(entity string) error {
	return apperr.New(apperr.KindUnauthorized, entity+" does not belong to caller")
}

func ownsGroup(p Principal, group *models.SubscriptionGroup) bool {
	return p.IsAdmin() ||
		p.Is(security.RoleConsumer, group.ConsumerID) ||
		p.Is(security.RoleVendor, group.VendorID)
}

// Consumer checks that p acts for the consumer.
func (g *Guard) Consumer(p Principal, consumerID uint64) error {
	if p.IsZero() {
		return notAuthenticated()
	}
	if p.IsAdmin() || p.Is(security.RoleConsumer, consumerID) {
		return nil
	}
	return unauthorized("consumer")
}

// Vendor checks that p acts for the vendor.
func (g *Guard) Vendor(p Principal, vendorID uint64) error {
	if p.IsZero() {
		return notAuthenticated()
	}
	if p.IsAdmin() || p.Is(security.RoleVendor, vendorID) {
		return nil
	}
	return unauthorized("vendor")
}

// Group loads the group and checks ownership.
func (g *Guard) Group(ctx context.Context, p Principal, groupID uint64) (*models.SubscriptionGroup, error) {
	if p.IsZero() {
		return nil, notAuthenticated()
	}
	var group models.SubscriptionGroup
	if errFind := g.db.WithContext(ctx).First(&group, groupID).Error; errFind != nil {
		return nil, store.Classify(errFind, "subscription group")
	}
	if !ownsGroup(p, &group) {
		return nil, unauthorized("subscription group")
	}
	return &group, nil
}

// Subscription loads the subscription and checks ownership through its group.
func (g *Guard) Subscription(ctx context.Context, p Principal, subscriptionID uint64) (*models.Subscription, error) {
	if p.IsZero() {
		return nil, notAuthenticated()
	}
	var sub models.Subscription
	if errFind := g.db.WithContext(ctx).First(&sub, subscriptionID).Error; errFind != nil {
		return nil, store.Classify(errFind, "subscription")
	}
	if _, errGroup := g.Group(ctx, p, sub.GroupID); errGroup != nil {
		if apperr.KindOf(errGroup) == apperr.KindUnauthorized {
			return nil, unauthorized("subscription")
		}
		return nil, errGroup
	}
	return &sub, nil
}

// Trial loads the trial and checks ownership.
func (g *Guard) Trial(ctx context.Context, p Principal, trialID uint64) (*models.Trial, error) {
	if p.IsZero() {
		return nil, notAuthenticated()
	}
	var t models.Trial
	if errFind := g.db.WithContext(ctx).First(&t, trialID).Error; errFind != nil {
		return nil, store.Classify(errFind, "trial")
	}
	if !p.IsAdmin() && !p.Is(security.RoleConsumer, t.ConsumerID) && !p.Is(security.RoleVendor, t.VendorID) {
		return nil, unauthorized("trial")
	}
	return &t, nil
}

// Holiday loads the vendor holiday and checks ownership.
func (g *Guard) Holiday(ctx context.Context, p Principal, holidayID uint64) (*models.VendorHoliday, error) {
	if p.IsZero() {
		return nil, notAuthenticated()
	}
	var h models.VendorHoliday
	if errFind := g.db.WithContext(ctx).First(&h, holidayID).Error; errFind != nil {
		return nil, store.Classify(errFind, "vendor holiday")
	}
	if errVendor := g.Vendor(p, h.VendorID); errVendor != nil {
		return nil, unauthorized("vendor holiday")
	}
	return &h, nil
}
