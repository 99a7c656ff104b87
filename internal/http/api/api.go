// Package api holds the engine services shared by every HTTP route group.
package api

import (
	"time"

	"github.com/mealdrop/mealdrop/internal/access"
	"github.com/mealdrop/mealdrop/internal/capacity"
	"github.com/mealdrop/mealdrop/internal/clock"
	"github.com/mealdrop/mealdrop/internal/holiday"
	"github.com/mealdrop/mealdrop/internal/invoicing"
	"github.com/mealdrop/mealdrop/internal/ledger"
	"github.com/mealdrop/mealdrop/internal/lifecycle"
	"github.com/mealdrop/mealdrop/internal/maintenance"
	"github.com/mealdrop/mealdrop/internal/policy"
	"github.com/mealdrop/mealdrop/internal/ratelimit"
	"github.com/mealdrop/mealdrop/internal/refund"
	"github.com/mealdrop/mealdrop/internal/skip"
	"github.com/mealdrop/mealdrop/internal/trial"
	"gorm.io/gorm"
)

// Services are the engine components handlers call into.
type Services struct {
	DB          *gorm.DB
	Guard       *access.Guard
	Ledger      *ledger.Ledger
	Skips       *skip.Service
	Lifecycle   *lifecycle.Service
	Holidays    *holiday.Service
	Trials      *trial.Service
	Capacity    *capacity.Checker
	Invoicing   *invoicing.Service
	Refunds     *refund.Dispatcher
	Maintenance *maintenance.Runner
	RateLimiter *ratelimit.Manager
	Clock       clock.Clock
	Policy      policy.Policy
}

// Secrets are the shared secrets guarding token-less routes.
type Secrets struct {
	JWT                   string
	PaymentHook           string
	Maintenance           string
	MaintenanceSecretHash string
}

// Today returns the current civil date in the engine timezone.
func (s *Services) Today() time.Time {
	clk := s.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return clock.Today(clk, s.Policy.Loc())
}
