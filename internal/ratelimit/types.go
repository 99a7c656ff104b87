package ratelimit

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// Result describes the outcome of a rate limit check.
type Result struct {
	Allowed   bool
	Remaining int
	Reset     time.Time
}

// Subject identifies one counter: a principal's shared budget, or the
// principal's budget for a single action when Action is set.
type Subject struct {
	Role        string
	PrincipalID uint64
	Action      string
}

func (s Subject) String() string {
	if s.Action == "" {
		return fmt.Sprintf("%s:%d", s.Role, s.PrincipalID)
	}
	return fmt.Sprintf("%s:%d:a:%s", s.Role, s.PrincipalID, s.Action)
}

func (s Subject) fields() log.Fields {
	fields := log.Fields{"role": s.Role, "principal_id": s.PrincipalID}
	if s.Action != "" {
		fields["action"] = s.Action
	}
	return fields
}

// Limiter counts requests per subject in one-second windows.
type Limiter interface {
	Allow(ctx context.Context, s Subject, limit int, now time.Time) (Result, error)
}

// Scope indicates which dimension the rate limit applies to.
type Scope int

const (
	ScopeNone Scope = iota
	ScopePrincipal
	ScopeAction
)

// Decision describes the resolved rate limit and scope.
type Decision struct {
	Limit  int
	Scope  Scope
	Action string
}
