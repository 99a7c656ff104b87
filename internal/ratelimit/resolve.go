package ratelimit

import "strings"

// Action names for rate-limited consumer mutations.
const (
	ActionSkip        = "skip"
	ActionPause       = "pause"
	ActionCancel      = "cancel"
	ActionTrialCreate = "trial_create"
)

// ResolveLimit picks the effective limit for an action. A per-action override
// gets its own counter; otherwise every action shares the principal's default
// budget.
func ResolveLimit(cfg SettingsConfig, action string) Decision {
	action = strings.TrimSpace(action)
	if action != "" {
		if limit, ok := cfg.ActionLimits[action]; ok && limit > 0 {
			return Decision{Limit: limit, Scope: ScopeAction, Action: action}
		}
	}
	if cfg.Limit > 0 {
		return Decision{Limit: cfg.Limit, Scope: ScopePrincipal}
	}
	return Decision{}
}
