package ratelimit

import "strings"

// SubjectFor picks the counter a decision charges. ok is false when the
// request is not limited.
func SubjectFor(role string, principalID uint64, decision Decision) (Subject, bool) {
	role = strings.TrimSpace(role)
	if role == "" || principalID == 0 || decision.Limit <= 0 {
		return Subject{}, false
	}
	switch decision.Scope {
	case ScopeAction:
		if decision.Action == "" {
			return Subject{}, false
		}
		return Subject{Role: role, PrincipalID: principalID, Action: decision.Action}, true
	case ScopePrincipal:
		return Subject{Role: role, PrincipalID: principalID}, true
	default:
		return Subject{}, false
	}
}
