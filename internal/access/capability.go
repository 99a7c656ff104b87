package access

import (
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/mealdrop/mealdrop/internal/apperr"
	"github.com/mealdrop/mealdrop/internal/security"
)

// Capability names an action a role may perform.
type Capability string

// Capability constants.
const (
	CapViewSubscriptions Capability = "subscriptions.view"
	CapSkip              Capability = "subscriptions.skip"
	CapPause             Capability = "subscriptions.pause"
	CapCancel            Capability = "subscriptions.cancel"
	CapBookTrial         Capability = "trials.book"
	CapViewCapacity      Capability = "capacity.view"
	CapDeclareHoliday    Capability = "holidays.declare"
	CapManageCredits     Capability = "credits.manage"
	CapViewMaintenance   Capability = "maintenance.view"
)

// Definition describes a capability and the roles holding it.
type Definition struct {
	Key    Capability      `json:"key"`
	Label  string          `json:"label"`
	Module string          `json:"module"`
	Roles  []security.Role `json:"roles"`
}

var definitions = []Definition{
	newDefinition(CapViewSubscriptions, "View subscriptions, orders and credits", "Subscriptions", security.RoleConsumer),
	newDefinition(CapSkip, "Skip a delivery", "Subscriptions", security.RoleConsumer),
	newDefinition(CapPause, "Pause or resume a subscription", "Subscriptions", security.RoleConsumer),
	newDefinition(CapCancel, "Cancel a subscription", "Subscriptions", security.RoleConsumer),
	newDefinition(CapBookTrial, "Book or cancel a trial", "Trials", security.RoleConsumer),
	newDefinition(CapViewCapacity, "View vendor capacity", "Vendors", security.RoleConsumer, security.RoleVendor),
	newDefinition(CapDeclareHoliday, "Declare vendor holidays", "Vendors", security.RoleVendor),
	newDefinition(CapManageCredits, "Grant and void credits", "Credits"),
	newDefinition(CapViewMaintenance, "View maintenance runs", "Maintenance"),
}

var definitionMap = buildDefinitionMap(definitions)

// newDefinition builds a Definition. Admins hold every capability implicitly.
func newDefinition(key Capability, label, module string, roles ...security.Role) Definition {
	return Definition{Key: key, Label: label, Module: module, Roles: roles}
}

func buildDefinitionMap(defs []Definition) map[Capability]Definition {
	out := make(map[Capability]Definition, len(defs))
	for _, def := range defs {
		out[def.Key] = def
	}
	return out
}

// Definitions returns a copy of all capability definitions sorted by key.
func Definitions() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Allows reports whether role holds the capability.
func Allows(role security.Role, capability Capability) bool {
	if role == security.RoleAdmin {
		return true
	}
	def, ok := definitionMap[capability]
	if !ok {
		return false
	}
	for _, r := range def.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Check returns NotAuthenticated for an empty principal and Unauthorized when
// its role lacks the capability.
func Check(p Principal, capability Capability) error {
	if p.IsZero() {
		return apperr.New(apperr.KindNotAuthenticated, "authentication required")
	}
	if !Allows(p.Role, capability) {
		return apperr.New(apperr.KindUnauthorized, "role may not perform this action").
			With("capability", string(capability))
	}
	return nil
}

// Require is the capability middleware applied in front of every mutating route.
func Require(capability Capability) gin.HandlerFunc {
	return func(c *gin.Context) {
		if errCheck := Check(FromContext(c), capability); errCheck != nil {
			abort(c, errCheck)
			return
		}
		c.Next()
	}
}
