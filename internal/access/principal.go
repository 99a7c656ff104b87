// Package access resolves the calling principal and checks ownership before
// any engine mutation runs.
package access

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mealdrop/mealdrop/internal/apperr"
	"github.com/mealdrop/mealdrop/internal/http/api/respond"
	"github.com/mealdrop/mealdrop/internal/security"
)

const principalKey = "principal"

// Principal is the authenticated caller.
type Principal struct {
	Role security.Role `json:"role"`
	ID   uint64        `json:"id"`
}

// IsZero reports whether no principal was authenticated.
func (p Principal) IsZero() bool {
	return p.ID == 0 || !p.Role.Valid()
}

// IsAdmin reports whether the principal is a platform administrator.
func (p Principal) IsAdmin() bool {
	return p.Role == security.RoleAdmin && p.ID != 0
}

// Is reports whether the principal has role and id.
func (p Principal) Is(role security.Role, id uint64) bool {
	return p.Role == role && p.ID == id && id != 0
}

// FromClaims builds a principal from verified token claims.
func FromClaims(claims *security.Claims) (Principal, error) {
	if claims == nil {
		return Principal{}, apperr.New(apperr.KindNotAuthenticated, "missing claims")
	}
	id, errSubject := claims.SubjectID()
	if errSubject != nil {
		return Principal{}, apperr.Wrap(apperr.KindNotAuthenticated, "invalid token subject", errSubject)
	}
	return Principal{Role: claims.Role, ID: id}, nil
}

// Middleware verifies the bearer token and stores the principal on the context.
func Middleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abort(c, apperr.New(apperr.KindNotAuthenticated, "missing authorization header"))
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			abort(c, apperr.New(apperr.KindNotAuthenticated, "invalid authorization format"))
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			abort(c, apperr.New(apperr.KindNotAuthenticated, "empty token"))
			return
		}

		claims, errJWT := security.ParseToken(secret, token)
		if errJWT != nil {
			abort(c, apperr.Wrap(apperr.KindNotAuthenticated, "invalid token", errJWT))
			return
		}
		principal, errPrincipal := FromClaims(claims)
		if errPrincipal != nil {
			abort(c, errPrincipal)
			return
		}

		c.Set(principalKey, principal)
		c.Next()
	}
}

// FromContext returns the principal stored by Middleware.
func FromContext(c *gin.Context) Principal {
	if c == nil {
		return Principal{}
	}
	v, ok := c.Get(principalKey)
	if !ok {
		return Principal{}
	}
	p, _ := v.(Principal)
	return p
}

// WithPrincipal stores p on the context. Tests and internal callers use it to
// bypass token parsing.
func WithPrincipal(c *gin.Context, p Principal) {
	c.Set(principalKey, p)
}

func abort(c *gin.Context, err error) {
	respond.Error(c, err)
}
