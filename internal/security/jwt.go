// Package security verifies bearer tokens and shared secrets.
package security

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role is the kind of principal a token identifies.
type Role string

// Role constants.
const (
	RoleConsumer Role = "consumer"
	RoleVendor   Role = "vendor"
	RoleAdmin    Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleConsumer, RoleVendor, RoleAdmin:
		return true
	default:
		return false
	}
}

var (
	// ErrEmptySecret indicates no signing secret is configured.
	ErrEmptySecret = errors.New("security: empty jwt secret")
	// ErrInvalidToken indicates a token failed verification.
	ErrInvalidToken = errors.New("security: invalid token")
)

// Claims are the identity claims carried by a bearer token. The subject holds
// the consumer, vendor or admin id.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// SubjectID parses the numeric subject.
func (c *Claims) SubjectID() (uint64, error) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Subject), 10, 64)
	if errParse != nil || id == 0 {
		return 0, fmt.Errorf("%w: subject %q", ErrInvalidToken, c.Subject)
	}
	return id, nil
}

// IssueToken signs an HS256 token for the principal.
func IssueToken(secret string, role Role, id uint64, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", ErrEmptySecret
	}
	if !role.Valid() || id == 0 {
		return "", fmt.Errorf("security: invalid principal %s/%d", role, id)
	}
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  strconv.FormatUint(id, 10),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken verifies an HS256 token and returns its claims.
func ParseToken(secret, raw string) (*Claims, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrEmptySecret
	}
	claims := &Claims{}
	token, errParse := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if errParse != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, errParse)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if !claims.Role.Valid() {
		return nil, fmt.Errorf("%w: role %q", ErrInvalidToken, claims.Role)
	}
	if _, errSubject := claims.SubjectID(); errSubject != nil {
		return nil, errSubject
	}
	return claims, nil
}
