// Package apperr defines the error taxonomy surfaced by the subscription engine.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an engine error.
type Kind string

// Kind constants.
const (
	KindNotAuthenticated    Kind = "not_authenticated"
	KindUnauthorized        Kind = "unauthorized"
	KindNotFound            Kind = "not_found"
	KindCutoffPassed        Kind = "cutoff_passed"
	KindLimitExceeded       Kind = "limit_exceeded"
	KindInvalidWindow       Kind = "invalid_window"
	KindCooldownActive      Kind = "cooldown_active"
	KindConflictState       Kind = "conflict_state"
	KindTransientStoreError Kind = "transient_store_error"
	KindInvalidInput        Kind = "invalid_input"
)

// Sentinels for errors.Is checks against a kind.
var (
	ErrNotAuthenticated    = &Error{Kind: KindNotAuthenticated}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrCutoffPassed        = &Error{Kind: KindCutoffPassed}
	ErrLimitExceeded       = &Error{Kind: KindLimitExceeded}
	ErrInvalidWindow       = &Error{Kind: KindInvalidWindow}
	ErrCooldownActive      = &Error{Kind: KindCooldownActive}
	ErrConflictState       = &Error{Kind: KindConflictState}
	ErrTransientStoreError = &Error{Kind: KindTransientStoreError}
	ErrInvalidInput        = &Error{Kind: KindInvalidInput}
)

// Error is a classified engine error. Details carries boundary values
// (cutoff time, cooldown end, remaining skips) for actionable messages.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	cause   error
}

// New builds an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an error of the given kind around cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// With returns a copy of e carrying an extra detail.
func (e *Error) With(key string, value any) *Error {
	out := *e
	out.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		out.Details[k] = v
	}
	out.Details[key] = value
	return &out
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error with the same kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

// KindOf returns the kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// NotFound is shorthand for a not-found error naming the entity.
func NotFound(entity string) *Error {
	return New(KindNotFound, entity+" not found")
}

// Conflict is shorthand for a conflicting-state error.
func Conflict(message string) *Error {
	return New(KindConflictState, message)
}

// Invalid is shorthand for an input validation error.
func Invalid(message string) *Error {
	return New(KindInvalidInput, message)
}

// HTTPStatus maps an error to the response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotAuthenticated:
		return http.StatusUnauthorized
	case KindUnauthorized:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflictState:
		return http.StatusConflict
	case KindCutoffPassed, KindLimitExceeded, KindInvalidWindow, KindCooldownActive:
		return http.StatusUnprocessableEntity
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindTransientStoreError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
