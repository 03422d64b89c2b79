// Package apperr defines the error kinds shared by the store, the audit trail
// and the domain services, and maps them onto HTTP responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Kind classifies an application error.
type Kind string

const (
	KindNotFound               Kind = "NOT_FOUND"
	KindOptimisticLockConflict Kind = "OPTIMISTIC_LOCK_CONFLICT"
	KindConflict               Kind = "CONFLICT"
	KindBusinessRule           Kind = "BUSINESS_RULE_VIOLATION"
	KindAuthorization          Kind = "AUTHORIZATION_DENIED"
	KindValidation             Kind = "VALIDATION"
	KindStore                  Kind = "STORE"
)

// Error carries a kind, a human-readable message and optional structured
// context (the offending field, the expected and actual state).
type Error struct {
	Kind     Kind
	Message  string
	Field    string
	Expected string
	Actual   string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// PublicMessage is the message safe to hand to an external caller. Store
// failures never leak the underlying driver error.
func (e *Error) PublicMessage() string {
	if e.Kind == KindStore {
		return "storage operation failed"
	}
	return e.Message
}

// WithField attaches the name of the offending input field.
func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

// WithState attaches the required and the observed state.
func (e *Error) WithState(expected, actual string) *Error {
	e.Expected = expected
	e.Actual = actual
	return e
}

func NotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %s not found", entity, id)}
}

func OptimisticLock(entity, id string, version int) *Error {
	return &Error{
		Kind:     KindOptimisticLockConflict,
		Message:  fmt.Sprintf("%s %s was modified concurrently", entity, id),
		Expected: fmt.Sprintf("version %d", version),
	}
}

func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func BusinessRule(format string, args ...any) *Error {
	return &Error{Kind: KindBusinessRule, Message: fmt.Sprintf(format, args...)}
}

func Forbidden(format string, args ...any) *Error {
	return &Error{Kind: KindAuthorization, Message: fmt.Sprintf(format, args...)}
}

func Validation(field, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: fmt.Sprintf(format, args...)}
}

// Store wraps an opaque storage failure.
func Store(op string, err error) *Error {
	return &Error{Kind: KindStore, Message: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindStore
// for any other non-nil error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindStore
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a kind onto a response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindOptimisticLockConflict, KindConflict:
		return http.StatusConflict
	case KindBusinessRule:
		return http.StatusUnprocessableEntity
	case KindAuthorization:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Body is the JSON error envelope returned by handlers.
type Body struct {
	Code     Kind   `json:"code"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

// ToHTTP converts err into an *echo.HTTPError carrying a Body.
func ToHTTP(err error) *echo.HTTPError {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	var ae *Error
	if !errors.As(err, &ae) {
		ae = Store("unexpected error", err)
	}
	return echo.NewHTTPError(HTTPStatus(ae.Kind), Body{
		Code:     ae.Kind,
		Message:  ae.PublicMessage(),
		Field:    ae.Field,
		Expected: ae.Expected,
		Actual:   ae.Actual,
	})
}
