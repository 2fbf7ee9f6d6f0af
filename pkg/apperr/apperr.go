// Package apperr defines the behavioral error kinds shared across the
// trading core (spec §7). Recoverable kinds are returned to callers with a
// stable machine-readable code; Invariant is never returned as such — it is
// logged with full context and surfaces to callers as an opaque failure.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	Validation       Code = "validation"
	InsufficientFund Code = "insufficient_funds"
	NoLiquidity      Code = "no_liquidity"
	Overloaded       Code = "overloaded"
	NotFound         Code = "not_found"
	Forbidden        Code = "forbidden"
	Invariant        Code = "invariant"
)

type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an *Error. A final error argument, if present, is wrapped as
// the cause.
func New(code Code, format string, args ...any) *Error {
	var cause error
	if n := len(args); n > 0 {
		if err, ok := args[n-1].(error); ok {
			cause = err
			args = args[:n-1]
		}
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Is reports whether err is an *Error with the given code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// HTTPStatus maps a code to the REST status codes of spec §6/§7.
func HTTPStatus(code Code) int {
	switch code {
	case Validation:
		return http.StatusBadRequest
	case InsufficientFund:
		return http.StatusPaymentRequired
	case NoLiquidity:
		return http.StatusConflict
	case Overloaded:
		return http.StatusServiceUnavailable
	case NotFound:
		return http.StatusNotFound
	case Forbidden:
		return http.StatusForbidden
	default:
		// Invariant and anything unrecognized never surfaces as itself.
		return http.StatusInternalServerError
	}
}
