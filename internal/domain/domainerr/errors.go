// Package domainerr defines the error kinds shared by every service and their
// mapping onto HTTP status codes.
package domainerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a domain failure.
type Kind string

const (
	KindValidation             Kind = "validation_error"
	KindInvalidRequest         Kind = "invalid_request"
	KindInvalidState           Kind = "invalid_state"
	KindExpired                Kind = "expired"
	KindExhaustedDispensations Kind = "exhausted_dispensations"
	KindRefillNotDue           Kind = "refill_not_due"
	KindUnauthorized           Kind = "unauthorized"
	KindForbidden              Kind = "forbidden"
	KindNotFound               Kind = "not_found"
	KindConflict               Kind = "conflict"
)

// Error is a classified domain failure with a client-facing message.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

// Is matches any *Error of the same kind, so sentinels compare by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// Terminal marks domain failures as not worth retrying.
func (e *Error) Terminal() bool { return true }

// New returns an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func InvalidRequest(format string, args ...any) *Error {
	return New(KindInvalidRequest, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return New(KindForbidden, format, args...)
}

func Unauthorized(format string, args ...any) *Error {
	return New(KindUnauthorized, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return New(KindConflict, format, args...)
}

// Kind-only sentinels for errors.Is checks.
var (
	ErrValidation     = &Error{Kind: KindValidation}
	ErrInvalidRequest = &Error{Kind: KindInvalidRequest}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrForbidden      = &Error{Kind: KindForbidden}
	ErrUnauthorized   = &Error{Kind: KindUnauthorized}
	ErrConflict       = &Error{Kind: KindConflict}
)

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return "", false
}

// HTTPStatus maps err onto a response code. Unclassified errors are 500.
func HTTPStatus(err error) int {
	kind, ok := KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case KindValidation, KindInvalidRequest, KindInvalidState,
		KindExpired, KindExhaustedDispensations, KindRefillNotDue:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
