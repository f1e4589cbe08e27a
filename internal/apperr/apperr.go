// Package apperr defines the error taxonomy shared by the lending services.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers and for HTTP mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindConflict
	KindUnavailable
	KindPaymentRequired
	KindInvalidSignature
	KindInvalidState
	KindForbidden
	KindInvalid
	KindUnauthorized
)

var kindNames = map[Kind]string{
	KindInternal:         "internal",
	KindNotFound:         "not_found",
	KindConflict:         "conflict",
	KindUnavailable:      "unavailable",
	KindPaymentRequired:  "payment_required",
	KindInvalidSignature: "invalid_signature",
	KindInvalidState:     "invalid_state",
	KindForbidden:        "forbidden",
	KindInvalid:          "invalid",
	KindUnauthorized:     "unauthorized",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// HTTPStatus maps a kind to the response status used by the API.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindUnavailable:
		return http.StatusConflict
	case KindPaymentRequired:
		return http.StatusPaymentRequired
	case KindInvalidSignature, KindInvalid:
		return http.StatusBadRequest
	case KindInvalidState:
		return http.StatusUnprocessableEntity
	case KindForbidden:
		return http.StatusForbidden
	case KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified error. Code narrows a kind, e.g. a Conflict with
// code "already_reserved".
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind, and on code when the target carries one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

var (
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrConflict         = &Error{Kind: KindConflict}
	ErrUnavailable      = &Error{Kind: KindUnavailable, Message: "no copies available"}
	ErrPaymentRequired  = &Error{Kind: KindPaymentRequired, Message: "outstanding fine must be paid first"}
	ErrInvalidSignature = &Error{Kind: KindInvalidSignature, Message: "signature verification failed"}
	ErrInvalidState     = &Error{Kind: KindInvalidState}
	ErrForbidden        = &Error{Kind: KindForbidden}
	ErrInvalid          = &Error{Kind: KindInvalid}
	ErrUnauthorized     = &Error{Kind: KindUnauthorized}

	ErrAlreadyReserved    = &Error{Kind: KindConflict, Code: "already_reserved", Message: "book already reserved by user"}
	ErrMaxBorrowsExceeded = &Error{Kind: KindConflict, Code: "max_borrows_exceeded", Message: "maximum active borrows reached"}
)

// New builds a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf reports the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Code reports the code of the first classified error in err's chain.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Message returns the client-safe message for err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" {
			return e.Message
		}
		return e.Kind.String()
	}
	return "the server encountered a problem and could not process your request"
}

// IsStale reports whether err signals a lost conditional update.
func IsStale(err error) bool {
	return errors.Is(err, ErrInvalidState)
}
