// Package apperr classifies failures into the kinds the HTTP layer maps to
// status codes.
package apperr

import (
	"errors"
	"net/http"
)

// Kind is the failure category of an error.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindAuthorization
	KindConflict
	KindCapacity
	KindNetwork
	KindToken
	KindLocked
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindAuthorization:
		return "authorization"
	case KindConflict:
		return "conflict"
	case KindCapacity:
		return "capacity"
	case KindNetwork:
		return "network"
	case KindToken:
		return "token"
	case KindLocked:
		return "locked"
	default:
		return "internal"
	}
}

// Error carries a Kind alongside a message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a kind and message to err. A nil err yields nil.
func Wrap(kind Kind, message string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf reports the kind of the outermost classified error in the chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	if k, ok := err.(interface{ Kind() Kind }); ok {
		return k.Kind()
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var kinded interface{ Kind() Kind }
	if errors.As(err, &kinded) {
		return kinded.Kind()
	}
	return KindInternal
}

// HTTPStatus maps an error to its response code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAuthorization, KindCapacity:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindToken:
		return http.StatusUnauthorized
	case KindLocked:
		return http.StatusTooManyRequests
	case KindNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
