package protocol

import (
	"errors"
	"fmt"
)

// Category groups reasons by how a caller is expected to react.
type Category string

const (
	CategoryAuth       Category = "auth"
	CategoryValidation Category = "validation"
	CategoryRace       Category = "race"
	CategoryTransport  Category = "transport"
	CategoryTimeout    Category = "timeout"
	CategoryInternal   Category = "internal"
)

// Reason is the machine-readable code sent on the wire.
type Reason string

const (
	ReasonInvalidToken       Reason = "invalid_token"
	ReasonExpiredToken       Reason = "expired_token"
	ReasonUserNotFound       Reason = "user_not_found"
	ReasonTooManyConnections Reason = "too_many_connections"
	ReasonUnauthenticated    Reason = "unauthenticated"

	ReasonAlreadyPending   Reason = "already_pending"
	ReasonAlreadyMember    Reason = "already_member"
	ReasonCapacityExceeded Reason = "capacity_exceeded"
	ReasonUnauthorized     Reason = "unauthorized"
	ReasonNotFound         Reason = "not_found"
	ReasonInvalidRequest   Reason = "invalid_request"
	ReasonRateLimited      Reason = "rate_limited"
	ReasonUnknownEvent     Reason = "unknown_event"

	ReasonAlreadyResolved Reason = "already_resolved"

	ReasonDisconnected Reason = "disconnected"
	ReasonTimeout      Reason = "timeout"
	ReasonInternal     Reason = "internal_error"
)

var categories = map[Reason]Category{
	ReasonInvalidToken:       CategoryAuth,
	ReasonExpiredToken:       CategoryAuth,
	ReasonUserNotFound:       CategoryAuth,
	ReasonTooManyConnections: CategoryAuth,
	ReasonUnauthenticated:    CategoryAuth,
	ReasonAlreadyPending:     CategoryValidation,
	ReasonAlreadyMember:      CategoryValidation,
	ReasonCapacityExceeded:   CategoryValidation,
	ReasonUnauthorized:       CategoryValidation,
	ReasonNotFound:           CategoryValidation,
	ReasonInvalidRequest:     CategoryValidation,
	ReasonRateLimited:        CategoryValidation,
	ReasonUnknownEvent:       CategoryValidation,
	ReasonAlreadyResolved:    CategoryRace,
	ReasonDisconnected:       CategoryTransport,
	ReasonTimeout:            CategoryTimeout,
	ReasonInternal:           CategoryInternal,
}

// CategoryOf returns the category of a reason; unknown reasons are internal.
func CategoryOf(r Reason) Category {
	if c, ok := categories[r]; ok {
		return c
	}
	return CategoryInternal
}

// Error is a typed protocol failure. Two errors match with errors.Is when
// their reasons are equal.
type Error struct {
	Category Category
	Reason   Reason
	Message  string
}

// NewError builds an Error for reason with an optional human message.
func NewError(reason Reason, message string) *Error {
	return &Error{Category: CategoryOf(reason), Reason: reason, Message: message}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Reason == e.Reason
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidToken       = NewError(ReasonInvalidToken, "")
	ErrExpiredToken       = NewError(ReasonExpiredToken, "")
	ErrUserNotFound       = NewError(ReasonUserNotFound, "")
	ErrUnauthenticated    = NewError(ReasonUnauthenticated, "")
	ErrAlreadyPending     = NewError(ReasonAlreadyPending, "")
	ErrAlreadyMember      = NewError(ReasonAlreadyMember, "")
	ErrCapacityExceeded   = NewError(ReasonCapacityExceeded, "")
	ErrUnauthorized       = NewError(ReasonUnauthorized, "")
	ErrNotFound           = NewError(ReasonNotFound, "")
	ErrAlreadyResolved    = NewError(ReasonAlreadyResolved, "")
	ErrInvalidRequest     = NewError(ReasonInvalidRequest, "")
	ErrRateLimited        = NewError(ReasonRateLimited, "")
	ErrTimeout            = NewError(ReasonTimeout, "Request timeout")
	ErrDisconnected       = NewError(ReasonDisconnected, "")
	ErrInternal           = NewError(ReasonInternal, "")
	ErrTooManyConnections = NewError(ReasonTooManyConnections, "")
)

// AsError extracts a *Error from err. Anything that is not a protocol error
// is reported as internal_error so internals never leak to clients.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return NewError(ReasonInternal, "internal error")
}
