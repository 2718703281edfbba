package reservations

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by Service wraps exactly one of these, so
// callers branch with errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrInvalidState    = errors.New("invalid state")
	ErrForbidden       = errors.New("forbidden")
	ErrDeliveryFailure = errors.New("delivery failure")
)

// reasonError carries a human-readable reason and the kind it belongs to.
type reasonError struct {
	kind   error
	reason string
}

func (e *reasonError) Error() string {
	return e.reason
}

func (e *reasonError) Unwrap() error {
	return e.kind
}

func newReason(kind error, reason string) error {
	return &reasonError{kind: kind, reason: reason}
}

var (
	ErrTableNotFound        = newReason(ErrNotFound, "table not found")
	ErrTableUnavailable     = newReason(ErrInvalidState, "table is not available")
	ErrDuplicateTable       = newReason(ErrConflict, "a table with this number already exists")
	ErrInvalidTable         = newReason(ErrInvalidState, "table number and capacity must be positive")
	ErrReservationNotFound  = newReason(ErrNotFound, "reservation not found or you do not have permission to cancel it")
	ErrDuplicateReservation = newReason(ErrConflict, "you already have a reservation for this table at the specified time")
	ErrAlreadyCancelled     = newReason(ErrConflict, "this reservation is already cancelled")
	ErrMissingDate          = newReason(ErrInvalidState, "date is required")
	ErrInvalidDate          = newReason(ErrInvalidState, "date must use the YYYY-MM-DD format")
	ErrMissingTime          = newReason(ErrInvalidState, "time is required")
	ErrInvalidTime          = newReason(ErrInvalidState, "time must use the HH:MM format")
	ErrPastDate             = newReason(ErrInvalidState, "reservation date cannot be in the past")
	ErrUnexpectedTableField = newReason(ErrInvalidState, "table is not required in the request body")
	ErrEntryNotFound        = newReason(ErrNotFound, "waitlist entry not found")
	ErrAlreadyWaitlisted    = newReason(ErrConflict, "you are already on the waitlist for this table and date")
	ErrEntryNotNotified     = newReason(ErrInvalidState, "only notified waitlist entries can be confirmed")
	ErrEntryClosed          = newReason(ErrConflict, "this waitlist entry is already closed")
	ErrUnauthenticated      = newReason(ErrForbidden, "authentication required")
	ErrStaffOnly            = newReason(ErrForbidden, "authentication and staff privileges required")
	ErrUserNotFound         = newReason(ErrNotFound, "user not found")
)

// ServiceError tags a failure with a stable code of the form
// reservations.<operation>.<reason>.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Reason returns the user-facing explanation carried by err, or an empty
// string when err is an internal failure that should not be shown.
func Reason(err error) string {
	var reason *reasonError
	if errors.As(err, &reason) {
		return reason.reason
	}
	return ""
}

// Code returns the ServiceError code carried by err, if any.
func Code(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}
