package venue

import (
	"errors"
	"fmt"
)

// RejectionError is an exchange-side business rejection. Not retryable
// without changing the order.
type RejectionError struct {
	Venue     string
	VenueCode string // venue's own code, surfaced verbatim
	Message   string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("venue %s rejected order (code=%s): %s", e.Venue, e.VenueCode, e.Message)
}

// UnavailableError is a transient transport failure where the request
// cannot have reached the exchange. Retryable with the same idempotency key.
type UnavailableError struct {
	Venue string
	Err   error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("venue %s unavailable: %v", e.Venue, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// AmbiguousError means the request may have reached the exchange but the
// outcome is unknown (timeout, connection dropped mid-flight). Must NOT be
// blindly retried; only reconciliation can resolve it.
type AmbiguousError struct {
	Venue string
	Err   error
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("venue %s: outcome unknown: %v", e.Venue, e.Err)
}

func (e *AmbiguousError) Unwrap() error { return e.Err }

// IsRejection reports whether err is a venue business rejection.
func IsRejection(err error) (*RejectionError, bool) {
	var re *RejectionError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// IsUnavailable reports whether err is a retryable transport failure.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// IsAmbiguous reports whether err left the submission outcome unknown.
func IsAmbiguous(err error) bool {
	var ae *AmbiguousError
	return errors.As(err, &ae)
}
