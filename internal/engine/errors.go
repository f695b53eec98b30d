package engine

import (
	"errors"
	"fmt"

	"TradeEngine/internal/ledger"
	"TradeEngine/internal/venue"
)

// Rejection codes produced by the router itself, on top of the admission
// checker's set.
const (
	CodeMissingKey    = "MISSING_IDEMPOTENCY_KEY"
	CodeUnknownVenue  = "UNKNOWN_VENUE"
	CodeUnknownSymbol = "UNKNOWN_SYMBOL"
	CodeQtyBelowMin   = "QTY_BELOW_MIN"
	CodeNoMarkPrice   = "NO_MARK_PRICE"
	CodeLedgerHalted  = "LEDGER_HALTED"
	CodeVenueRejected = "VENUE_REJECTED"
)

// RejectedError is a terminal, deterministic rejection: admission checks,
// venue rule violations, or an explicit venue refusal. Safe to cache per
// idempotency key because resubmitting the same order yields the same
// answer.
type RejectedError struct {
	Code   string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("order rejected [%s]: %s", e.Code, e.Reason)
}

// UnavailableError means the order never reached the venue. Retryable
// with the same idempotency key.
type UnavailableError struct {
	Venue string
	Err   error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("venue %s unavailable: %v", e.Venue, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// IsRejected reports whether err is a terminal rejection.
func IsRejected(err error) (*RejectedError, bool) {
	var re *RejectedError
	ok := errors.As(err, &re)
	return re, ok
}

// IsUnavailable reports whether err is a retryable venue failure.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// IsHalted reports whether err means the ledger stopped on an invariant
// violation.
func IsHalted(err error) bool {
	if errors.Is(err, ledger.ErrHalted) {
		return true
	}
	var ie *ledger.InvariantError
	return errors.As(err, &ie)
}

func rejectedFromVenue(err *venue.RejectionError) *RejectedError {
	return &RejectedError{
		Code:   CodeVenueRejected,
		Reason: fmt.Sprintf("venue %s code %s: %s", err.Venue, err.VenueCode, err.Message),
	}
}
