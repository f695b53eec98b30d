package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"TradeEngine/internal/venue"
)

// Type discriminates event payloads on the bus and in the audit log.
type Type int32

const (
	TypeUnknown Type = iota
	TypeOrderAccepted
	TypeOrderRejected
	TypeOrderPending
	TypeFillApplied
	TypeDriftDetected
	TypeBreakerTransition
	TypeReconcileCompleted
)

func (t Type) String() string {
	switch t {
	case TypeOrderAccepted:
		return "OrderAccepted"
	case TypeOrderRejected:
		return "OrderRejected"
	case TypeOrderPending:
		return "OrderPending"
	case TypeFillApplied:
		return "FillApplied"
	case TypeDriftDetected:
		return "DriftDetected"
	case TypeBreakerTransition:
		return "BreakerTransition"
	case TypeReconcileCompleted:
		return "ReconcileCompleted"
	default:
		return "Unknown"
	}
}

// Event is implemented by every payload published on the bus.
type Event interface {
	EventType() Type
	OccurredAt() time.Time
}

// OrderAccepted is published when a venue accepted an order. Fills, if the
// venue filled synchronously, ride on separate FillApplied events.
type OrderAccepted struct {
	OrderID       uuid.UUID
	ClientOrderID string
	VenueOrderID  string
	Venue         string
	Symbol        string
	Side          venue.Side
	OrderType     venue.OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	Status        string
	At            time.Time
}

func (e OrderAccepted) EventType() Type       { return TypeOrderAccepted }
func (e OrderAccepted) OccurredAt() time.Time { return e.At }

// OrderRejected is published for admission and venue rejections alike;
// Code is the stable machine-readable reason.
type OrderRejected struct {
	OrderID uuid.UUID
	Venue   string
	Symbol  string
	Code    string
	Reason  string
	At      time.Time
}

func (e OrderRejected) EventType() Type       { return TypeOrderRejected }
func (e OrderRejected) OccurredAt() time.Time { return e.At }

// OrderPending is published when a venue call timed out with unknown
// outcome and the order was handed to reconciliation.
type OrderPending struct {
	OrderID       uuid.UUID
	ClientOrderID string
	Venue         string
	Symbol        string
	At            time.Time
}

func (e OrderPending) EventType() Type       { return TypeOrderPending }
func (e OrderPending) OccurredAt() time.Time { return e.At }

// FillApplied is published after the ledger accepted a fill. Cash and
// Equity carry the post-fill portfolio state.
type FillApplied struct {
	Fill   venue.Fill
	Cash   decimal.Decimal
	Equity decimal.Decimal
	Source string // "submit" or "reconcile"
	At     time.Time
}

func (e FillApplied) EventType() Type       { return TypeFillApplied }
func (e FillApplied) OccurredAt() time.Time { return e.At }

// DriftDetected signals that a venue-reported quantity disagrees with the
// ledger. Operator-visible; never auto-corrected.
type DriftDetected struct {
	Venue     string
	Asset     string
	VenueQty  decimal.Decimal
	LedgerQty decimal.Decimal
	At        time.Time
}

func (e DriftDetected) EventType() Type       { return TypeDriftDetected }
func (e DriftDetected) OccurredAt() time.Time { return e.At }

// BreakerTransition records a circuit-breaker state change for a venue.
type BreakerTransition struct {
	Venue string
	From  venue.BreakerState
	To    venue.BreakerState
	At    time.Time
}

func (e BreakerTransition) EventType() Type       { return TypeBreakerTransition }
func (e BreakerTransition) OccurredAt() time.Time { return e.At }

// ReconcileCompleted summarizes one reconciliation pass.
type ReconcileCompleted struct {
	FillsApplied    int
	PendingResolved int
	DriftCount      int
	Duration        time.Duration
	At              time.Time
}

func (e ReconcileCompleted) EventType() Type       { return TypeReconcileCompleted }
func (e ReconcileCompleted) OccurredAt() time.Time { return e.At }
