package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"TradeEngine/internal/bus"
	"TradeEngine/internal/event"
	"TradeEngine/internal/idempotency"
	"TradeEngine/internal/ledger"
	"TradeEngine/internal/observability"
	"TradeEngine/internal/persistence"
	"TradeEngine/internal/risk"
	"TradeEngine/internal/snapshot"
	"TradeEngine/internal/venue"
)

// Config tunes the submission pipeline.
type Config struct {
	SubmitTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 5 * time.Second
	}
}

// Intent is a caller's order as it arrives on the wire, before
// canonicalization and normalization.
type Intent struct {
	IdempotencyKey string
	Venue          string
	Symbol         string
	Side           venue.Side
	Type           venue.OrderType
	Quantity       decimal.Decimal
	Price          decimal.Decimal
}

// Receipt is the engine's answer for one order, also served to duplicate
// submissions of the same idempotency key.
type Receipt struct {
	OrderID       uuid.UUID       `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	VenueOrderID  string          `json:"venue_order_id,omitempty"`
	Venue         string          `json:"venue"`
	Symbol        string          `json:"symbol"`
	Status        string          `json:"status"`
	RejectCode    string          `json:"reject_code,omitempty"`
	RejectReason  string          `json:"reject_reason,omitempty"`
	Fills         []venue.Fill    `json:"fills,omitempty"`
	Equity        decimal.Decimal `json:"equity"`
	Duplicate     bool            `json:"duplicate,omitempty"`
}

// OrderLog is the durable record the engine writes through. Satisfied by
// *persistence.Store; tests substitute an in-memory fake.
type OrderLog interface {
	InsertOrder(ctx context.Context, row persistence.OrderRow) error
	UpdateOrderOutcome(ctx context.Context, orderID uuid.UUID, status, venueOrderID, rejectCode, rejectReason string) error
	InsertFill(ctx context.Context, f venue.Fill, source string) error
	GetOrder(ctx context.Context, orderID uuid.UUID) (persistence.OrderRow, bool, error)
	FillsForOrder(ctx context.Context, venueOrderID string) ([]venue.Fill, error)
}

// Engine routes order intents through idempotency, admission, the venue
// and the ledger. One instance per process.
type Engine struct {
	cfg       Config
	guard     *idempotency.Guard
	checker   *risk.Checker
	registry  *venue.Registry
	health    *venue.HealthTracker
	portfolio *ledger.Portfolio
	store     OrderLog
	bus       *bus.Bus
	saver     *snapshot.Saver
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// Deps collects the engine's collaborators. Saver and Metrics may be nil
// in tests.
type Deps struct {
	Guard     *idempotency.Guard
	Checker   *risk.Checker
	Registry  *venue.Registry
	Health    *venue.HealthTracker
	Portfolio *ledger.Portfolio
	Store     OrderLog
	Bus       *bus.Bus
	Saver     *snapshot.Saver
	Metrics   *observability.Metrics
	Logger    zerolog.Logger
}

func New(cfg Config, deps Deps) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:       cfg,
		guard:     deps.Guard,
		checker:   deps.Checker,
		registry:  deps.Registry,
		health:    deps.Health,
		portfolio: deps.Portfolio,
		store:     deps.Store,
		bus:       deps.Bus,
		saver:     deps.Saver,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
	}
}

// Portfolio exposes the ledger for the query surface.
func (e *Engine) Portfolio() *ledger.Portfolio { return e.portfolio }

// Health exposes venue breaker views for the query surface.
func (e *Engine) Health() *venue.HealthTracker { return e.health }

// Submit is the single entry point for order intents. Concurrent and
// repeated submissions with the same idempotency key resolve to one venue
// order and one receipt.
func (e *Engine) Submit(ctx context.Context, intent Intent) (*Receipt, error) {
	if intent.IdempotencyKey == "" {
		return nil, &RejectedError{Code: CodeMissingKey, Reason: "missing idempotency key"}
	}

	flight, leader := e.guard.Begin(intent.IdempotencyKey)
	if !leader {
		e.countDuplicate("memory")
		out, err := flight.Wait(ctx)
		receipt, _ := out.(*Receipt)
		if receipt != nil {
			dup := *receipt
			dup.Duplicate = true
			receipt = &dup
		}
		if err != nil {
			// Terminal outcomes replay with the leader's receipt so the
			// duplicate response matches the original byte for byte.
			return receipt, err
		}
		if receipt == nil {
			return nil, fmt.Errorf("idempotency flight held unexpected outcome")
		}
		return receipt, nil
	}

	receipt, err := e.execute(ctx, intent)
	if err != nil && !terminalOutcome(err) {
		// Retryable failure: release waiters but let a retry with the
		// same key execute again.
		e.guard.Abandon(intent.IdempotencyKey, err)
	} else {
		e.guard.Complete(intent.IdempotencyKey, receipt, err)
	}
	return receipt, err
}

// terminalOutcome reports whether the error may be cached against the
// idempotency key. Deterministic rejections and ledger halts are
// terminal; transport-level failures are not.
func terminalOutcome(err error) bool {
	if _, ok := IsRejected(err); ok {
		return true
	}
	return IsHalted(err)
}

func (e *Engine) execute(ctx context.Context, intent Intent) (*Receipt, error) {
	started := time.Now()
	intent.Venue = strings.ToUpper(strings.TrimSpace(intent.Venue))

	// Durable tier: a key from before the last restart maps to an
	// existing order.
	if orderID, found, err := e.guard.LookupDurable(ctx, intent.IdempotencyKey); err != nil {
		return nil, &UnavailableError{Venue: intent.Venue, Err: fmt.Errorf("idempotency lookup: %w", err)}
	} else if found {
		e.countDuplicate("durable")
		receipt, err := e.receiptFromStore(ctx, orderID)
		if err != nil {
			return nil, &UnavailableError{Venue: intent.Venue, Err: err}
		}
		receipt.Duplicate = true
		return receipt, nil
	}

	if halted, reason := e.portfolio.Halted(); halted {
		return nil, &RejectedError{Code: CodeLedgerHalted, Reason: reason}
	}

	sym, err := venue.Canonicalize(intent.Symbol, intent.Venue)
	if err != nil {
		return nil, e.reject(intent, uuid.Nil, CodeUnknownSymbol, err.Error())
	}
	if sym.Venue != intent.Venue {
		return nil, e.reject(intent, uuid.Nil, CodeUnknownSymbol,
			"symbol "+sym.String()+" does not belong to venue "+intent.Venue)
	}
	canonical := sym.String()

	client, ok := e.registry.Lookup(intent.Venue)
	if !ok {
		return nil, e.reject(intent, uuid.Nil, CodeUnknownVenue, "no adapter configured for venue "+intent.Venue)
	}
	rules, ok := client.Rules(canonical)
	if !ok {
		return nil, e.reject(intent, uuid.Nil, CodeUnknownSymbol, "no trading rules for "+canonical+" on "+intent.Venue)
	}

	effectivePrice := intent.Price
	if intent.Type == venue.OrderTypeMarket {
		mark, ok := e.portfolio.MarkPrice(canonical)
		if !ok {
			return nil, e.reject(intent, uuid.Nil, CodeNoMarkPrice, "no mark price for "+canonical)
		}
		effectivePrice = mark
	}

	orderID := uuid.New()
	req := venue.OrderRequest{
		OrderID:       orderID,
		ClientOrderID: orderID.String(),
		Symbol:        canonical,
		VenueSymbol:   sym.Pair(),
		Side:          intent.Side,
		Type:          intent.Type,
		Quantity:      intent.Quantity,
		Price:         intent.Price,
	}
	if rejected := normalize(&req, rules, effectivePrice); rejected != nil {
		return nil, e.reject(intent, orderID, rejected.Code, rejected.Reason)
	}

	decision := e.checker.Check(risk.Request{
		Symbol:         canonical,
		Venue:          intent.Venue,
		Side:           intent.Side,
		Quantity:       req.Quantity,
		EffectivePrice: effectivePrice,
	}, e.portfolio.View())
	if !decision.Admitted {
		return nil, e.reject(intent, orderID, decision.Code, decision.Reason)
	}

	if !e.health.Admit(intent.Venue) {
		e.publish(event.OrderRejected{
			OrderID: orderID,
			Venue:   intent.Venue,
			Symbol:  canonical,
			Code:    risk.CodeVenueBreakerOpen,
			Reason:  "circuit breaker open for venue " + intent.Venue,
			At:      time.Now().UTC(),
		})
		e.countRejected(intent.Venue, risk.CodeVenueBreakerOpen)
		return nil, &UnavailableError{Venue: intent.Venue, Err: errors.New("circuit breaker open")}
	}

	e.countSubmitted(intent.Venue, string(intent.Type))

	// Write-ahead: the intent is durable before the venue sees it, so a
	// crash mid-call leaves a row for reconciliation to resolve.
	row := persistence.OrderRow{
		OrderID:        orderID,
		IdempotencyKey: intent.IdempotencyKey,
		ClientOrderID:  req.ClientOrderID,
		Venue:          intent.Venue,
		Symbol:         canonical,
		Side:           string(intent.Side),
		OrderType:      string(intent.Type),
		Quantity:       req.Quantity,
		Price:          req.Price,
		Status:         persistence.OrderStatusSubmitting,
	}
	if err := e.store.InsertOrder(ctx, row); err != nil {
		return nil, &UnavailableError{Venue: intent.Venue, Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	ack, submitErr := client.SubmitOrder(callCtx, req)
	cancel()

	receipt := &Receipt{
		OrderID:       orderID,
		ClientOrderID: req.ClientOrderID,
		Venue:         intent.Venue,
		Symbol:        canonical,
	}

	vr, isRejection := venue.IsRejection(submitErr)

	switch {
	case submitErr == nil:
		e.recordVenueOutcome(intent.Venue, true, "")
		return e.acceptOrder(ctx, receipt, req, ack, started)

	case isRejection:
		// The venue answered; the call path is healthy.
		e.recordVenueOutcome(intent.Venue, true, "")
		rejected := rejectedFromVenue(vr)
		e.finishOrder(ctx, orderID, persistence.OrderStatusRejected, "", rejected.Code, rejected.Reason)
		e.publish(event.OrderRejected{
			OrderID: orderID,
			Venue:   intent.Venue,
			Symbol:  canonical,
			Code:    rejected.Code,
			Reason:  rejected.Reason,
			At:      time.Now().UTC(),
		})
		e.countRejected(intent.Venue, rejected.Code)
		receipt.Status = persistence.OrderStatusRejected
		receipt.RejectCode = rejected.Code
		receipt.RejectReason = rejected.Reason
		return receipt, rejected

	case venue.IsAmbiguous(submitErr):
		e.recordVenueOutcome(intent.Venue, false, "ambiguous")
		e.finishOrder(ctx, orderID, persistence.OrderStatusPending, "", "", "")
		e.publish(event.OrderPending{
			OrderID:       orderID,
			ClientOrderID: req.ClientOrderID,
			Venue:         intent.Venue,
			Symbol:        canonical,
			At:            time.Now().UTC(),
		})
		if e.metrics != nil {
			e.metrics.OrdersPending.WithLabelValues(intent.Venue).Inc()
		}
		e.logger.Warn().
			Str("order_id", orderID.String()).
			Str("venue", intent.Venue).
			Err(submitErr).
			Msg("venue outcome unknown, order pending reconciliation")
		receipt.Status = persistence.OrderStatusPending
		receipt.Equity = e.portfolio.Equity()
		return receipt, nil

	default:
		e.recordVenueOutcome(intent.Venue, false, "unavailable")
		e.finishOrder(ctx, orderID, persistence.OrderStatusFailed, "", "", submitErr.Error())
		return nil, &UnavailableError{Venue: intent.Venue, Err: submitErr}
	}
}

// acceptOrder records the venue's ack and applies any synchronous fills.
func (e *Engine) acceptOrder(ctx context.Context, receipt *Receipt, req venue.OrderRequest, ack venue.SubmitAck, started time.Time) (*Receipt, error) {
	status := persistence.OrderStatusAccepted
	if ack.Status == "FILLED" {
		status = persistence.OrderStatusFilled
	}
	e.finishOrder(ctx, req.OrderID, status, ack.VenueOrderID, "", "")

	e.publish(event.OrderAccepted{
		OrderID:       req.OrderID,
		ClientOrderID: req.ClientOrderID,
		VenueOrderID:  ack.VenueOrderID,
		Venue:         receipt.Venue,
		Symbol:        req.Symbol,
		Side:          req.Side,
		OrderType:     req.Type,
		Quantity:      req.Quantity,
		Price:         req.Price,
		Status:        ack.Status,
		At:            time.Now().UTC(),
	})
	if e.metrics != nil {
		e.metrics.OrdersAccepted.WithLabelValues(receipt.Venue).Inc()
		e.metrics.SubmitDuration.WithLabelValues(receipt.Venue).Observe(time.Since(started).Seconds())
	}

	receipt.Status = status
	receipt.VenueOrderID = ack.VenueOrderID

	for _, fill := range ack.Fills {
		applied, err := e.applyFill(ctx, fill, "submit")
		if err != nil {
			receipt.Equity = e.portfolio.Equity()
			return receipt, err
		}
		if applied {
			receipt.Fills = append(receipt.Fills, fill)
		}
	}
	receipt.Equity = e.portfolio.Equity()
	return receipt, nil
}

// applyFill runs one fill through the ledger, the durable log and the bus.
func (e *Engine) applyFill(ctx context.Context, f venue.Fill, source string) (bool, error) {
	applied, err := e.portfolio.ApplyFill(f)
	if err != nil {
		if IsHalted(err) {
			if e.metrics != nil {
				e.metrics.LedgerHalted.Set(1)
			}
			e.logger.Error().Err(err).Str("fill_id", f.ID).Msg("ledger halted on invariant violation")
		}
		return applied, err
	}
	if !applied {
		return false, nil
	}

	if err := e.store.InsertFill(ctx, f, source); err != nil {
		// The ledger already holds the fill; losing the row would desync
		// recovery, so surface loudly and keep going.
		e.logger.Error().Err(err).Str("fill_id", f.ID).Msg("durable fill write failed")
	}

	view := e.portfolio.View()
	e.publish(event.FillApplied{
		Fill:   f,
		Cash:   view.Cash[view.ValuationCcy],
		Equity: view.Equity,
		Source: source,
		At:     time.Now().UTC(),
	})
	if e.metrics != nil {
		e.metrics.FillsApplied.WithLabelValues(f.Venue, source).Inc()
		e.metrics.Equity.Set(view.Equity.InexactFloat64())
		e.metrics.TotalExposure.Set(view.TotalExposure.InexactFloat64())
	}
	if e.saver != nil {
		e.saver.Trigger()
	}
	return true, nil
}

// ApplyExternalFill lets reconciliation feed fills discovered by venue
// queries through the same path as synchronous fills.
func (e *Engine) ApplyExternalFill(ctx context.Context, f venue.Fill) (bool, error) {
	return e.applyFill(ctx, f, "reconcile")
}

// ResolvePending moves a PENDING order to its reconciled terminal status.
func (e *Engine) ResolvePending(ctx context.Context, orderID uuid.UUID, status, venueOrderID string) error {
	return e.store.UpdateOrderOutcome(ctx, orderID, status, venueOrderID, "", "")
}

// reject persists (when an order ID exists), publishes and counts a
// deterministic rejection, returning the error for the caller.
func (e *Engine) reject(intent Intent, orderID uuid.UUID, code, reason string) error {
	e.publish(event.OrderRejected{
		OrderID: orderID,
		Venue:   intent.Venue,
		Symbol:  intent.Symbol,
		Code:    code,
		Reason:  reason,
		At:      time.Now().UTC(),
	})
	e.countRejected(intent.Venue, code)
	return &RejectedError{Code: code, Reason: reason}
}

func (e *Engine) finishOrder(ctx context.Context, orderID uuid.UUID, status, venueOrderID, code, reason string) {
	if err := e.store.UpdateOrderOutcome(ctx, orderID, status, venueOrderID, code, reason); err != nil {
		e.logger.Error().Err(err).Str("order_id", orderID.String()).Str("status", status).Msg("order status update failed")
	}
}

// recordVenueOutcome feeds the breaker and publishes transitions.
func (e *Engine) recordVenueOutcome(venueName string, success bool, errClass string) {
	var from, to venue.BreakerState
	if success {
		from, to = e.health.RecordSuccess(venueName)
	} else {
		from, to = e.health.RecordFailure(venueName)
		if e.metrics != nil {
			e.metrics.VenueErrors.WithLabelValues(venueName, errClass).Inc()
		}
	}
	if e.metrics != nil {
		e.metrics.BreakerState.WithLabelValues(venueName).Set(float64(to))
	}
	if from != to {
		e.logger.Info().
			Str("venue", venueName).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("circuit breaker transition")
		e.publish(event.BreakerTransition{Venue: venueName, From: from, To: to, At: time.Now().UTC()})
	}
}

// receiptFromStore rebuilds a receipt for a durable duplicate.
func (e *Engine) receiptFromStore(ctx context.Context, orderID uuid.UUID) (*Receipt, error) {
	row, found, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("order %s indexed by idempotency key but missing", orderID)
	}

	receipt := &Receipt{
		OrderID:       row.OrderID,
		ClientOrderID: row.ClientOrderID,
		Venue:         row.Venue,
		Symbol:        row.Symbol,
		Status:        row.Status,
		Equity:        e.portfolio.Equity(),
	}
	if row.VenueOrderID.Valid {
		receipt.VenueOrderID = row.VenueOrderID.String
		fills, err := e.store.FillsForOrder(ctx, row.VenueOrderID.String)
		if err != nil {
			return nil, err
		}
		receipt.Fills = fills
	}
	if row.RejectCode.Valid {
		receipt.RejectCode = row.RejectCode.String
	}
	if row.RejectReason.Valid {
		receipt.RejectReason = row.RejectReason.String
	}
	return receipt, nil
}

func (e *Engine) publish(ev event.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

func (e *Engine) countDuplicate(tier string) {
	if e.metrics != nil {
		e.metrics.DuplicateHits.WithLabelValues(tier).Inc()
	}
}

func (e *Engine) countSubmitted(venueName, orderType string) {
	if e.metrics != nil {
		e.metrics.OrdersSubmitted.WithLabelValues(venueName, orderType).Inc()
	}
}

func (e *Engine) countRejected(venueName, code string) {
	if e.metrics != nil {
		e.metrics.OrdersRejected.WithLabelValues(venueName, code).Inc()
	}
}

// snapshotFailureEscalation is the consecutive failed-save count at which
// housekeeping escalates snapshot trouble to an error log.
const snapshotFailureEscalation = 3

// Housekeep sweeps expired idempotency entries, refreshes gauges and
// escalates persistent snapshot failures. Run it on its own goroutine.
func (e *Engine) Housekeep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastDrops := make(map[string]int64)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.guard.Sweep()
			if e.saver != nil {
				if n := e.saver.Failures(); n >= snapshotFailureEscalation {
					e.logger.Error().Int64("consecutive_failures", n).
						Msg("snapshot saves failing persistently, recovery will rely on fill replay")
				}
			}
			if e.metrics == nil {
				continue
			}
			e.metrics.GuardedInFlight.Set(float64(e.guard.Len()))
			if e.bus != nil {
				for sub, total := range e.bus.Dropped() {
					if delta := total - lastDrops[sub]; delta > 0 {
						e.metrics.BusDrops.WithLabelValues(sub).Add(float64(delta))
					}
					lastDrops[sub] = total
				}
			}
			view := e.portfolio.View()
			e.metrics.Equity.Set(view.Equity.InexactFloat64())
			e.metrics.TotalExposure.Set(view.TotalExposure.InexactFloat64())
		}
	}
}
