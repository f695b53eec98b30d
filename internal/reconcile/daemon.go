package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"TradeEngine/internal/bus"
	"TradeEngine/internal/engine"
	"TradeEngine/internal/event"
	"TradeEngine/internal/ledger"
	"TradeEngine/internal/observability"
	"TradeEngine/internal/persistence"
	"TradeEngine/internal/risk"
	"TradeEngine/internal/venue"
)

// Daemon states.
const (
	StateStartup  = "STARTUP_RECONCILE"
	StateSteady   = "STEADY_STATE"
	StateRunning  = "RECONCILE_RUN"
	StateDegraded = "DEGRADED"
)

// Config tunes the reconciliation loop.
type Config struct {
	Interval       time.Duration
	QueryOverlap   time.Duration   // look-back beyond the fill cursor
	DriftTolerance decimal.Decimal // absolute quantity tolerance per asset
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.QueryOverlap <= 0 {
		c.QueryOverlap = 5 * time.Minute
	}
	if c.DriftTolerance.Sign() <= 0 {
		c.DriftTolerance = decimal.RequireFromString("0.00000001")
	}
}

// PendingSource lists orders whose venue outcome is still unknown.
// Satisfied by *persistence.Store.
type PendingSource interface {
	PendingOrders(ctx context.Context) ([]persistence.OrderRow, error)
}

// ErrPassInProgress is returned by RunManual when a pass already holds
// the reconciliation lock.
var ErrPassInProgress = errors.New("reconciliation pass already running")

// Result summarizes one reconciliation pass.
type Result struct {
	FillsApplied    int    `json:"fills_applied"`
	PendingResolved int    `json:"pending_resolved"`
	Drift           int    `json:"drift"`
	Took            string `json:"took"`
}

// Daemon periodically compares venue truth against the ledger: it applies
// fills the submit path missed, resolves orders stranded in PENDING, and
// flags position drift without ever auto-correcting it.
type Daemon struct {
	cfg       Config
	registry  *venue.Registry
	eng       *engine.Engine
	store     PendingSource
	portfolio *ledger.Portfolio
	limits    risk.Limits
	bus       *bus.Bus
	metrics   *observability.Metrics
	logger    zerolog.Logger

	// passMu serializes passes: the interval loop, startup and manual
	// runs never overlap.
	passMu sync.Mutex
	state  atomic.Value // string
}

func NewDaemon(cfg Config, registry *venue.Registry, eng *engine.Engine, store PendingSource,
	portfolio *ledger.Portfolio, limits risk.Limits, b *bus.Bus,
	metrics *observability.Metrics, logger zerolog.Logger) *Daemon {

	cfg.applyDefaults()
	d := &Daemon{
		cfg:       cfg,
		registry:  registry,
		eng:       eng,
		store:     store,
		portfolio: portfolio,
		limits:    limits,
		bus:       b,
		metrics:   metrics,
		logger:    logger,
	}
	d.state.Store(StateStartup)
	return d
}

// State returns the daemon's current lifecycle state.
func (d *Daemon) State() string {
	return d.state.Load().(string)
}

// RunManual executes one synchronous pass and returns its counts, for
// the operator endpoint. A pass already holding the lock wins and the
// caller gets ErrPassInProgress.
func (d *Daemon) RunManual(ctx context.Context) (Result, error) {
	if !d.passMu.TryLock() {
		return Result{}, ErrPassInProgress
	}
	defer d.passMu.Unlock()
	return d.lockedPass(ctx, "manual")
}

// RunStartup executes the blocking startup pass. The caller gates
// readiness on its completion; order submission stays closed until venue
// truth and ledger agree.
func (d *Daemon) RunStartup(ctx context.Context) error {
	d.passMu.Lock()
	defer d.passMu.Unlock()

	d.state.Store(StateStartup)
	_, err := d.pass(ctx, "startup")
	if err != nil {
		d.state.Store(StateDegraded)
		return err
	}
	d.state.Store(StateSteady)
	return nil
}

// Run loops steady-state passes until the context ends.
func (d *Daemon) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.passMu.Lock()
			if _, err := d.lockedPass(ctx, "interval"); err != nil {
				d.logger.Error().Err(err).Msg("reconciliation pass failed")
			}
			d.passMu.Unlock()
		}
	}
}

// lockedPass runs one pass and moves the state machine. Callers hold
// passMu.
func (d *Daemon) lockedPass(ctx context.Context, trigger string) (Result, error) {
	d.state.Store(StateRunning)
	res, err := d.pass(ctx, trigger)
	if err != nil {
		d.state.Store(StateDegraded)
		if d.metrics != nil {
			d.metrics.ReconcileDegraded.Set(1)
		}
		return res, err
	}
	d.state.Store(StateSteady)
	if d.metrics != nil {
		d.metrics.ReconcileDegraded.Set(0)
	}
	return res, nil
}

// pass runs one full reconciliation: missed fills, pending orders, drift.
func (d *Daemon) pass(ctx context.Context, trigger string) (Result, error) {
	started := time.Now()
	if d.metrics != nil {
		d.metrics.ReconcileRuns.WithLabelValues(trigger).Inc()
	}

	var firstErr error
	var res Result

	for _, name := range d.registry.Names() {
		client, _ := d.registry.Lookup(name)

		n, err := d.sweepFills(ctx, client)
		res.FillsApplied += n
		if err != nil && firstErr == nil {
			firstErr = err
		}

		n, err = d.resolvePending(ctx, client)
		res.PendingResolved += n
		if err != nil && firstErr == nil {
			firstErr = err
		}

		n, err = d.checkDrift(ctx, client)
		res.Drift += n
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	took := time.Since(started)
	res.Took = took.String()
	if d.metrics != nil {
		d.metrics.ReconcileDuration.Observe(took.Seconds())
	}
	if d.bus != nil {
		d.bus.Publish(event.ReconcileCompleted{
			FillsApplied:    res.FillsApplied,
			PendingResolved: res.PendingResolved,
			DriftCount:      res.Drift,
			Duration:        took,
			At:              time.Now().UTC(),
		})
	}
	d.logger.Info().
		Str("trigger", trigger).
		Int("fills_applied", res.FillsApplied).
		Int("pending_resolved", res.PendingResolved).
		Int("drift", res.Drift).
		Dur("took", took).
		Msg("reconciliation pass complete")
	return res, firstErr
}

// venueSymbols returns the allowlisted symbols traded on one venue.
func (d *Daemon) venueSymbols(venueName string) []string {
	var out []string
	for symStr := range d.limits.AllowedSymbols {
		sym, err := venue.ParseSymbol(symStr)
		if err != nil {
			continue
		}
		if sym.Venue == venueName {
			out = append(out, symStr)
		}
	}
	return out
}

// sweepFills queries recent venue fills and applies any the ledger has
// not seen. The overlap window absorbs clock skew between us and the
// venue; duplicates are no-ops in the ledger.
func (d *Daemon) sweepFills(ctx context.Context, client venue.Client) (int, error) {
	applied := 0
	since := d.portfolio.Cursor(client.Name()).Add(-d.cfg.QueryOverlap)

	for _, symbol := range d.venueSymbols(client.Name()) {
		fills, err := client.QueryFills(ctx, symbol, since)
		if err != nil {
			return applied, err
		}
		for _, f := range fills {
			ok, err := d.eng.ApplyExternalFill(ctx, f)
			if err != nil {
				return applied, err
			}
			if ok {
				applied++
				if d.metrics != nil {
					d.metrics.ReconcileFills.Inc()
				}
				d.logger.Warn().
					Str("fill_id", f.ID).
					Str("venue", f.Venue).
					Str("symbol", f.Symbol).
					Msg("applied fill missed by submit path")
			}
		}
	}
	return applied, nil
}

// resolvePending settles orders whose venue outcome was ambiguous at
// submit time.
func (d *Daemon) resolvePending(ctx context.Context, client venue.Client) (int, error) {
	pending, err := d.store.PendingOrders(ctx)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, row := range pending {
		if row.Venue != client.Name() {
			continue
		}

		ack, found, err := client.QueryOrder(ctx, row.Symbol, row.ClientOrderID)
		if err != nil {
			return resolved, err
		}

		if !found {
			// The venue never received it; the order is dead and the key
			// stays bound to this terminal outcome.
			if err := d.eng.ResolvePending(ctx, row.OrderID, persistence.OrderStatusFailed, ""); err != nil {
				return resolved, err
			}
			resolved++
			d.logger.Info().Str("order_id", row.OrderID.String()).Msg("pending order never reached venue, marked failed")
			continue
		}

		status := persistence.OrderStatusAccepted
		if ack.Status == "FILLED" {
			status = persistence.OrderStatusFilled
		}
		for _, f := range ack.Fills {
			if _, err := d.eng.ApplyExternalFill(ctx, f); err != nil {
				return resolved, err
			}
		}
		if err := d.eng.ResolvePending(ctx, row.OrderID, status, ack.VenueOrderID); err != nil {
			return resolved, err
		}
		resolved++
		d.logger.Info().
			Str("order_id", row.OrderID.String()).
			Str("status", status).
			Msg("pending order resolved from venue")
	}
	return resolved, nil
}

// checkDrift compares venue-reported holdings against ledger positions
// per base asset. Drift is reported, never auto-corrected.
func (d *Daemon) checkDrift(ctx context.Context, client venue.Client) (int, error) {
	symbols := d.venueSymbols(client.Name())
	if len(symbols) == 0 {
		return 0, nil
	}

	reports, err := client.QueryPositions(ctx)
	if err != nil {
		return 0, err
	}
	venueQty := make(map[string]decimal.Decimal, len(reports))
	for _, r := range reports {
		venueQty[r.Asset] = r.Qty
	}

	// Ledger quantities per base asset, restricted to this venue's
	// symbols so multi-venue books do not cross-contaminate.
	ledgerQty := make(map[string]decimal.Decimal)
	view := d.portfolio.View()
	for _, pos := range view.Positions {
		sym, err := venue.ParseSymbol(pos.Symbol)
		if err != nil || sym.Venue != client.Name() {
			continue
		}
		ledgerQty[sym.Base] = ledgerQty[sym.Base].Add(pos.Qty)
	}

	// Compare over the venue's tradable base assets so drift is caught in
	// both directions, including assets the ledger believes are flat.
	assets := make(map[string]struct{}, len(symbols))
	for _, symStr := range symbols {
		if sym, err := venue.ParseSymbol(symStr); err == nil {
			assets[sym.Base] = struct{}{}
		}
	}

	drift := 0
	for asset := range assets {
		want := ledgerQty[asset]
		got := venueQty[asset]
		if want.Sub(got).Abs().GreaterThan(d.cfg.DriftTolerance) {
			drift++
			if d.metrics != nil {
				d.metrics.DriftDetected.Inc()
			}
			if d.bus != nil {
				d.bus.Publish(event.DriftDetected{
					Venue:     client.Name(),
					Asset:     asset,
					VenueQty:  got,
					LedgerQty: want,
					At:        time.Now().UTC(),
				})
			}
			d.logger.Error().
				Str("venue", client.Name()).
				Str("asset", asset).
				Str("venue_qty", got.String()).
				Str("ledger_qty", want.String()).
				Msg("position drift detected")
		}
	}
	return drift, nil
}
