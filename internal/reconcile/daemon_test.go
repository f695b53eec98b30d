package reconcile_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"TradeEngine/internal/bus"
	"TradeEngine/internal/engine"
	"TradeEngine/internal/event"
	"TradeEngine/internal/idempotency"
	"TradeEngine/internal/ledger"
	"TradeEngine/internal/persistence"
	"TradeEngine/internal/reconcile"
	"TradeEngine/internal/risk"
	"TradeEngine/internal/testutil"
	"TradeEngine/internal/venue"
)

const paperSym = "BTC-USDT.PAPER"

// fakeStore backs both the engine's order log and the daemon's pending
// order source.
type fakeStore struct {
	mu      sync.Mutex
	orders  map[uuid.UUID]persistence.OrderRow
	fills   map[string][]venue.Fill
	pendErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders: make(map[uuid.UUID]persistence.OrderRow),
		fills:  make(map[string][]venue.Fill),
	}
}

func (s *fakeStore) InsertOrder(_ context.Context, row persistence.OrderRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[row.OrderID] = row
	return nil
}

func (s *fakeStore) UpdateOrderOutcome(_ context.Context, orderID uuid.UUID, status, venueOrderID, rejectCode, rejectReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.orders[orderID]
	row.OrderID = orderID
	row.Status = status
	if venueOrderID != "" {
		row.VenueOrderID = sql.NullString{String: venueOrderID, Valid: true}
	}
	if rejectCode != "" {
		row.RejectCode = sql.NullString{String: rejectCode, Valid: true}
	}
	if rejectReason != "" {
		row.RejectReason = sql.NullString{String: rejectReason, Valid: true}
	}
	s.orders[orderID] = row
	return nil
}

func (s *fakeStore) InsertFill(_ context.Context, f venue.Fill, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills[f.OrderID] = append(s.fills[f.OrderID], f)
	return nil
}

func (s *fakeStore) GetOrder(_ context.Context, orderID uuid.UUID) (persistence.OrderRow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.orders[orderID]
	return row, ok, nil
}

func (s *fakeStore) FillsForOrder(_ context.Context, venueOrderID string) ([]venue.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fills[venueOrderID], nil
}

func (s *fakeStore) PendingOrders(_ context.Context) ([]persistence.OrderRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendErr != nil {
		return nil, s.pendErr
	}
	var out []persistence.OrderRow
	for _, row := range s.orders {
		if row.Status == persistence.OrderStatusPending {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *fakeStore) status(t *testing.T, orderID uuid.UUID) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.orders[orderID]
	require.True(t, ok)
	return row.Status
}

type fixture struct {
	daemon    *reconcile.Daemon
	paper     *venue.PaperClient
	store     *fakeStore
	portfolio *ledger.Portfolio
	bus       *bus.Bus
	events    *eventSink
}

type eventSink struct {
	mu     sync.Mutex
	events []event.Event
}

func (s *eventSink) handle(ev event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) ofType(typ event.Type) []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.Event
	for _, ev := range s.events {
		if ev.EventType() == typ {
			out = append(out, ev)
		}
	}
	return out
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	paper := newPaperVenue()
	return newFixtureWith(t, paper, paper)
}

func newPaperVenue() *venue.PaperClient {
	paper := venue.NewPaperClient("PAPER", map[string]venue.Rules{
		paperSym: {QtyStep: decimal.RequireFromString("0.001")},
	})
	paper.SetMarkPrice(paperSym, decimal.RequireFromString("100"))
	return paper
}

// newFixtureWith registers client as the venue adapter; paper is the
// underlying simulator tests drive directly.
func newFixtureWith(t *testing.T, client venue.Client, paper *venue.PaperClient) *fixture {
	t.Helper()

	registry := venue.NewRegistry()
	require.NoError(t, registry.Register(client))

	limits := risk.DefaultLimits()
	limits.AllowedSymbols[paperSym] = struct{}{}

	portfolio := ledger.NewPortfolio("USDT")
	portfolio.Deposit("USDT", testutil.Dec(t, "100000"))

	store := newFakeStore()
	sink := &eventSink{}
	b := bus.New(zerolog.Nop())
	b.Subscribe("sink", 128, sink.handle)

	eng := engine.New(engine.Config{}, engine.Deps{
		Guard:     idempotency.NewGuard(time.Minute, nil),
		Checker:   risk.NewChecker(limits),
		Registry:  registry,
		Health:    venue.NewHealthTracker(5, time.Minute),
		Portfolio: portfolio,
		Store:     store,
		Bus:       b,
		Logger:    zerolog.Nop(),
	})

	daemon := reconcile.NewDaemon(reconcile.Config{}, registry, eng, store,
		portfolio, limits, b, nil, zerolog.Nop())

	return &fixture{
		daemon:    daemon,
		paper:     paper,
		store:     store,
		portfolio: portfolio,
		bus:       b,
		events:    sink,
	}
}

// venueFill executes an order directly on the paper venue, bypassing the
// engine, so the venue holds truth the ledger has not seen.
func venueFill(t *testing.T, paper *venue.PaperClient, qty string) venue.SubmitAck {
	t.Helper()
	ack, err := paper.SubmitOrder(context.Background(), venue.OrderRequest{
		OrderID:     uuid.New(),
		Symbol:      paperSym,
		VenueSymbol: "BTC-USDT",
		Side:        venue.SideBuy,
		Type:        venue.OrderTypeMarket,
		Quantity:    decimal.RequireFromString(qty),
	})
	require.NoError(t, err)
	return ack
}

func TestStartup_AppliesMissedFills(t *testing.T) {
	fx := newFixture(t)
	ack := venueFill(t, fx.paper, "1")

	require.NoError(t, fx.daemon.RunStartup(context.Background()))
	require.Equal(t, reconcile.StateSteady, fx.daemon.State())

	require.True(t, fx.portfolio.HasFill(ack.Fills[0].ID))
	require.Equal(t, int64(1), fx.portfolio.View().FillCount)
}

func TestPass_ResolvesPendingOrderFoundAtVenue(t *testing.T) {
	fx := newFixture(t)

	orderID := uuid.New()
	ack, err := fx.paper.SubmitOrder(context.Background(), venue.OrderRequest{
		OrderID:     orderID,
		Symbol:      paperSym,
		VenueSymbol: "BTC-USDT",
		Side:        venue.SideBuy,
		Type:        venue.OrderTypeMarket,
		Quantity:    decimal.RequireFromString("1"),
	})
	require.NoError(t, err)

	require.NoError(t, fx.store.InsertOrder(context.Background(), persistence.OrderRow{
		OrderID:       orderID,
		ClientOrderID: orderID.String(),
		Venue:         "PAPER",
		Symbol:        paperSym,
		Status:        persistence.OrderStatusPending,
	}))

	require.NoError(t, fx.daemon.RunStartup(context.Background()))

	require.Equal(t, persistence.OrderStatusFilled, fx.store.status(t, orderID))
	require.True(t, fx.portfolio.HasFill(ack.Fills[0].ID))
}

func TestPass_MarksUnknownPendingOrderFailed(t *testing.T) {
	fx := newFixture(t)

	orderID := uuid.New()
	require.NoError(t, fx.store.InsertOrder(context.Background(), persistence.OrderRow{
		OrderID:       orderID,
		ClientOrderID: orderID.String(),
		Venue:         "PAPER",
		Symbol:        paperSym,
		Status:        persistence.OrderStatusPending,
	}))

	require.NoError(t, fx.daemon.RunStartup(context.Background()))
	require.Equal(t, persistence.OrderStatusFailed, fx.store.status(t, orderID))
}

func TestPass_ReportsDriftWithoutCorrecting(t *testing.T) {
	fx := newFixture(t)

	// Venue holds 1 BTC from this fill; the ledger recorded 2 under the
	// same fill ID, so reconciliation sees it as already applied.
	ack := venueFill(t, fx.paper, "1")
	f := ack.Fills[0]
	f.Quantity = decimal.RequireFromString("2")
	_, err := fx.portfolio.ApplyFill(f)
	require.NoError(t, err)

	require.NoError(t, fx.daemon.RunStartup(context.Background()))
	fx.bus.Close()

	drifts := fx.events.ofType(event.TypeDriftDetected)
	require.Len(t, drifts, 1)
	drift := drifts[0].(event.DriftDetected)
	require.Equal(t, "BTC", drift.Asset)
	require.True(t, drift.VenueQty.Equal(decimal.RequireFromString("1")))
	require.True(t, drift.LedgerQty.Equal(decimal.RequireFromString("2")))

	// The ledger still says 2: drift is reported, never auto-corrected.
	require.Len(t, fx.portfolio.View().Positions, 1)
	require.True(t, fx.portfolio.View().Positions[0].Qty.Equal(decimal.RequireFromString("2")))
}

func TestStartup_FailurePutsDaemonInDegraded(t *testing.T) {
	fx := newFixture(t)
	fx.store.pendErr = errors.New("db down")

	require.Error(t, fx.daemon.RunStartup(context.Background()))
	require.Equal(t, reconcile.StateDegraded, fx.daemon.State())
}

func TestRunManual_ReturnsCounts(t *testing.T) {
	fx := newFixture(t)
	venueFill(t, fx.paper, "1")

	res, err := fx.daemon.RunManual(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.FillsApplied)
	require.Equal(t, 0, res.PendingResolved)
	require.Equal(t, 0, res.Drift)
	require.Equal(t, reconcile.StateSteady, fx.daemon.State())

	// Nothing new at the venue: a second pass reports zero work.
	res, err = fx.daemon.RunManual(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, res.FillsApplied)
}

// gatedVenue blocks fill queries until released, holding a pass open.
type gatedVenue struct {
	*venue.PaperClient
	gate chan struct{}
}

func (g *gatedVenue) QueryFills(ctx context.Context, symbol string, since time.Time) ([]venue.Fill, error) {
	<-g.gate
	return g.PaperClient.QueryFills(ctx, symbol, since)
}

func TestRunManual_RejectsConcurrentPass(t *testing.T) {
	paper := newPaperVenue()
	gated := &gatedVenue{PaperClient: paper, gate: make(chan struct{})}
	fx := newFixtureWith(t, gated, paper)

	firstDone := make(chan error, 1)
	go func() {
		_, err := fx.daemon.RunManual(context.Background())
		firstDone <- err
	}()
	require.Eventually(t, func() bool {
		return fx.daemon.State() == reconcile.StateRunning
	}, time.Second, 5*time.Millisecond)

	_, err := fx.daemon.RunManual(context.Background())
	require.ErrorIs(t, err, reconcile.ErrPassInProgress)

	close(gated.gate)
	require.NoError(t, <-firstDone)
	require.Equal(t, reconcile.StateSteady, fx.daemon.State())
}

func TestPass_PublishesCompletionEvent(t *testing.T) {
	fx := newFixture(t)
	venueFill(t, fx.paper, "1")

	require.NoError(t, fx.daemon.RunStartup(context.Background()))
	fx.bus.Close()

	completed := fx.events.ofType(event.TypeReconcileCompleted)
	require.Len(t, completed, 1)
	require.Equal(t, 1, completed[0].(event.ReconcileCompleted).FillsApplied)
}
