package engine_test

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

	"TradeEngine/internal/engine"
	"TradeEngine/internal/idempotency"
	"TradeEngine/internal/ledger"
	"TradeEngine/internal/persistence"
	"TradeEngine/internal/risk"
	"TradeEngine/internal/testutil"
	"TradeEngine/internal/venue"
)

const paperSym = "BTC-USDT.PAPER"

// memLog is an in-memory OrderLog so engine tests run without Postgres.
type memLog struct {
	mu     sync.Mutex
	orders map[uuid.UUID]persistence.OrderRow
	byKey  map[string]uuid.UUID
	fills  map[string][]venue.Fill
}

func newMemLog() *memLog {
	return &memLog{
		orders: make(map[uuid.UUID]persistence.OrderRow),
		byKey:  make(map[string]uuid.UUID),
		fills:  make(map[string][]venue.Fill),
	}
}

func (m *memLog) InsertOrder(_ context.Context, row persistence.OrderRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.orders[row.OrderID]; exists {
		return nil
	}
	row.CreatedAt = time.Now().UTC()
	row.UpdatedAt = row.CreatedAt
	m.orders[row.OrderID] = row
	m.byKey[row.IdempotencyKey] = row.OrderID
	return nil
}

func (m *memLog) UpdateOrderOutcome(_ context.Context, orderID uuid.UUID, status, venueOrderID, rejectCode, rejectReason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.orders[orderID]
	if !ok {
		return nil
	}
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
	row.UpdatedAt = time.Now().UTC()
	m.orders[orderID] = row
	return nil
}

func (m *memLog) InsertFill(_ context.Context, f venue.Fill, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fills[f.OrderID] = append(m.fills[f.OrderID], f)
	return nil
}

func (m *memLog) GetOrder(_ context.Context, orderID uuid.UUID) (persistence.OrderRow, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.orders[orderID]
	return row, ok, nil
}

func (m *memLog) FillsForOrder(_ context.Context, venueOrderID string) ([]venue.Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fills[venueOrderID], nil
}

// LookupOrder makes memLog usable as the guard's cold tier too.
func (m *memLog) LookupOrder(_ context.Context, key string) (uuid.UUID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[key]
	return id, ok, nil
}

func (m *memLog) order(t *testing.T, orderID uuid.UUID) persistence.OrderRow {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.orders[orderID]
	require.True(t, ok, "order %s not in log", orderID)
	return row
}

func (m *memLog) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

// stubClient returns a fixed error from SubmitOrder, for failure-path tests.
type stubClient struct {
	name string
	err  error
}

func (s *stubClient) Name() string { return s.name }

func (s *stubClient) Rules(string) (venue.Rules, bool) {
	return venue.Rules{
		QtyStep:     decimal.RequireFromString("0.001"),
		PriceTick:   decimal.RequireFromString("0.01"),
		MinNotional: decimal.RequireFromString("10"),
	}, true
}

func (s *stubClient) SubmitOrder(context.Context, venue.OrderRequest) (venue.SubmitAck, error) {
	return venue.SubmitAck{}, s.err
}

func (s *stubClient) QueryOrder(context.Context, string, string) (venue.SubmitAck, bool, error) {
	return venue.SubmitAck{}, false, nil
}

func (s *stubClient) QueryFills(context.Context, string, time.Time) ([]venue.Fill, error) {
	return nil, nil
}

func (s *stubClient) QueryPositions(context.Context) ([]venue.PositionReport, error) {
	return nil, nil
}

type harness struct {
	eng       *engine.Engine
	log       *memLog
	portfolio *ledger.Portfolio
	guard     *idempotency.Guard
	health    *venue.HealthTracker
}

// newHarness wires an engine around the given clients with permissive
// limits on their venues' BTC and ETH pairs.
func newHarness(t *testing.T, breakerThreshold int, durableLookup bool, clients ...venue.Client) *harness {
	t.Helper()

	registry := venue.NewRegistry()
	limits := risk.DefaultLimits()
	limits.MaxNotional = testutil.Dec(t, "1000000")
	limits.TotalExposureCap = testutil.Dec(t, "10000000")
	limits.OrdersPerSecond = 1000
	limits.OrderBurst = 1000
	for _, c := range clients {
		require.NoError(t, registry.Register(c))
		limits.AllowedSymbols["BTC-USDT."+c.Name()] = struct{}{}
		limits.AllowedSymbols["ETH-USDT."+c.Name()] = struct{}{}
	}

	portfolio := ledger.NewPortfolio("USDT")
	portfolio.Deposit("USDT", testutil.Dec(t, "100000"))

	log := newMemLog()
	var db idempotency.DBLookup
	if durableLookup {
		db = log
	}

	h := &harness{
		log:       log,
		portfolio: portfolio,
		guard:     idempotency.NewGuard(time.Minute, db),
		health:    venue.NewHealthTracker(breakerThreshold, time.Minute),
	}
	h.eng = engine.New(engine.Config{SubmitTimeout: time.Second}, engine.Deps{
		Guard:     h.guard,
		Checker:   risk.NewChecker(limits),
		Registry:  registry,
		Health:    h.health,
		Portfolio: portfolio,
		Store:     log,
		Logger:    zerolog.Nop(),
	})
	return h
}

func newPaperHarness(t *testing.T) (*harness, *venue.PaperClient) {
	t.Helper()
	paper := venue.NewPaperClient("PAPER", map[string]venue.Rules{
		paperSym: {
			QtyStep:     decimal.RequireFromString("0.001"),
			PriceTick:   decimal.RequireFromString("0.01"),
			MinNotional: decimal.RequireFromString("10"),
		},
		"ETH-USDT.PAPER": {
			QtyStep:   decimal.RequireFromString("0.001"),
			PriceTick: decimal.RequireFromString("0.01"),
		},
	})
	paper.SetMarkPrice(paperSym, decimal.RequireFromString("100"))

	h := newHarness(t, 5, false, paper)
	require.NoError(t, h.portfolio.SetMarkPrice(paperSym, testutil.Dec(t, "100")))
	return h, paper
}

func marketIntent(key, qty string) engine.Intent {
	return engine.Intent{
		IdempotencyKey: key,
		Venue:          "PAPER",
		Symbol:         "BTC-USDT",
		Side:           venue.SideBuy,
		Type:           venue.OrderTypeMarket,
		Quantity:       decimal.RequireFromString(qty),
	}
}

func TestSubmit_MarketOrderFillsAndSettles(t *testing.T) {
	h, _ := newPaperHarness(t)

	receipt, err := h.eng.Submit(context.Background(), marketIntent("k1", "1"))
	require.NoError(t, err)
	require.Equal(t, persistence.OrderStatusFilled, receipt.Status)
	require.Len(t, receipt.Fills, 1)
	require.False(t, receipt.Duplicate)

	row := h.log.order(t, receipt.OrderID)
	require.Equal(t, persistence.OrderStatusFilled, row.Status)
	require.True(t, row.VenueOrderID.Valid)

	// Cash down by notional plus the 10bps paper fee, position marked at
	// the entry price, so equity only drops by the fee.
	require.True(t, receipt.Equity.Equal(testutil.Dec(t, "99999.9")), "equity = %s", receipt.Equity)
	require.Equal(t, int64(1), h.portfolio.View().FillCount)
}

func TestSubmit_MissingIdempotencyKey(t *testing.T) {
	h, _ := newPaperHarness(t)

	_, err := h.eng.Submit(context.Background(), marketIntent("", "1"))
	re, ok := engine.IsRejected(err)
	require.True(t, ok)
	require.Equal(t, engine.CodeMissingKey, re.Code)
}

func TestSubmit_DuplicateKeyReturnsSameOrder(t *testing.T) {
	h, _ := newPaperHarness(t)

	first, err := h.eng.Submit(context.Background(), marketIntent("k1", "1"))
	require.NoError(t, err)

	second, err := h.eng.Submit(context.Background(), marketIntent("k1", "1"))
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Equal(t, first.OrderID, second.OrderID)

	// Only one venue order, only one fill in the ledger.
	require.Equal(t, 1, h.log.count())
	require.Equal(t, int64(1), h.portfolio.View().FillCount)
}

func TestSubmit_ConcurrentDuplicatesSingleFlight(t *testing.T) {
	h, _ := newPaperHarness(t)

	const callers = 10
	receipts := make([]*engine.Receipt, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			receipts[i], errs[i] = h.eng.Submit(context.Background(), marketIntent("k1", "1"))
		}(i)
	}
	wg.Wait()

	duplicates := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, receipts[0].OrderID, receipts[i].OrderID)
		if receipts[i].Duplicate {
			duplicates++
		}
	}
	require.Equal(t, callers-1, duplicates)
	require.Equal(t, 1, h.log.count())
	require.Equal(t, int64(1), h.portfolio.View().FillCount)
}

func TestSubmit_UnknownVenue(t *testing.T) {
	h, _ := newPaperHarness(t)

	intent := marketIntent("k1", "1")
	intent.Venue = "KRAKEN"
	_, err := h.eng.Submit(context.Background(), intent)
	re, ok := engine.IsRejected(err)
	require.True(t, ok)
	require.Equal(t, engine.CodeUnknownVenue, re.Code)
}

func TestSubmit_SymbolVenueMismatch(t *testing.T) {
	h, _ := newPaperHarness(t)

	intent := marketIntent("k1", "1")
	intent.Symbol = "BTC-USDT.BINANCE"
	_, err := h.eng.Submit(context.Background(), intent)
	re, ok := engine.IsRejected(err)
	require.True(t, ok)
	require.Equal(t, engine.CodeUnknownSymbol, re.Code)
}

func TestSubmit_MarketOrderNeedsMarkPrice(t *testing.T) {
	h, _ := newPaperHarness(t)

	intent := marketIntent("k1", "1")
	intent.Symbol = "ETH-USDT"
	_, err := h.eng.Submit(context.Background(), intent)
	re, ok := engine.IsRejected(err)
	require.True(t, ok)
	require.Equal(t, engine.CodeNoMarkPrice, re.Code)
}

func TestSubmit_QuantitySnappedToStep(t *testing.T) {
	h, _ := newPaperHarness(t)

	receipt, err := h.eng.Submit(context.Background(), marketIntent("k1", "1.0005"))
	require.NoError(t, err)
	require.Len(t, receipt.Fills, 1)
	require.True(t, receipt.Fills[0].Quantity.Equal(testutil.Dec(t, "1")),
		"quantity must round down to the step, got %s", receipt.Fills[0].Quantity)
}

func TestSubmit_RiskRejectionIsCachedForKey(t *testing.T) {
	h, _ := newPaperHarness(t)

	intent := marketIntent("k1", "50000") // notional 5M, over the max
	_, err := h.eng.Submit(context.Background(), intent)
	re, ok := engine.IsRejected(err)
	require.True(t, ok)
	require.Equal(t, risk.CodeNotionalAboveMax, re.Code)

	// The same key gets the cached terminal outcome without re-executing.
	_, err = h.eng.Submit(context.Background(), intent)
	re2, ok := engine.IsRejected(err)
	require.True(t, ok)
	require.Equal(t, re.Code, re2.Code)
	require.Zero(t, h.log.count(), "rejected intents never reach the order log")
}

func TestSubmit_VenueRejectionIsTerminal(t *testing.T) {
	h, _ := newPaperHarness(t)
	require.NoError(t, h.portfolio.SetMarkPrice("ETH-USDT.PAPER", testutil.Dec(t, "50")))

	// The portfolio has a mark but the paper venue does not, so the venue
	// itself rejects the market order.
	intent := marketIntent("k1", "1")
	intent.Symbol = "ETH-USDT"
	receipt, err := h.eng.Submit(context.Background(), intent)
	re, ok := engine.IsRejected(err)
	require.True(t, ok)
	require.Equal(t, engine.CodeVenueRejected, re.Code)

	require.Equal(t, persistence.OrderStatusRejected, receipt.Status)
	row := h.log.order(t, receipt.OrderID)
	require.Equal(t, persistence.OrderStatusRejected, row.Status)
	require.True(t, row.RejectCode.Valid)

	// Breaker unaffected: the venue answered, the transport is healthy.
	require.Equal(t, venue.BreakerClosed, h.health.View("PAPER").State)
}

func TestSubmit_DuplicateOfRejectionCarriesReceipt(t *testing.T) {
	h, _ := newPaperHarness(t)
	require.NoError(t, h.portfolio.SetMarkPrice("ETH-USDT.PAPER", testutil.Dec(t, "50")))

	intent := marketIntent("k1", "1")
	intent.Symbol = "ETH-USDT"
	first, err := h.eng.Submit(context.Background(), intent)
	_, ok := engine.IsRejected(err)
	require.True(t, ok)
	require.NotNil(t, first)

	// The replay carries the leader's receipt next to the cached
	// rejection, so both responses serialize identically.
	second, err := h.eng.Submit(context.Background(), intent)
	re, ok := engine.IsRejected(err)
	require.True(t, ok)
	require.Equal(t, engine.CodeVenueRejected, re.Code)
	require.NotNil(t, second)
	require.True(t, second.Duplicate)
	require.Equal(t, first.OrderID, second.OrderID)
	require.Equal(t, persistence.OrderStatusRejected, second.Status)
	require.Equal(t, first.RejectCode, second.RejectCode)
}

func TestSubmit_AmbiguousOutcomeGoesPending(t *testing.T) {
	stub := &stubClient{name: "STUB", err: &venue.AmbiguousError{Venue: "STUB", Err: errors.New("deadline exceeded")}}
	h := newHarness(t, 5, false, stub)

	intent := marketIntent("k1", "1")
	intent.Venue = "STUB"
	intent.Price = testutil.Dec(t, "100")
	intent.Type = venue.OrderTypeLimit

	receipt, err := h.eng.Submit(context.Background(), intent)
	require.NoError(t, err, "an ambiguous outcome is not an error, reconciliation owns it")
	require.Equal(t, persistence.OrderStatusPending, receipt.Status)

	row := h.log.order(t, receipt.OrderID)
	require.Equal(t, persistence.OrderStatusPending, row.Status)

	// PENDING is cached: a duplicate gets the same receipt, no second order.
	again, err := h.eng.Submit(context.Background(), intent)
	require.NoError(t, err)
	require.True(t, again.Duplicate)
	require.Equal(t, receipt.OrderID, again.OrderID)
	require.Equal(t, 1, h.log.count())
}

func TestSubmit_UnavailableVenueIsRetryable(t *testing.T) {
	stub := &stubClient{name: "STUB", err: &venue.UnavailableError{Venue: "STUB", Err: errors.New("connection refused")}}
	h := newHarness(t, 5, false, stub)

	intent := marketIntent("k1", "1")
	intent.Venue = "STUB"
	intent.Price = testutil.Dec(t, "100")
	intent.Type = venue.OrderTypeLimit

	_, err := h.eng.Submit(context.Background(), intent)
	require.True(t, engine.IsUnavailable(err), "got %v", err)

	// The failed attempt left a FAILED row, and the key is free to retry.
	require.Equal(t, 1, h.log.count())
	_, err = h.eng.Submit(context.Background(), intent)
	require.True(t, engine.IsUnavailable(err))
	require.Equal(t, 2, h.log.count(), "a retry after a transient failure executes again")
}

func TestSubmit_BreakerOpenShedsLoad(t *testing.T) {
	stub := &stubClient{name: "STUB", err: &venue.UnavailableError{Venue: "STUB", Err: errors.New("connection refused")}}
	h := newHarness(t, 2, false, stub)

	intent := marketIntent("", "1")
	intent.Venue = "STUB"
	intent.Price = testutil.Dec(t, "100")
	intent.Type = venue.OrderTypeLimit

	for i, key := range []string{"k1", "k2"} {
		intent.IdempotencyKey = key
		_, err := h.eng.Submit(context.Background(), intent)
		require.True(t, engine.IsUnavailable(err), "attempt %d: %v", i, err)
	}
	require.Equal(t, venue.BreakerOpen, h.health.View("STUB").State)

	// With the breaker open the venue is never called and nothing is logged.
	intent.IdempotencyKey = "k3"
	_, err := h.eng.Submit(context.Background(), intent)
	require.True(t, engine.IsUnavailable(err))
	require.Equal(t, 2, h.log.count())
}

func TestSubmit_DurableDuplicateSurvivesRestart(t *testing.T) {
	h, _ := newPaperHarness(t)

	first, err := h.eng.Submit(context.Background(), marketIntent("k1", "1"))
	require.NoError(t, err)

	// Simulate a restart: fresh guard and engine over the same order log
	// and portfolio.
	guard := idempotency.NewGuard(time.Minute, h.log)
	registry := venue.NewRegistry()
	require.NoError(t, registry.Register(venue.NewPaperClient("PAPER", nil)))
	limits := risk.DefaultLimits()
	limits.AllowedSymbols[paperSym] = struct{}{}
	eng := engine.New(engine.Config{}, engine.Deps{
		Guard:     guard,
		Checker:   risk.NewChecker(limits),
		Registry:  registry,
		Health:    venue.NewHealthTracker(5, time.Minute),
		Portfolio: h.portfolio,
		Store:     h.log,
		Logger:    zerolog.Nop(),
	})

	receipt, err := eng.Submit(context.Background(), marketIntent("k1", "1"))
	require.NoError(t, err)
	require.True(t, receipt.Duplicate)
	require.Equal(t, first.OrderID, receipt.OrderID)
	require.Equal(t, persistence.OrderStatusFilled, receipt.Status)
	require.Len(t, receipt.Fills, 1)
	require.Equal(t, 1, h.log.count())
}
