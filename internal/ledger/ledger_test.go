package ledger_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"TradeEngine/internal/ledger"
	"TradeEngine/internal/testutil"
	"TradeEngine/internal/venue"
)

const sym = "BTC-USDT.PAPER"

func position(t *testing.T, p *ledger.Portfolio, symbol string) ledger.Position {
	t.Helper()
	for _, pos := range p.View().Positions {
		if pos.Symbol == symbol {
			return pos
		}
	}
	t.Fatalf("no position for %s", symbol)
	return ledger.Position{}
}

func TestApplyFill_OpenAndIncreaseAveragesCost(t *testing.T) {
	p := ledger.NewPortfolio("USDT")
	p.Deposit("USDT", testutil.Dec(t, "1000"))

	applied, err := p.ApplyFill(testutil.Fill("f1", sym, venue.SideBuy, "1", "100"))
	require.NoError(t, err)
	require.True(t, applied)

	_, err = p.ApplyFill(testutil.Fill("f2", sym, venue.SideBuy, "1", "120"))
	require.NoError(t, err)

	pos := position(t, p, sym)
	require.True(t, pos.Qty.Equal(testutil.Dec(t, "2")), "qty = %s", pos.Qty)
	require.True(t, pos.AvgCost.Equal(testutil.Dec(t, "110")), "avg cost = %s", pos.AvgCost)
	require.True(t, pos.RealizedPnL.IsZero())
}

func TestApplyFill_ReduceRealizesPnL(t *testing.T) {
	p := ledger.NewPortfolio("USDT")
	p.Deposit("USDT", testutil.Dec(t, "1000"))

	_, err := p.ApplyFill(testutil.Fill("f1", sym, venue.SideBuy, "2", "100"))
	require.NoError(t, err)
	_, err = p.ApplyFill(testutil.Fill("f2", sym, venue.SideSell, "1", "150"))
	require.NoError(t, err)

	pos := position(t, p, sym)
	require.True(t, pos.Qty.Equal(testutil.Dec(t, "1")), "qty = %s", pos.Qty)
	require.True(t, pos.AvgCost.Equal(testutil.Dec(t, "100")), "reduce must keep entry cost, got %s", pos.AvgCost)
	require.True(t, pos.RealizedPnL.Equal(testutil.Dec(t, "50")), "realized = %s", pos.RealizedPnL)
}

func TestApplyFill_ExactCloseClearsCost(t *testing.T) {
	p := ledger.NewPortfolio("USDT")
	p.Deposit("USDT", testutil.Dec(t, "1000"))

	_, err := p.ApplyFill(testutil.Fill("f1", sym, venue.SideBuy, "1", "100"))
	require.NoError(t, err)
	_, err = p.ApplyFill(testutil.Fill("f2", sym, venue.SideSell, "1", "90"))
	require.NoError(t, err)

	pos := position(t, p, sym)
	require.True(t, pos.Qty.IsZero())
	require.True(t, pos.AvgCost.IsZero(), "flat position must carry no cost, got %s", pos.AvgCost)
	require.True(t, pos.RealizedPnL.Equal(testutil.Dec(t, "-10")), "realized = %s", pos.RealizedPnL)

	// A round trip with zero fees conserves cash up to the realized loss.
	require.True(t, p.View().Cash["USDT"].Equal(testutil.Dec(t, "990")))
}

func TestApplyFill_FlipStartsFreshPosition(t *testing.T) {
	p := ledger.NewPortfolio("USDT")
	p.Deposit("USDT", testutil.Dec(t, "1000"))

	_, err := p.ApplyFill(testutil.Fill("f1", sym, venue.SideBuy, "2", "100"))
	require.NoError(t, err)
	_, err = p.ApplyFill(testutil.Fill("f2", sym, venue.SideSell, "5", "120"))
	require.NoError(t, err)

	pos := position(t, p, sym)
	require.True(t, pos.Qty.Equal(testutil.Dec(t, "-3")), "qty = %s", pos.Qty)
	require.True(t, pos.AvgCost.Equal(testutil.Dec(t, "120")), "flip must reset cost to fill price, got %s", pos.AvgCost)
	require.True(t, pos.RealizedPnL.Equal(testutil.Dec(t, "40")), "realized = %s", pos.RealizedPnL)
}

func TestApplyFill_DuplicateFillIsNoOp(t *testing.T) {
	p := ledger.NewPortfolio("USDT")
	p.Deposit("USDT", testutil.Dec(t, "1000"))

	f := testutil.Fill("f1", sym, venue.SideBuy, "1", "100")
	applied, err := p.ApplyFill(f)
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = p.ApplyFill(f)
	require.NoError(t, err)
	require.False(t, applied)

	require.True(t, p.View().Cash["USDT"].Equal(testutil.Dec(t, "900")), "duplicate must not move cash")
	require.Equal(t, int64(1), p.View().FillCount)
}

func TestApplyFill_RejectsNonPositiveQuantity(t *testing.T) {
	p := ledger.NewPortfolio("USDT")
	f := testutil.Fill("f1", sym, venue.SideBuy, "1", "100")
	f.Quantity = decimal.Zero

	_, err := p.ApplyFill(f)
	require.Error(t, err)
	require.False(t, p.HasFill("f1"))
}

func TestApplyFill_FeeChargedInFeeCurrency(t *testing.T) {
	p := ledger.NewPortfolio("USDT")
	p.Deposit("USDT", testutil.Dec(t, "1000"))

	f := testutil.Fill("f1", sym, venue.SideBuy, "1", "100")
	f.Fee = testutil.Dec(t, "0.1")
	_, err := p.ApplyFill(f)
	require.NoError(t, err)

	require.True(t, p.View().Cash["USDT"].Equal(testutil.Dec(t, "899.9")), "cash = %s", p.View().Cash["USDT"])
}

func TestApplyFill_AdvancesVenueCursor(t *testing.T) {
	p := ledger.NewPortfolio("USDT")
	p.Deposit("USDT", testutil.Dec(t, "1000"))

	t1 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t0 := t1.Add(-time.Hour)

	f1 := testutil.Fill("f1", sym, venue.SideBuy, "1", "100")
	f1.Timestamp = t1
	_, err := p.ApplyFill(f1)
	require.NoError(t, err)
	require.Equal(t, t1, p.Cursor("PAPER"))

	// An older fill arriving late must not move the cursor backwards.
	f2 := testutil.Fill("f2", sym, venue.SideBuy, "1", "100")
	f2.Timestamp = t0
	_, err = p.ApplyFill(f2)
	require.NoError(t, err)
	require.Equal(t, t1, p.Cursor("PAPER"))
}

func TestEquity_MarksAndCostBasis(t *testing.T) {
	p := ledger.NewPortfolio("USDT")
	p.Deposit("USDT", testutil.Dec(t, "1000"))

	_, err := p.ApplyFill(testutil.Fill("f1", sym, venue.SideBuy, "1", "100"))
	require.NoError(t, err)

	// Without a mark the position contributes its cost basis.
	require.True(t, p.Equity().Equal(testutil.Dec(t, "1000")), "equity = %s", p.Equity())

	require.NoError(t, p.SetMarkPrice(sym, testutil.Dec(t, "120")))
	require.True(t, p.Equity().Equal(testutil.Dec(t, "1020")), "equity = %s", p.Equity())
}

func TestSetMarkPrice_RejectsNonPositive(t *testing.T) {
	p := ledger.NewPortfolio("USDT")
	require.Error(t, p.SetMarkPrice(sym, decimal.Zero))
	require.Error(t, p.SetMarkPrice(sym, testutil.Dec(t, "-1")))
}

func TestInvariantViolation_HaltsPortfolio(t *testing.T) {
	p := ledger.NewPortfolio("USDT")
	p.RestoreState(ledger.State{
		ValuationCcy: "USDT",
		Cash:         map[string]decimal.Decimal{"USDT": testutil.Dec(t, "1000")},
		Positions: []ledger.Position{{
			// Corrupt on purpose: a flat position holding a cost basis.
			Symbol:  "ETH-USDT.PAPER",
			Qty:     decimal.Zero,
			AvgCost: testutil.Dec(t, "50"),
		}},
	})

	_, err := p.ApplyFill(testutil.Fill("f1", sym, venue.SideBuy, "1", "100"))
	var ie *ledger.InvariantError
	require.True(t, errors.As(err, &ie), "want InvariantError, got %v", err)

	halted, reason := p.Halted()
	require.True(t, halted)
	require.NotEmpty(t, reason)

	_, err = p.ApplyFill(testutil.Fill("f2", sym, venue.SideBuy, "1", "100"))
	require.ErrorIs(t, err, ledger.ErrHalted)
}

func TestExportRestore_Roundtrip(t *testing.T) {
	p := ledger.NewPortfolio("USDT")
	p.Deposit("USDT", testutil.Dec(t, "1000"))
	_, err := p.ApplyFill(testutil.Fill("f1", sym, venue.SideBuy, "2", "100"))
	require.NoError(t, err)
	_, err = p.ApplyFill(testutil.Fill("f2", sym, venue.SideSell, "1", "150"))
	require.NoError(t, err)
	require.NoError(t, p.SetMarkPrice(sym, testutil.Dec(t, "140")))

	restored := ledger.NewPortfolio("")
	restored.RestoreState(p.ExportState())

	require.True(t, restored.HasFill("f1"))
	require.True(t, restored.HasFill("f2"))
	require.Equal(t, p.Cursor("PAPER"), restored.Cursor("PAPER"))
	require.True(t, restored.Equity().Equal(p.Equity()), "equity %s != %s", restored.Equity(), p.Equity())

	// Replaying an already-applied fill against the restored state is a no-op.
	applied, err := restored.ApplyFill(testutil.Fill("f2", sym, venue.SideSell, "1", "150"))
	require.NoError(t, err)
	require.False(t, applied)

	want := position(t, p, sym)
	got := position(t, restored, sym)
	require.True(t, got.Qty.Equal(want.Qty))
	require.True(t, got.AvgCost.Equal(want.AvgCost))
	require.True(t, got.RealizedPnL.Equal(want.RealizedPnL))
}
