package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"TradeEngine/internal/venue"
)

// InvariantError signals internal accounting corruption. The portfolio
// halts itself when one is detected; only a restart with a clean recovery
// clears the halt.
type InvariantError struct {
	Reason string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("ledger invariant violated: %s", e.Reason)
}

// ErrHalted is returned for mutations after an invariant violation.
var ErrHalted = fmt.Errorf("ledger halted")

// Portfolio is the in-memory source of truth for cash, positions and
// equity. All mutations flow through ApplyFill so replaying the same fill
// stream always rebuilds the same state. Fill IDs are remembered to make
// application idempotent.
type Portfolio struct {
	mu sync.RWMutex

	valuationCcy string
	cash         map[string]decimal.Decimal // currency -> balance
	positions    map[string]*Position       // canonical symbol -> position
	marks        map[string]decimal.Decimal // canonical symbol -> mark price

	appliedFills map[string]struct{}  // fill ID -> applied
	cursors      map[string]time.Time // venue -> last reconciled fill timestamp
	fillSeq      int64

	halted     bool
	haltReason string
}

// NewPortfolio creates an empty portfolio valued in the given currency.
func NewPortfolio(valuationCcy string) *Portfolio {
	if valuationCcy == "" {
		valuationCcy = "USDT"
	}
	return &Portfolio{
		valuationCcy: valuationCcy,
		cash:         make(map[string]decimal.Decimal),
		positions:    make(map[string]*Position),
		marks:        make(map[string]decimal.Decimal),
		appliedFills: make(map[string]struct{}),
		cursors:      make(map[string]time.Time),
	}
}

// Deposit credits cash. Used at startup to seed the account and by tests.
func (p *Portfolio) Deposit(currency string, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cash[currency] = p.cash[currency].Add(amount)
}

// ApplyFill applies one execution to cash and positions. Returns false
// with no error when the fill ID was already applied. An invariant
// violation halts the portfolio and is returned as *InvariantError.
func (p *Portfolio) ApplyFill(f venue.Fill) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.halted {
		return false, ErrHalted
	}
	if _, dup := p.appliedFills[f.ID]; dup {
		return false, nil
	}
	if f.Quantity.Sign() <= 0 || f.Price.Sign() <= 0 {
		return false, fmt.Errorf("fill %s: non-positive quantity or price", f.ID)
	}

	sym, err := venue.ParseSymbol(f.Symbol)
	if err != nil {
		return false, fmt.Errorf("fill %s: %w", f.ID, err)
	}

	pos := p.positions[f.Symbol]
	if pos == nil {
		pos = &Position{Symbol: f.Symbol}
		p.positions[f.Symbol] = pos
	}
	pos.applyFill(f.Side, f.Quantity, f.Price)

	// Cash leg in the quote currency, fee in whatever currency the venue
	// charged it.
	notional := f.Price.Mul(f.Quantity)
	if f.Side == venue.SideBuy {
		p.cash[sym.Quote] = p.cash[sym.Quote].Sub(notional)
	} else {
		p.cash[sym.Quote] = p.cash[sym.Quote].Add(notional)
	}
	if f.Fee.Sign() > 0 {
		p.cash[f.FeeCcy] = p.cash[f.FeeCcy].Sub(f.Fee)
	}

	p.appliedFills[f.ID] = struct{}{}
	p.fillSeq++
	if f.Timestamp.After(p.cursors[f.Venue]) {
		p.cursors[f.Venue] = f.Timestamp
	}

	if reason := p.checkInvariants(); reason != "" {
		p.halted = true
		p.haltReason = reason
		return true, &InvariantError{Reason: reason}
	}
	return true, nil
}

// checkInvariants runs under the write lock after every mutation.
func (p *Portfolio) checkInvariants() string {
	for sym, pos := range p.positions {
		if pos.Qty.IsZero() && !pos.AvgCost.IsZero() {
			return fmt.Sprintf("flat position %s carries avg cost %s", sym, pos.AvgCost)
		}
		if pos.AvgCost.Sign() < 0 {
			return fmt.Sprintf("position %s has negative avg cost %s", sym, pos.AvgCost)
		}
	}
	return ""
}

// SetMarkPrice updates the valuation price for a symbol. Stale updates are
// the caller's concern; the latest write wins.
func (p *Portfolio) SetMarkPrice(symbol string, price decimal.Decimal) error {
	if price.Sign() <= 0 {
		return fmt.Errorf("mark price for %s must be positive", symbol)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marks[symbol] = price
	return nil
}

// MarkPrice returns the latest mark for a symbol.
func (p *Portfolio) MarkPrice(symbol string) (decimal.Decimal, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.marks[symbol]
	return m, ok
}

// markForAsset finds a mark price for a base asset against the valuation
// currency on any venue.
func (p *Portfolio) markForAsset(asset string) (decimal.Decimal, bool) {
	for symStr, mark := range p.marks {
		sym, err := venue.ParseSymbol(symStr)
		if err != nil {
			continue
		}
		if sym.Base == asset && sym.Quote == p.valuationCcy {
			return mark, true
		}
	}
	return decimal.Zero, false
}

// Equity values the whole portfolio in the valuation currency: cash at par,
// foreign-currency cash through its mark, positions at their marks.
// Positions without a mark price contribute their cost basis.
func (p *Portfolio) Equity() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.equityLocked()
}

func (p *Portfolio) equityLocked() decimal.Decimal {
	equity := decimal.Zero
	for ccy, bal := range p.cash {
		if ccy == p.valuationCcy {
			equity = equity.Add(bal)
			continue
		}
		if mark, ok := p.markForAsset(ccy); ok {
			equity = equity.Add(bal.Mul(mark))
		}
	}
	for sym, pos := range p.positions {
		if pos.IsFlat() {
			continue
		}
		mark, ok := p.marks[sym]
		if !ok {
			mark = pos.AvgCost
		}
		equity = equity.Add(pos.Qty.Mul(mark))
	}
	return equity
}

// View is a consistent read-only copy handed to risk admission and the
// query service.
type View struct {
	ValuationCcy  string
	Cash          map[string]decimal.Decimal
	Positions     []Position
	Equity        decimal.Decimal
	Exposures     map[string]decimal.Decimal // symbol -> abs notional
	TotalExposure decimal.Decimal
	Halted        bool
	HaltReason    string
	FillCount     int64
}

// Snapshot of readable state under one lock acquisition.
func (p *Portfolio) View() View {
	p.mu.RLock()
	defer p.mu.RUnlock()

	v := View{
		ValuationCcy: p.valuationCcy,
		Cash:         make(map[string]decimal.Decimal, len(p.cash)),
		Exposures:    make(map[string]decimal.Decimal, len(p.positions)),
		Equity:       p.equityLocked(),
		Halted:       p.halted,
		HaltReason:   p.haltReason,
		FillCount:    p.fillSeq,
	}
	for ccy, bal := range p.cash {
		v.Cash[ccy] = bal
	}
	for sym, pos := range p.positions {
		if pos.IsFlat() && pos.RealizedPnL.IsZero() {
			continue
		}
		v.Positions = append(v.Positions, *pos)
		mark, ok := p.marks[sym]
		if !ok {
			mark = pos.AvgCost
		}
		exposure := pos.Qty.Abs().Mul(mark)
		v.Exposures[sym] = exposure
		v.TotalExposure = v.TotalExposure.Add(exposure)
	}
	sort.Slice(v.Positions, func(i, j int) bool { return v.Positions[i].Symbol < v.Positions[j].Symbol })
	return v
}

// HasFill reports whether a fill ID was already applied.
func (p *Portfolio) HasFill(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.appliedFills[id]
	return ok
}

// Cursor returns the timestamp of the newest applied fill for a venue,
// used by reconciliation as its query lower bound.
func (p *Portfolio) Cursor(venueName string) time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cursors[venueName]
}

// Halted reports whether an invariant violation stopped the ledger.
func (p *Portfolio) Halted() (bool, string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.halted, p.haltReason
}
