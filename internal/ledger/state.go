package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// State is the serializable portfolio contents captured into snapshots and
// restored on recovery. Decimals marshal as JSON strings so no precision is
// lost across a restart.
type State struct {
	ValuationCcy string                     `json:"valuation_ccy"`
	Cash         map[string]decimal.Decimal `json:"cash"`
	Positions    []Position                 `json:"positions"`
	MarkPrices   map[string]decimal.Decimal `json:"mark_prices"`
	AppliedFills []string                   `json:"applied_fills"`
	Cursors      map[string]time.Time       `json:"cursors"`
	FillSeq      int64                      `json:"fill_seq"`
}

// ExportState captures a consistent copy of the portfolio.
func (p *Portfolio) ExportState() State {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st := State{
		ValuationCcy: p.valuationCcy,
		Cash:         make(map[string]decimal.Decimal, len(p.cash)),
		MarkPrices:   make(map[string]decimal.Decimal, len(p.marks)),
		AppliedFills: make([]string, 0, len(p.appliedFills)),
		Cursors:      make(map[string]time.Time, len(p.cursors)),
		FillSeq:      p.fillSeq,
	}
	for ccy, bal := range p.cash {
		st.Cash[ccy] = bal
	}
	for _, pos := range p.positions {
		st.Positions = append(st.Positions, *pos)
	}
	for sym, mark := range p.marks {
		st.MarkPrices[sym] = mark
	}
	for id := range p.appliedFills {
		st.AppliedFills = append(st.AppliedFills, id)
	}
	for v, t := range p.cursors {
		st.Cursors[v] = t
	}
	return st
}

// RestoreState replaces the portfolio contents with a snapshot. Called once
// during recovery before any fills are applied.
func (p *Portfolio) RestoreState(st State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if st.ValuationCcy != "" {
		p.valuationCcy = st.ValuationCcy
	}
	p.cash = make(map[string]decimal.Decimal, len(st.Cash))
	for ccy, bal := range st.Cash {
		p.cash[ccy] = bal
	}
	p.positions = make(map[string]*Position, len(st.Positions))
	for _, pos := range st.Positions {
		cp := pos
		p.positions[pos.Symbol] = &cp
	}
	p.marks = make(map[string]decimal.Decimal, len(st.MarkPrices))
	for sym, mark := range st.MarkPrices {
		p.marks[sym] = mark
	}
	p.appliedFills = make(map[string]struct{}, len(st.AppliedFills))
	for _, id := range st.AppliedFills {
		p.appliedFills[id] = struct{}{}
	}
	p.cursors = make(map[string]time.Time, len(st.Cursors))
	for v, t := range st.Cursors {
		p.cursors[v] = t
	}
	p.fillSeq = st.FillSeq
	p.halted = false
	p.haltReason = ""
}
