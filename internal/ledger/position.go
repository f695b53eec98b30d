package ledger

import (
	"github.com/shopspring/decimal"

	"TradeEngine/internal/venue"
)

// Position is a signed base-asset holding with average-cost accounting.
// Qty is positive for long, negative for short.
type Position struct {
	Symbol      string
	Qty         decimal.Decimal
	AvgCost     decimal.Decimal
	RealizedPnL decimal.Decimal
}

// IsFlat returns true if the position has no exposure.
func (p *Position) IsFlat() bool {
	return p.Qty.IsZero()
}

// applyFill mutates the position for one execution and returns the PnL
// realized by any reduced quantity. Four cases: open/increase on the same
// side, reduce, exact close, and flip through flat.
func (p *Position) applyFill(side venue.Side, qty, price decimal.Decimal) decimal.Decimal {
	delta := qty.Mul(side.Sign())

	// Open or increase: same direction (or flat), average the entry cost.
	if p.Qty.IsZero() || p.Qty.Sign() == delta.Sign() {
		newQty := p.Qty.Add(delta)
		totalCost := p.AvgCost.Mul(p.Qty.Abs()).Add(price.Mul(delta.Abs()))
		p.AvgCost = totalCost.Div(newQty.Abs())
		p.Qty = newQty
		return decimal.Zero
	}

	closed := decimal.Min(p.Qty.Abs(), delta.Abs())

	// Realized PnL on the closed quantity: (exit - entry) * closed * direction.
	direction := decimal.NewFromInt(int64(p.Qty.Sign()))
	realized := price.Sub(p.AvgCost).Mul(closed).Mul(direction)
	p.RealizedPnL = p.RealizedPnL.Add(realized)

	newQty := p.Qty.Add(delta)
	switch {
	case newQty.IsZero():
		p.Qty = decimal.Zero
		p.AvgCost = decimal.Zero
	case newQty.Sign() == p.Qty.Sign():
		// Partial reduce keeps the entry cost.
		p.Qty = newQty
	default:
		// Flip: the remainder is a fresh position at the fill price.
		p.Qty = newQty
		p.AvgCost = price
	}
	return realized
}
