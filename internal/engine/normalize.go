package engine

import (
	"github.com/shopspring/decimal"

	"TradeEngine/internal/venue"
)

// roundToStep floors v to an integer multiple of step. A zero step leaves
// v untouched.
func roundToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

// normalize snaps quantity and price to the venue's increments and checks
// the venue's minimums. Quantities round down so an order never exceeds
// what the caller asked for.
func normalize(req *venue.OrderRequest, rules venue.Rules, effectivePrice decimal.Decimal) *RejectedError {
	req.Quantity = roundToStep(req.Quantity, rules.QtyStep)
	if req.Type == venue.OrderTypeLimit {
		req.Price = roundToStep(req.Price, rules.PriceTick)
	}

	if req.Quantity.Sign() <= 0 || (rules.MinQty.Sign() > 0 && req.Quantity.LessThan(rules.MinQty)) {
		return &RejectedError{
			Code:   CodeQtyBelowMin,
			Reason: "quantity " + req.Quantity.String() + " below venue minimum " + rules.MinQty.String(),
		}
	}

	if rules.MinNotional.Sign() > 0 {
		notional := effectivePrice.Mul(req.Quantity)
		if notional.LessThan(rules.MinNotional) {
			return &RejectedError{
				Code:   CodeQtyBelowMin,
				Reason: "notional " + notional.String() + " below venue minimum " + rules.MinNotional.String(),
			}
		}
	}
	return nil
}
