package risk

import (
	"github.com/shopspring/decimal"

	"TradeEngine/internal/ledger"
	"TradeEngine/internal/venue"
)

// Reason codes returned with rejections. Stable strings; clients and
// dashboards key on them.
const (
	CodeTradingDisabled   = "TRADING_DISABLED"
	CodeSymbolNotAllowed  = "SYMBOL_NOT_ALLOWED"
	CodeNotionalBelowMin  = "NOTIONAL_BELOW_MIN"
	CodeNotionalAboveMax  = "NOTIONAL_ABOVE_MAX"
	CodeExposureCapSymbol = "EXPOSURE_CAP_SYMBOL"
	CodeExposureCapTotal  = "EXPOSURE_CAP_TOTAL"
	CodeRateLimited       = "RATE_LIMITED"
	CodeVenueBreakerOpen  = "VENUE_BREAKER_OPEN"
)

// Request is what admission sees: the normalized order plus the price used
// for notional valuation (limit price or current mark).
type Request struct {
	Symbol         string
	Venue          string
	Side           venue.Side
	Quantity       decimal.Decimal
	EffectivePrice decimal.Decimal
}

// Notional returns the order's valuation in quote terms.
func (r Request) Notional() decimal.Decimal {
	return r.EffectivePrice.Mul(r.Quantity)
}

// Decision is the admission outcome. Code is empty when admitted.
type Decision struct {
	Admitted bool
	Code     string
	Reason   string
}

func reject(code, reason string) Decision {
	return Decision{Code: code, Reason: reason}
}

// Checker evaluates the fixed ordered check list. Given the same request
// and the same portfolio view it always returns the same decision; the
// rate limiter is the one clock-dependent check and runs last among the
// pure checks for that reason.
type Checker struct {
	limits  Limits
	limiter *Limiter
}

func NewChecker(limits Limits) *Checker {
	return &Checker{
		limits:  limits,
		limiter: NewLimiter(limits.OrdersPerSecond, limits.OrderBurst),
	}
}

// Limits returns the static configuration, for the query surface.
func (c *Checker) Limits() Limits { return c.limits }

// Check runs every admission check in order and returns the first
// rejection. The circuit breaker is checked separately by the router
// because claiming a HALF_OPEN probe has a side effect.
func (c *Checker) Check(req Request, view ledger.View) Decision {
	if !c.limits.TradingEnabled {
		return reject(CodeTradingDisabled, "trading is disabled by the kill switch")
	}
	if !c.limits.Allowed(req.Symbol) {
		return reject(CodeSymbolNotAllowed, "symbol "+req.Symbol+" is not on the allowlist")
	}

	notional := req.Notional()
	if notional.LessThan(c.limits.MinNotional) {
		return reject(CodeNotionalBelowMin,
			"order notional "+notional.String()+" below minimum "+c.limits.MinNotional.String())
	}
	if notional.GreaterThan(c.limits.MaxNotional) {
		return reject(CodeNotionalAboveMax,
			"order notional "+notional.String()+" above maximum "+c.limits.MaxNotional.String())
	}

	// Exposure checks use the projected post-fill position. Orders that
	// reduce absolute exposure always pass them.
	projSymbol := c.projectedSymbolExposure(req, view)
	current := view.Exposures[req.Symbol]
	if projSymbol.GreaterThan(current) {
		if cap := c.limits.CapFor(req.Symbol); projSymbol.GreaterThan(cap) {
			return reject(CodeExposureCapSymbol,
				"projected exposure "+projSymbol.String()+" on "+req.Symbol+" exceeds cap "+cap.String())
		}
		projTotal := view.TotalExposure.Sub(current).Add(projSymbol)
		if projTotal.GreaterThan(c.limits.TotalExposureCap) {
			return reject(CodeExposureCapTotal,
				"projected total exposure "+projTotal.String()+" exceeds cap "+c.limits.TotalExposureCap.String())
		}
	}

	if !c.limiter.Allow(req.Venue) {
		return reject(CodeRateLimited, "order rate limit exceeded for venue "+req.Venue)
	}
	return Decision{Admitted: true}
}

// projectedSymbolExposure values the position as it would stand after the
// order filled completely at the effective price.
func (c *Checker) projectedSymbolExposure(req Request, view ledger.View) decimal.Decimal {
	var qty decimal.Decimal
	for _, pos := range view.Positions {
		if pos.Symbol == req.Symbol {
			qty = pos.Qty
			break
		}
	}
	projQty := qty.Add(req.Quantity.Mul(req.Side.Sign()))
	return projQty.Abs().Mul(req.EffectivePrice)
}
