package risk

import (
	"github.com/shopspring/decimal"
)

// Limits are the static admission parameters loaded at startup. A kill
// switch, the symbol allowlist, per-order notional bounds and exposure
// caps. Changing them requires a restart.
type Limits struct {
	TradingEnabled bool
	AllowedSymbols map[string]struct{}

	MinNotional decimal.Decimal
	MaxNotional decimal.Decimal

	SymbolExposureCap map[string]decimal.Decimal // canonical symbol -> cap
	TotalExposureCap  decimal.Decimal

	OrdersPerSecond float64
	OrderBurst      int
}

// DefaultLimits mirror a conservative paper-trading setup.
func DefaultLimits() Limits {
	return Limits{
		TradingEnabled: true,
		AllowedSymbols: map[string]struct{}{},
		MinNotional:    decimal.RequireFromString("10"),
		MaxNotional:    decimal.RequireFromString("100000"),
		SymbolExposureCap: map[string]decimal.Decimal{},
		TotalExposureCap:  decimal.RequireFromString("1000000"),
		OrdersPerSecond:   10,
		OrderBurst:        20,
	}
}

// Allowed reports whether a canonical symbol is on the allowlist.
func (l Limits) Allowed(symbol string) bool {
	_, ok := l.AllowedSymbols[symbol]
	return ok
}

// CapFor returns the exposure cap for a symbol, falling back to the total
// cap when no per-symbol cap is configured.
func (l Limits) CapFor(symbol string) decimal.Decimal {
	if cap, ok := l.SymbolExposureCap[symbol]; ok {
		return cap
	}
	return l.TotalExposureCap
}
