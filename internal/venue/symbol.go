package venue

import (
	"fmt"
	"strings"
)

// Symbol is the parsed canonical BASE-QUOTE.VENUE form.
type Symbol struct {
	Base  string
	Quote string
	Venue string
}

// String renders the canonical form, e.g. BTC-USDT.BINANCE.
func (s Symbol) String() string {
	return fmt.Sprintf("%s-%s.%s", s.Base, s.Quote, s.Venue)
}

// Pair renders the venue-agnostic BASE-QUOTE part.
func (s Symbol) Pair() string {
	return fmt.Sprintf("%s-%s", s.Base, s.Quote)
}

// ParseSymbol parses a canonical BASE-QUOTE.VENUE symbol.
func ParseSymbol(canonical string) (Symbol, error) {
	pair, venueName, ok := strings.Cut(canonical, ".")
	if !ok {
		return Symbol{}, fmt.Errorf("symbol %q: missing venue suffix", canonical)
	}
	base, quote, ok := strings.Cut(pair, "-")
	if !ok || base == "" || quote == "" || venueName == "" {
		return Symbol{}, fmt.Errorf("symbol %q: want BASE-QUOTE.VENUE", canonical)
	}
	return Symbol{
		Base:  strings.ToUpper(base),
		Quote: strings.ToUpper(quote),
		Venue: strings.ToUpper(venueName),
	}, nil
}

// Canonicalize uppercases and validates a caller-supplied symbol. Callers may
// submit either the full canonical form or BASE-QUOTE, in which case the
// venue comes from the routing table and is appended by the router.
func Canonicalize(raw string, venueName string) (Symbol, error) {
	raw = strings.TrimSpace(strings.ToUpper(raw))
	if strings.Contains(raw, ".") {
		return ParseSymbol(raw)
	}
	base, quote, ok := strings.Cut(raw, "-")
	if !ok || base == "" || quote == "" {
		return Symbol{}, fmt.Errorf("symbol %q: want BASE-QUOTE or BASE-QUOTE.VENUE", raw)
	}
	return Symbol{Base: base, Quote: quote, Venue: strings.ToUpper(venueName)}, nil
}
