package venue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side of an order or fill.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() decimal.Decimal {
	if s == SideBuy {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(-1)
}

// OrderType discriminates market and limit orders.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderRequest is a venue-ready order: symbol already canonicalized and
// quantity/price already rounded to the venue's steps by the router.
type OrderRequest struct {
	OrderID       uuid.UUID
	ClientOrderID string
	Symbol        string // canonical BASE-QUOTE.VENUE form
	VenueSymbol   string // venue-native form, e.g. BTCUSDT
	Side          Side
	Type          OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal // zero for market orders
}

// Notional returns price*quantity for limit orders; market orders carry
// their notional on the engine side using the mark price.
func (r OrderRequest) Notional() decimal.Decimal {
	return r.Price.Mul(r.Quantity)
}

// Fill is a venue-reported execution, normalized to engine shapes.
type Fill struct {
	ID        string
	OrderID   string
	Venue     string
	Symbol    string // canonical form
	Side      Side
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	FeeCcy    string
	Fee       decimal.Decimal
	Timestamp time.Time
}

// SubmitAck is the synchronous result of an order submission.
type SubmitAck struct {
	VenueOrderID string
	Status       string // NEW, PARTIALLY_FILLED, FILLED
	Fills        []Fill
}

// Rules are the venue's per-symbol trading constraints.
type Rules struct {
	QtyStep     decimal.Decimal
	PriceTick   decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
	FeeRate     decimal.Decimal
}

// PositionReport is the venue's view of a held base-asset quantity, used
// by reconciliation for drift detection.
type PositionReport struct {
	Asset string
	Qty   decimal.Decimal
}

// Client is implemented once per venue. Submissions must be classified
// into RejectionError / UnavailableError / AmbiguousError so the router
// can make retry decisions from data.
type Client interface {
	Name() string
	Rules(symbol string) (Rules, bool)
	SubmitOrder(ctx context.Context, req OrderRequest) (SubmitAck, error)
	// QueryOrder resolves an order by the client order ID we generated.
	// found=false with a nil error means the venue never saw the order.
	QueryOrder(ctx context.Context, symbol, clientOrderID string) (SubmitAck, bool, error)
	QueryFills(ctx context.Context, symbol string, since time.Time) ([]Fill, error)
	QueryPositions(ctx context.Context) ([]PositionReport, error)
}
