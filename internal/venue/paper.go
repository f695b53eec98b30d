package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// PaperClient is an in-process venue used for dry-run deployments and
// tests. Market orders fill immediately at the configured mark price,
// limit orders at their limit price. Fills are remembered so QueryFills
// and QueryPositions behave like a real venue during reconciliation.
type PaperClient struct {
	name string

	mu         sync.Mutex
	marks      map[string]decimal.Decimal // canonical symbol -> mark price
	rules      map[string]Rules
	fills      []Fill
	positions  map[string]decimal.Decimal // base asset -> qty
	nextFillID int64
}

func NewPaperClient(name string, rules map[string]Rules) *PaperClient {
	if name == "" {
		name = "PAPER"
	}
	return &PaperClient{
		name:      name,
		marks:     make(map[string]decimal.Decimal),
		rules:     rules,
		positions: make(map[string]decimal.Decimal),
	}
}

func (p *PaperClient) Name() string { return p.name }

func (p *PaperClient) Rules(symbol string) (Rules, bool) {
	r, ok := p.rules[symbol]
	return r, ok
}

// SetMarkPrice sets the fill price for market orders on a symbol.
func (p *PaperClient) SetMarkPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marks[symbol] = price
}

func (p *PaperClient) SubmitOrder(_ context.Context, req OrderRequest) (SubmitAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	price := req.Price
	if req.Type == OrderTypeMarket {
		mark, ok := p.marks[req.Symbol]
		if !ok {
			return SubmitAck{}, &RejectionError{
				Venue:     p.name,
				VenueCode: "NO_MARKET",
				Message:   fmt.Sprintf("no mark price for %s", req.Symbol),
			}
		}
		price = mark
	}

	p.nextFillID++
	sym, err := ParseSymbol(req.Symbol)
	if err != nil {
		return SubmitAck{}, err
	}

	fee := price.Mul(req.Quantity).Mul(decimal.RequireFromString("0.001"))
	fill := Fill{
		ID:        fmt.Sprintf("%s:%d", p.name, p.nextFillID),
		OrderID:   req.OrderID.String(),
		Venue:     p.name,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Quantity:  req.Quantity,
		Price:     price,
		FeeCcy:    sym.Quote,
		Fee:       fee,
		Timestamp: time.Now().UTC(),
	}
	p.fills = append(p.fills, fill)

	delta := req.Quantity
	if req.Side == SideSell {
		delta = delta.Neg()
	}
	p.positions[sym.Base] = p.positions[sym.Base].Add(delta)

	return SubmitAck{
		VenueOrderID: fill.OrderID,
		Status:       "FILLED",
		Fills:        []Fill{fill},
	}, nil
}

// QueryOrder resolves an order by client order ID against remembered
// fills. The simulator fills everything it accepts, so a known order is
// always FILLED.
func (p *PaperClient) QueryOrder(_ context.Context, _ string, clientOrderID string) (SubmitAck, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ack := SubmitAck{}
	for _, f := range p.fills {
		if f.OrderID == clientOrderID {
			ack.VenueOrderID = f.OrderID
			ack.Status = "FILLED"
			ack.Fills = append(ack.Fills, f)
		}
	}
	if ack.VenueOrderID == "" {
		return SubmitAck{}, false, nil
	}
	return ack, true, nil
}

func (p *PaperClient) QueryFills(_ context.Context, symbol string, since time.Time) ([]Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Fill
	for _, f := range p.fills {
		if f.Symbol == symbol && !f.Timestamp.Before(since) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (p *PaperClient) QueryPositions(_ context.Context) ([]PositionReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]PositionReport, 0, len(p.positions))
	for asset, qty := range p.positions {
		if qty.IsZero() {
			continue
		}
		out = append(out, PositionReport{Asset: asset, Qty: qty})
	}
	return out, nil
}
