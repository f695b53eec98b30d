package query

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"TradeEngine/internal/ledger"
	"TradeEngine/internal/persistence"
	"TradeEngine/internal/venue"
)

// Service is the read-only surface: orders and fills from the durable
// log, positions and equity from the live portfolio.
type Service struct {
	store     *persistence.Store
	portfolio *ledger.Portfolio
	health    *venue.HealthTracker
}

func NewService(store *persistence.Store, portfolio *ledger.Portfolio, health *venue.HealthTracker) *Service {
	return &Service{store: store, portfolio: portfolio, health: health}
}

// GetOrder returns one order with its recorded fills.
func (s *Service) GetOrder(ctx context.Context, orderID uuid.UUID) (*OrderDetail, bool, error) {
	row, found, err := s.store.GetOrder(ctx, orderID)
	if err != nil || !found {
		return nil, found, err
	}

	detail := orderDetailFromRow(row)
	if row.VenueOrderID.Valid {
		fills, err := s.store.FillsForOrder(ctx, row.VenueOrderID.String)
		if err != nil {
			return nil, true, fmt.Errorf("fills for order %s: %w", orderID, err)
		}
		detail.Fills = fills
	}
	return detail, true, nil
}

// ListOrders returns recent orders, newest first.
func (s *Service) ListOrders(ctx context.Context, limit int) ([]*OrderDetail, error) {
	rows, err := s.store.ListOrders(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*OrderDetail, 0, len(rows))
	for _, row := range rows {
		out = append(out, orderDetailFromRow(row))
	}
	return out, nil
}

// Positions returns the live portfolio positions with valuation context.
func (s *Service) Positions() PositionsResponse {
	view := s.portfolio.View()
	resp := PositionsResponse{
		ValuationCcy: view.ValuationCcy,
		Positions:    make([]PositionEntry, 0, len(view.Positions)),
	}
	for _, pos := range view.Positions {
		entry := PositionEntry{
			Symbol:      pos.Symbol,
			Qty:         pos.Qty,
			AvgCost:     pos.AvgCost,
			RealizedPnL: pos.RealizedPnL,
			Exposure:    view.Exposures[pos.Symbol],
		}
		if mark, ok := s.portfolio.MarkPrice(pos.Symbol); ok {
			entry.MarkPrice = &mark
			upnl := mark.Sub(pos.AvgCost).Mul(pos.Qty)
			entry.UnrealizedPnL = &upnl
		}
		resp.Positions = append(resp.Positions, entry)
	}
	return resp
}

// Equity returns cash balances and derived portfolio value.
func (s *Service) Equity() EquityResponse {
	view := s.portfolio.View()
	return EquityResponse{
		ValuationCcy:  view.ValuationCcy,
		Equity:        view.Equity,
		Cash:          view.Cash,
		TotalExposure: view.TotalExposure,
		Halted:        view.Halted,
		HaltReason:    view.HaltReason,
		FillCount:     view.FillCount,
	}
}

// Venues returns circuit breaker health for every tracked venue.
func (s *Service) Venues() []VenueEntry {
	views := s.health.ViewAll()
	out := make([]VenueEntry, 0, len(views))
	for _, v := range views {
		entry := VenueEntry{
			Venue:             v.Venue,
			BreakerState:      v.State.String(),
			ConsecutiveErrors: v.ConsecutiveErrors,
		}
		if !v.LastErrorAt.IsZero() {
			t := v.LastErrorAt
			entry.LastErrorAt = &t
		}
		out = append(out, entry)
	}
	return out
}
