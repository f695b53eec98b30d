package query

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"TradeEngine/internal/persistence"
	"TradeEngine/internal/venue"
)

// OrderDetail is one order as served over HTTP.
type OrderDetail struct {
	OrderID       uuid.UUID       `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Venue         string          `json:"venue"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	OrderType     string          `json:"order_type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	Status        string          `json:"status"`
	VenueOrderID  string          `json:"venue_order_id,omitempty"`
	RejectCode    string          `json:"reject_code,omitempty"`
	RejectReason  string          `json:"reject_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Fills         []venue.Fill    `json:"fills,omitempty"`
}

func orderDetailFromRow(row persistence.OrderRow) *OrderDetail {
	detail := &OrderDetail{
		OrderID:       row.OrderID,
		ClientOrderID: row.ClientOrderID,
		Venue:         row.Venue,
		Symbol:        row.Symbol,
		Side:          row.Side,
		OrderType:     row.OrderType,
		Quantity:      row.Quantity,
		Price:         row.Price,
		Status:        row.Status,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
	if row.VenueOrderID.Valid {
		detail.VenueOrderID = row.VenueOrderID.String
	}
	if row.RejectCode.Valid {
		detail.RejectCode = row.RejectCode.String
	}
	if row.RejectReason.Valid {
		detail.RejectReason = row.RejectReason.String
	}
	return detail
}

// PositionEntry is one live position with valuation fields when a mark
// price exists.
type PositionEntry struct {
	Symbol        string           `json:"symbol"`
	Qty           decimal.Decimal  `json:"qty"`
	AvgCost       decimal.Decimal  `json:"avg_cost"`
	RealizedPnL   decimal.Decimal  `json:"realized_pnl"`
	Exposure      decimal.Decimal  `json:"exposure"`
	MarkPrice     *decimal.Decimal `json:"mark_price,omitempty"`
	UnrealizedPnL *decimal.Decimal `json:"unrealized_pnl,omitempty"`
}

// PositionsResponse lists live positions.
type PositionsResponse struct {
	ValuationCcy string          `json:"valuation_ccy"`
	Positions    []PositionEntry `json:"positions"`
}

// EquityResponse is the portfolio valuation summary.
type EquityResponse struct {
	ValuationCcy  string                     `json:"valuation_ccy"`
	Equity        decimal.Decimal            `json:"equity"`
	Cash          map[string]decimal.Decimal `json:"cash"`
	TotalExposure decimal.Decimal            `json:"total_exposure"`
	Halted        bool                       `json:"halted"`
	HaltReason    string                     `json:"halt_reason,omitempty"`
	FillCount     int64                      `json:"fill_count"`
}

// VenueEntry is one venue's breaker health.
type VenueEntry struct {
	Venue             string     `json:"venue"`
	BreakerState      string     `json:"breaker_state"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	LastErrorAt       *time.Time `json:"last_error_at,omitempty"`
}
