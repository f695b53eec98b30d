package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"TradeEngine/internal/venue"
)

// Order lifecycle statuses as stored in trade_engine.orders.
const (
	OrderStatusSubmitting = "SUBMITTING"
	OrderStatusAccepted   = "ACCEPTED"
	OrderStatusFilled     = "FILLED"
	OrderStatusRejected   = "REJECTED"
	OrderStatusPending    = "PENDING" // venue outcome unknown, reconciliation owns it
	OrderStatusFailed     = "FAILED"  // venue unreachable, never submitted
)

// OrderRow mirrors one row of trade_engine.orders.
type OrderRow struct {
	OrderID        uuid.UUID
	IdempotencyKey string
	ClientOrderID  string
	Venue          string
	Symbol         string
	Side           string
	OrderType      string
	Quantity       decimal.Decimal
	Price          decimal.Decimal
	Status         string
	VenueOrderID   sql.NullString
	RejectCode     sql.NullString
	RejectReason   sql.NullString
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// FillRow mirrors one row of trade_engine.fills.
type FillRow struct {
	FillID    string
	OrderID   sql.NullString // venue order id; reconciled fills may lack a local order
	Venue     string
	Symbol    string
	Side      string
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	FeeCcy    string
	Fee       decimal.Decimal
	Source    string // submit or reconcile
	FilledAt  time.Time
	CreatedAt time.Time
}

// Store is the synchronous durable log: order intents go in before the
// venue call, status updates and fills after. It doubles as the cold tier
// for idempotency lookups.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// InsertOrder records the order intent. Idempotent on order_id.
func (s *Store) InsertOrder(ctx context.Context, row OrderRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trade_engine.orders
			(order_id, idempotency_key, client_order_id, venue, symbol, side, order_type,
			 quantity, price, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (order_id) DO NOTHING
	`, row.OrderID, row.IdempotencyKey, row.ClientOrderID, row.Venue, row.Symbol,
		row.Side, row.OrderType, row.Quantity, row.Price, row.Status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert order %s: %w", row.OrderID, err)
	}
	return nil
}

// UpdateOrderOutcome moves an order to a terminal or pending status.
func (s *Store) UpdateOrderOutcome(ctx context.Context, orderID uuid.UUID, status, venueOrderID, rejectCode, rejectReason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE trade_engine.orders
		SET status = $2,
		    venue_order_id = NULLIF($3, ''),
		    reject_code = NULLIF($4, ''),
		    reject_reason = NULLIF($5, ''),
		    updated_at = $6
		WHERE order_id = $1
	`, orderID, status, venueOrderID, rejectCode, rejectReason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update order %s to %s: %w", orderID, status, err)
	}
	return nil
}

// InsertFill records one execution. Idempotent on fill_id so replays and
// reconciliation passes never double-write.
func (s *Store) InsertFill(ctx context.Context, f venue.Fill, source string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trade_engine.fills
			(fill_id, venue_order_id, venue, symbol, side, quantity, price, fee_ccy, fee, source, filled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (fill_id) DO NOTHING
	`, f.ID, f.OrderID, f.Venue, f.Symbol, string(f.Side), f.Quantity, f.Price,
		f.FeeCcy, f.Fee, source, f.Timestamp, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert fill %s: %w", f.ID, err)
	}
	return nil
}

// LookupOrder finds an order by idempotency key. Implements the guard's
// cold tier.
func (s *Store) LookupOrder(ctx context.Context, key string) (uuid.UUID, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	var id uuid.UUID
	err := s.db.QueryRowContext(ctx, `
		SELECT order_id FROM trade_engine.orders WHERE idempotency_key = $1 LIMIT 1
	`, key).Scan(&id)
	if err == sql.ErrNoRows {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("lookup idempotency key: %w", err)
	}
	return id, true, nil
}

const orderColumns = `order_id, idempotency_key, client_order_id, venue, symbol, side, order_type,
	quantity, price, status, venue_order_id, reject_code, reject_reason, created_at, updated_at`

func scanOrder(scan func(...any) error) (OrderRow, error) {
	var row OrderRow
	err := scan(&row.OrderID, &row.IdempotencyKey, &row.ClientOrderID, &row.Venue, &row.Symbol,
		&row.Side, &row.OrderType, &row.Quantity, &row.Price, &row.Status,
		&row.VenueOrderID, &row.RejectCode, &row.RejectReason, &row.CreatedAt, &row.UpdatedAt)
	return row, err
}

// GetOrder loads one order by ID.
func (s *Store) GetOrder(ctx context.Context, orderID uuid.UUID) (OrderRow, bool, error) {
	row, err := scanOrder(s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM trade_engine.orders WHERE order_id = $1`, orderID).Scan)
	if err == sql.ErrNoRows {
		return OrderRow{}, false, nil
	}
	if err != nil {
		return OrderRow{}, false, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return row, true, nil
}

// ListOrders returns recent orders, newest first.
func (s *Store) ListOrders(ctx context.Context, limit int) ([]OrderRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM trade_engine.orders ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []OrderRow
	for rows.Next() {
		row, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// PendingOrders returns orders whose venue outcome is still unknown.
// Reconciliation resolves them on startup and every steady-state pass.
func (s *Store) PendingOrders(ctx context.Context) ([]OrderRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM trade_engine.orders WHERE status = $1 ORDER BY created_at`, OrderStatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending orders: %w", err)
	}
	defer rows.Close()

	var out []OrderRow
	for rows.Next() {
		row, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan pending order: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// FillsSince returns fills recorded after the cursor, oldest first. Used
// by recovery to replay the tail that postdates the snapshot.
func (s *Store) FillsSince(ctx context.Context, since time.Time) ([]venue.Fill, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fill_id, COALESCE(venue_order_id, ''), venue, symbol, side, quantity, price, fee_ccy, fee, filled_at
		FROM trade_engine.fills
		WHERE filled_at > $1
		ORDER BY filled_at, fill_id
	`, since)
	if err != nil {
		return nil, fmt.Errorf("list fills since %s: %w", since, err)
	}
	defer rows.Close()

	var out []venue.Fill
	for rows.Next() {
		var f venue.Fill
		var side string
		if err := rows.Scan(&f.ID, &f.OrderID, &f.Venue, &f.Symbol, &side,
			&f.Quantity, &f.Price, &f.FeeCcy, &f.Fee, &f.Timestamp); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		f.Side = venue.Side(side)
		out = append(out, f)
	}
	return out, rows.Err()
}

// FillsForOrder returns the executions recorded for a venue order ID.
func (s *Store) FillsForOrder(ctx context.Context, venueOrderID string) ([]venue.Fill, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fill_id, COALESCE(venue_order_id, ''), venue, symbol, side, quantity, price, fee_ccy, fee, filled_at
		FROM trade_engine.fills
		WHERE venue_order_id = $1
		ORDER BY filled_at, fill_id
	`, venueOrderID)
	if err != nil {
		return nil, fmt.Errorf("list fills for order %s: %w", venueOrderID, err)
	}
	defer rows.Close()

	var out []venue.Fill
	for rows.Next() {
		var f venue.Fill
		var side string
		if err := rows.Scan(&f.ID, &f.OrderID, &f.Venue, &f.Symbol, &side,
			&f.Quantity, &f.Price, &f.FeeCcy, &f.Fee, &f.Timestamp); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		f.Side = venue.Side(side)
		out = append(out, f)
	}
	return out, rows.Err()
}
