package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"TradeEngine/internal/event"
	"TradeEngine/internal/ledger"
)

// Projector maintains the positions and equity_snapshots tables from fill
// events. It hangs off the event bus like the audit writer: a backlog
// drops events, and the projections are rebuilt from the fills table when
// a gap matters. The live ledger stays the source for reads; these tables
// exist for historical analysis.
type Projector struct {
	db        *sql.DB
	portfolio *ledger.Portfolio
	input     chan event.FillApplied
	logger    zerolog.Logger
}

func NewProjector(db *sql.DB, portfolio *ledger.Portfolio, logger zerolog.Logger) *Projector {
	return &Projector{
		db:        db,
		portfolio: portfolio,
		input:     make(chan event.FillApplied, 1024),
		logger:    logger,
	}
}

// Handle implements the bus Handler signature. Only fill events move the
// projections.
func (pr *Projector) Handle(ev event.Event) {
	fa, ok := ev.(event.FillApplied)
	if !ok {
		return
	}
	select {
	case pr.input <- fa:
	default:
		pr.logger.Warn().Str("fill_id", fa.Fill.ID).Msg("projector backlog, dropping event")
	}
}

// Run drains fill events until the context ends, then flushes whatever
// is still queued.
func (pr *Projector) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			for {
				select {
				case fa := <-pr.input:
					pr.project(flushCtx, fa)
				default:
					return ctx.Err()
				}
			}
		case fa := <-pr.input:
			pr.project(ctx, fa)
		}
	}
}

func (pr *Projector) project(ctx context.Context, fa event.FillApplied) {
	qty := decimal.Zero
	avgCost := decimal.Zero
	realized := decimal.Zero
	view := pr.portfolio.View()
	for _, pos := range view.Positions {
		if pos.Symbol == fa.Fill.Symbol {
			qty = pos.Qty
			avgCost = pos.AvgCost
			realized = pos.RealizedPnL
			break
		}
	}

	now := time.Now().UTC()
	_, err := pr.db.ExecContext(ctx, `
		INSERT INTO trade_engine.positions (symbol, qty, avg_entry_price, realized_pnl, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (symbol) DO UPDATE SET
			qty = EXCLUDED.qty,
			avg_entry_price = EXCLUDED.avg_entry_price,
			realized_pnl = EXCLUDED.realized_pnl,
			updated_at = EXCLUDED.updated_at`,
		fa.Fill.Symbol, qty, avgCost, realized, now)
	if err != nil {
		pr.logger.Error().Err(err).Str("symbol", fa.Fill.Symbol).Msg("position projection write failed")
		return
	}

	_, err = pr.db.ExecContext(ctx, `
		INSERT INTO trade_engine.equity_snapshots (equity, cash, fill_count, created_at)
		VALUES ($1, $2, $3, $4)`,
		fa.Equity, fa.Cash, view.FillCount, now)
	if err != nil {
		pr.logger.Error().Err(err).Msg("equity snapshot write failed")
	}
}

// PositionRow is one row of trade_engine.positions.
type PositionRow struct {
	Symbol      string
	Qty         decimal.Decimal
	AvgEntry    decimal.Decimal
	RealizedPnL decimal.Decimal
	UpdatedAt   time.Time
}

// ProjectedPositions reads the positions table, used by tests and
// offline analysis.
func (s *Store) ProjectedPositions(ctx context.Context) ([]PositionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, qty, avg_entry_price, realized_pnl, updated_at
		FROM trade_engine.positions
		ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PositionRow
	for rows.Next() {
		var r PositionRow
		if err := rows.Scan(&r.Symbol, &r.Qty, &r.AvgEntry, &r.RealizedPnL, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// EquityHistory reads the newest equity snapshots, most recent first.
func (s *Store) EquityHistory(ctx context.Context, limit int) ([]EquityRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT equity, cash, fill_count, created_at
		FROM trade_engine.equity_snapshots
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EquityRow
	for rows.Next() {
		var r EquityRow
		if err := rows.Scan(&r.Equity, &r.Cash, &r.FillCount, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// EquityRow is one row of trade_engine.equity_snapshots.
type EquityRow struct {
	Equity    decimal.Decimal
	Cash      decimal.Decimal
	FillCount int64
	CreatedAt time.Time
}
