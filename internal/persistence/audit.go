package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"TradeEngine/internal/event"
)

// AuditRow is one row of trade_engine.audit_events.
type AuditRow struct {
	EventID    uuid.UUID
	EventType  string
	Payload    []byte
	OccurredAt time.Time
}

// AuditWriter batch-writes engine events into the audit table. It hangs
// off the event bus, so a backlog drops events rather than stalling the
// submit path; the orders and fills tables remain the complete record.
type AuditWriter struct {
	db           *sql.DB
	input        chan AuditRow
	batchSize    int
	flushTimeout time.Duration
	logger       zerolog.Logger
}

func NewAuditWriter(db *sql.DB, batchSize int, flushTimeout time.Duration, logger zerolog.Logger) *AuditWriter {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushTimeout <= 0 {
		flushTimeout = 200 * time.Millisecond
	}
	return &AuditWriter{
		db:           db,
		input:        make(chan AuditRow, batchSize*4),
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		logger:       logger,
	}
}

// Handle implements the bus Handler signature.
func (aw *AuditWriter) Handle(ev event.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		aw.logger.Error().Err(err).Str("event_type", ev.EventType().String()).Msg("marshal audit event")
		return
	}
	row := AuditRow{
		EventID:    uuid.New(),
		EventType:  ev.EventType().String(),
		Payload:    payload,
		OccurredAt: ev.OccurredAt(),
	}
	select {
	case aw.input <- row:
	default:
		aw.logger.Warn().Str("event_type", row.EventType).Msg("audit writer backlog, dropping event")
	}
}

// Run batches rows and flushes on size or timeout. Blocks until the
// context ends, flushing the tail on the way out.
func (aw *AuditWriter) Run(ctx context.Context) error {
	batch := make([]AuditRow, 0, aw.batchSize)
	ticker := time.NewTicker(aw.flushTimeout)
	defer ticker.Stop()

	flush := func(flushCtx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := aw.writeBatch(flushCtx, batch); err != nil {
			aw.logger.Error().Err(err).Int("batch", len(batch)).Msg("audit batch write failed")
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Drain queued rows before the final flush so a graceful
			// shutdown loses nothing that reached the writer.
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			for {
				select {
				case row := <-aw.input:
					batch = append(batch, row)
					if len(batch) >= aw.batchSize {
						flush(flushCtx)
					}
				default:
					flush(flushCtx)
					return ctx.Err()
				}
			}
		case row := <-aw.input:
			batch = append(batch, row)
			if len(batch) >= aw.batchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

// writeBatch uses one multi-row INSERT; duplicate event IDs are ignored so
// retried flushes stay idempotent.
func (aw *AuditWriter) writeBatch(ctx context.Context, rows []AuditRow) error {
	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*4)
	for i, r := range rows {
		base := i * 4
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4))
		args = append(args, r.EventID, r.EventType, r.Payload, r.OccurredAt)
	}

	query := `INSERT INTO trade_engine.audit_events (event_id, event_type, payload, occurred_at) VALUES ` +
		strings.Join(values, ", ") +
		` ON CONFLICT (event_id) DO NOTHING`

	_, err := aw.db.ExecContext(ctx, query, args...)
	return err
}
