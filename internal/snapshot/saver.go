package snapshot

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"TradeEngine/internal/ledger"
	"TradeEngine/internal/observability"
)

// Saver snapshots the portfolio in the background: on a fixed interval and
// on demand after bursts of fills. Trigger requests coalesce; at most one
// save runs at a time. A failed save is logged and retried on the next
// trigger, it never stops the engine.
type Saver struct {
	store     *Store
	portfolio *ledger.Portfolio
	interval  time.Duration
	trigger   chan struct{}
	logger    zerolog.Logger
	metrics   *observability.Metrics

	failures atomic.Int64
}

func NewSaver(store *Store, portfolio *ledger.Portfolio, interval time.Duration,
	metrics *observability.Metrics, logger zerolog.Logger) *Saver {

	if interval <= 0 {
		interval = time.Minute
	}
	return &Saver{
		store:     store,
		portfolio: portfolio,
		interval:  interval,
		trigger:   make(chan struct{}, 1),
		logger:    logger,
		metrics:   metrics,
	}
}

// Trigger requests a snapshot soon. Non-blocking; collapsed into any
// already-pending request.
func (sv *Saver) Trigger() {
	select {
	case sv.trigger <- struct{}{}:
	default:
	}
}

// Failures reports consecutive failed saves. Housekeeping escalates when
// the count stays above its threshold.
func (sv *Saver) Failures() int64 { return sv.failures.Load() }

// Run loops until the context ends, then writes one final snapshot so a
// clean shutdown restarts with zero replay.
func (sv *Saver) Run(ctx context.Context) error {
	ticker := time.NewTicker(sv.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sv.save("shutdown")
			return ctx.Err()
		case <-ticker.C:
			sv.save("interval")
		case <-sv.trigger:
			sv.save("trigger")
		}
	}
}

func (sv *Saver) save(cause string) {
	start := time.Now()
	if err := sv.store.Save(sv.portfolio.ExportState()); err != nil {
		sv.failures.Add(1)
		if sv.metrics != nil {
			sv.metrics.SnapshotFailures.Inc()
		}
		sv.logger.Error().Err(err).Str("cause", cause).Msg("snapshot save failed")
		return
	}
	sv.failures.Store(0)
	took := time.Since(start)
	if sv.metrics != nil {
		sv.metrics.SnapshotSaves.Inc()
		sv.metrics.SnapshotDuration.Observe(took.Seconds())
	}
	sv.logger.Debug().Str("cause", cause).Dur("took", took).Msg("snapshot saved")
}
