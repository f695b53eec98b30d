package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric the engine exports.
type Metrics struct {
	// Submission pipeline
	OrdersSubmitted *prometheus.CounterVec // venue, type
	OrdersAccepted  *prometheus.CounterVec // venue
	OrdersRejected  *prometheus.CounterVec // venue, code
	OrdersPending   *prometheus.CounterVec // venue
	SubmitDuration  *prometheus.HistogramVec

	// Venue health
	VenueErrors  *prometheus.CounterVec // venue, class
	BreakerState *prometheus.GaugeVec   // venue; 0 closed, 1 open, 2 half-open

	// Idempotency
	DuplicateHits   *prometheus.CounterVec // tier
	GuardedInFlight prometheus.Gauge

	// Ledger
	FillsApplied  *prometheus.CounterVec // venue, source
	Equity        prometheus.Gauge
	TotalExposure prometheus.Gauge
	LedgerHalted  prometheus.Gauge

	// Event bus
	BusDrops *prometheus.CounterVec // subscriber

	// Snapshot
	SnapshotSaves    prometheus.Counter
	SnapshotFailures prometheus.Counter
	SnapshotDuration prometheus.Histogram

	// Reconciliation
	ReconcileRuns     *prometheus.CounterVec // trigger
	ReconcileDuration prometheus.Histogram
	ReconcileFills    prometheus.Counter
	DriftDetected     prometheus.Counter
	ReconcileDegraded prometheus.Gauge
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	submitBuckets := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	return &Metrics{
		OrdersSubmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trade_engine_orders_submitted_total",
			Help: "Order intents received, after idempotency dedup",
		}, []string{"venue", "type"}),

		OrdersAccepted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trade_engine_orders_accepted_total",
			Help: "Orders acknowledged by a venue",
		}, []string{"venue"}),

		OrdersRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trade_engine_orders_rejected_total",
			Help: "Orders rejected by admission or the venue",
		}, []string{"venue", "code"}),

		OrdersPending: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trade_engine_orders_pending_total",
			Help: "Orders with ambiguous venue outcome handed to reconciliation",
		}, []string{"venue"}),

		SubmitDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trade_engine_submit_duration_seconds",
			Help:    "End-to-end order submission duration",
			Buckets: submitBuckets,
		}, []string{"venue"}),

		VenueErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trade_engine_venue_errors_total",
			Help: "Venue call failures by classification",
		}, []string{"venue", "class"}),

		BreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trade_engine_breaker_state",
			Help: "Circuit breaker state per venue (0 closed, 1 open, 2 half-open)",
		}, []string{"venue"}),

		DuplicateHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trade_engine_idempotency_duplicates_total",
			Help: "Duplicate submissions caught (memory/durable)",
		}, []string{"tier"}),

		GuardedInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "trade_engine_idempotency_tracked_keys",
			Help: "Idempotency keys currently tracked in memory",
		}),

		FillsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trade_engine_fills_applied_total",
			Help: "Fills applied to the portfolio ledger",
		}, []string{"venue", "source"}),

		Equity: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "trade_engine_equity",
			Help: "Portfolio equity in the valuation currency",
		}),

		TotalExposure: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "trade_engine_total_exposure",
			Help: "Sum of absolute position notionals",
		}),

		LedgerHalted: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "trade_engine_ledger_halted",
			Help: "1 when an invariant violation halted the ledger",
		}),

		BusDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trade_engine_bus_drops_total",
			Help: "Events dropped on full subscriber queues",
		}, []string{"subscriber"}),

		SnapshotSaves: promauto.NewCounter(prometheus.CounterOpts{
			Name: "trade_engine_snapshot_saves_total",
			Help: "Successful snapshot writes",
		}),

		SnapshotFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "trade_engine_snapshot_failures_total",
			Help: "Failed snapshot writes",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "trade_engine_snapshot_duration_seconds",
			Help:    "Snapshot write duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		ReconcileRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trade_engine_reconcile_runs_total",
			Help: "Reconciliation passes by trigger (startup/interval/manual)",
		}, []string{"trigger"}),

		ReconcileDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "trade_engine_reconcile_duration_seconds",
			Help:    "Reconciliation pass duration",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		ReconcileFills: promauto.NewCounter(prometheus.CounterOpts{
			Name: "trade_engine_reconcile_fills_total",
			Help: "Missed fills discovered and applied by reconciliation",
		}),

		DriftDetected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "trade_engine_drift_detected_total",
			Help: "Position quantity mismatches between ledger and venue",
		}),

		ReconcileDegraded: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "trade_engine_reconcile_degraded",
			Help: "1 while reconciliation cannot reach a venue",
		}),
	}
}
