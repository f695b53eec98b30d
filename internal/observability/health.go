package observability

import (
	"sync/atomic"
	"time"
)

// HealthChecker tracks liveness and readiness. Readiness flips on only
// after recovery and the startup reconciliation pass complete, and flips
// off when the ledger halts.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
	}
}

// SetReady marks the service as ready to accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// Uptime since process start.
func (h *HealthChecker) Uptime() time.Duration {
	return time.Since(h.startTime)
}
