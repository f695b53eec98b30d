package venue

import (
	"sync"
	"time"
)

// BreakerState is the per-venue circuit breaker state.
type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// HealthView is a read-only copy of one venue's health, handed to risk
// admission. Admission only reads; all transitions happen in the tracker
// driven by router outcomes.
type HealthView struct {
	Venue             string
	State             BreakerState
	ConsecutiveErrors int
	LastErrorAt       time.Time
}

type venueHealth struct {
	state             BreakerState
	consecutiveErrors int
	lastErrorAt       time.Time
	openedAt          time.Time
	probeInFlight     bool
}

// HealthTracker owns breaker state for every venue. Single-writer per venue
// (the router records outcomes); admission takes read-only views.
type HealthTracker struct {
	mu        sync.Mutex
	venues    map[string]*venueHealth
	threshold int
	cooldown  time.Duration
}

// NewHealthTracker trips a venue OPEN after threshold consecutive errors
// and allows a HALF_OPEN probe after cooldown.
func NewHealthTracker(threshold int, cooldown time.Duration) *HealthTracker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &HealthTracker{
		venues:    make(map[string]*venueHealth),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

func (ht *HealthTracker) get(venue string) *venueHealth {
	vh := ht.venues[venue]
	if vh == nil {
		vh = &venueHealth{state: BreakerClosed}
		ht.venues[venue] = vh
	}
	return vh
}

// Admit reports whether an order may be sent to the venue right now.
// CLOSED admits everything. OPEN admits nothing until the cooldown elapses,
// at which point the breaker flips HALF_OPEN and admits exactly one probe.
// HALF_OPEN admits nothing while that probe is in flight.
func (ht *HealthTracker) Admit(venue string) bool {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	vh := ht.get(venue)
	switch vh.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Since(vh.openedAt) >= ht.cooldown {
			vh.state = BreakerHalfOpen
			vh.probeInFlight = true
			return true
		}
		return false
	case BreakerHalfOpen:
		if vh.probeInFlight {
			return false
		}
		vh.probeInFlight = true
		return true
	}
	return false
}

// RecordSuccess resets the error count. A successful HALF_OPEN probe
// closes the breaker. Returns the states before and after so callers can
// surface transitions.
func (ht *HealthTracker) RecordSuccess(venue string) (from, to BreakerState) {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	vh := ht.get(venue)
	from = vh.state
	vh.consecutiveErrors = 0
	vh.probeInFlight = false
	vh.state = BreakerClosed
	return from, vh.state
}

// RecordFailure increments the consecutive-error count and may trip the
// breaker. A failed HALF_OPEN probe reopens it for another cooldown.
// Returns the states before and after so callers can surface transitions.
func (ht *HealthTracker) RecordFailure(venue string) (from, to BreakerState) {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	vh := ht.get(venue)
	from = vh.state
	vh.consecutiveErrors++
	vh.lastErrorAt = time.Now()

	switch vh.state {
	case BreakerClosed:
		if vh.consecutiveErrors >= ht.threshold {
			vh.state = BreakerOpen
			vh.openedAt = time.Now()
		}
	case BreakerHalfOpen:
		vh.state = BreakerOpen
		vh.openedAt = time.Now()
		vh.probeInFlight = false
	}
	return from, vh.state
}

// View returns a read-only copy of one venue's health.
func (ht *HealthTracker) View(venue string) HealthView {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	vh := ht.get(venue)
	return HealthView{
		Venue:             venue,
		State:             vh.state,
		ConsecutiveErrors: vh.consecutiveErrors,
		LastErrorAt:       vh.lastErrorAt,
	}
}

// ViewAll returns health views for every tracked venue.
func (ht *HealthTracker) ViewAll() []HealthView {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	views := make([]HealthView, 0, len(ht.venues))
	for name, vh := range ht.venues {
		views = append(views, HealthView{
			Venue:             name,
			State:             vh.state,
			ConsecutiveErrors: vh.consecutiveErrors,
			LastErrorAt:       vh.lastErrorAt,
		})
	}
	return views
}
