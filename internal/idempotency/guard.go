package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DBLookup is the cold tier: a lookup against the durable order log for
// keys that have aged out of memory or belong to a previous process life.
type DBLookup interface {
	LookupOrder(ctx context.Context, key string) (uuid.UUID, bool, error)
}

// Flight is one key's in-progress or completed submission. Followers wait
// on it and receive the leader's outcome.
type Flight struct {
	done        chan struct{}
	outcome     any
	err         error
	completedAt time.Time
	ttl         time.Duration
}

// Wait blocks until the leader completes or the context ends.
func (f *Flight) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.outcome, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Guard deduplicates order submissions by client idempotency key. Two
// tiers: an in-memory single-flight table with a completion TTL for the hot
// path, and the durable order log for keys from before a restart.
//
// Exactly one caller per key becomes the leader and executes the
// submission; concurrent callers with the same key attach to the leader's
// flight and receive the identical outcome. Completed outcomes are served
// from memory until the TTL elapses.
type Guard struct {
	mu      sync.Mutex
	flights map[string]*Flight
	ttl     time.Duration
	db      DBLookup
}

func NewGuard(ttl time.Duration, db DBLookup) *Guard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Guard{
		flights: make(map[string]*Flight),
		ttl:     ttl,
		db:      db,
	}
}

// Begin claims a key. The first caller gets leader=true and must later call
// Complete or Abandon exactly once. Every other caller gets the existing
// flight to wait on.
func (g *Guard) Begin(key string) (*Flight, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if f, ok := g.flights[key]; ok {
		if f.expired() {
			delete(g.flights, key)
		} else {
			return f, false
		}
	}

	f := &Flight{done: make(chan struct{})}
	g.flights[key] = f
	return f, true
}

func (f *Flight) expired() bool {
	select {
	case <-f.done:
	default:
		return false // still in flight
	}
	return !f.completedAt.IsZero() && time.Since(f.completedAt) > f.ttl
}

// Complete records the leader's outcome and releases all waiters. The
// outcome stays cached for the TTL so late duplicates get the same answer.
func (g *Guard) Complete(key string, outcome any, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	f, ok := g.flights[key]
	if !ok {
		return
	}
	f.outcome = outcome
	f.err = err
	f.completedAt = time.Now()
	f.ttl = g.ttl
	close(f.done)
}

// Abandon releases waiters with the error but evicts the key immediately,
// so a retry with the same key executes again. Used for retryable failures
// where caching the error would pin the client to a transient outcome.
func (g *Guard) Abandon(key string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	f, ok := g.flights[key]
	if !ok {
		return
	}
	f.err = err
	f.completedAt = time.Now()
	f.ttl = g.ttl
	close(f.done)
	delete(g.flights, key)
}

// LookupDurable checks the cold tier for a key seen before the last
// restart. A database error is returned to the caller; the guard never
// silently treats a failed lookup as "not seen".
func (g *Guard) LookupDurable(ctx context.Context, key string) (uuid.UUID, bool, error) {
	if g.db == nil {
		return uuid.Nil, false, nil
	}
	return g.db.LookupOrder(ctx, key)
}

// Sweep evicts expired completed flights. Called periodically by the
// engine's housekeeping ticker.
func (g *Guard) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	evicted := 0
	for key, f := range g.flights {
		if f.expired() {
			delete(g.flights, key)
			evicted++
		}
	}
	return evicted
}

// Len reports the number of tracked keys, exported for metrics.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.flights)
}
