package bus

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"TradeEngine/internal/event"
)

// Handler consumes one event on the subscriber's own goroutine.
type Handler func(ev event.Event)

type subscriber struct {
	name    string
	queue   chan event.Event
	handler Handler
	dropped atomic.Int64
}

// Bus is the in-process event fanout. Publish never blocks the caller:
// each subscriber has a bounded queue drained by its own worker goroutine,
// and a full queue drops the event for that subscriber only. Subscribers
// that need a complete record rebuild from the durable order log, same as
// any downstream consumer.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	wg     sync.WaitGroup
	closed bool
	logger zerolog.Logger
}

func New(logger zerolog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers a handler with its own bounded queue and starts its
// worker. Must be called before Publish traffic starts.
func (b *Bus) Subscribe(name string, depth int, h Handler) {
	if depth <= 0 {
		depth = 1024
	}
	sub := &subscriber{
		name:    name,
		queue:   make(chan event.Event, depth),
		handler: h,
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for ev := range sub.queue {
			sub.handler(ev)
		}
	}()
}

// Publish fans the event out to every subscriber, dropping per subscriber
// when a queue is full.
func (b *Bus) Publish(ev event.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.queue <- ev:
		default:
			n := sub.dropped.Add(1)
			if n == 1 || n%1000 == 0 {
				b.logger.Warn().
					Str("subscriber", sub.name).
					Str("event_type", ev.EventType().String()).
					Int64("dropped_total", n).
					Msg("event bus queue full, dropping")
			}
		}
	}
}

// Dropped returns per-subscriber drop counts, exported for metrics.
func (b *Bus) Dropped() map[string]int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]int64, len(b.subs))
	for _, sub := range b.subs {
		out[sub.name] = sub.dropped.Load()
	}
	return out
}

// Close stops accepting publishes, drains queued events and waits for the
// workers to finish.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.queue)
	}
	b.wg.Wait()
}
