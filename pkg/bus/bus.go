// Package bus provides the in-memory coordination bus between pipeline
// stages. Deliveries are synchronous and best-effort: send addresses an
// explicit recipient set so two components never redundantly react to the
// same signal, broadcast reaches every subscriber and is reserved for
// system-lifecycle events. Nothing survives a restart beyond a bounded
// in-memory audit trail kept for debugging.
package bus

import (
	"log/slog"
	"sync"
	"time"
)

// Handler receives a delivered event. Handlers run on the sender's goroutine;
// long handlers delay the triggering stage and are logged as slow.
type Handler func(event string, data map[string]any)

// Message is the ephemeral delivery record kept in the audit trail.
type Message struct {
	Event      string         `json:"event"`
	Data       map[string]any `json:"data"`
	Timestamp  time.Time      `json:"timestamp"`
	Recipients []string       `json:"recipients,omitempty"`
	Broadcast  bool           `json:"broadcast"`
	Delivered  int            `json:"delivered"`
}

// Bus is a selectively-addressed synchronous event bus.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string]map[string]Handler
	trail     []Message
	trailCap  int
	slowAfter time.Duration
	logger    *slog.Logger
	clock     func() time.Time
}

// New creates a bus with a bounded audit trail.
func New(logger *slog.Logger, auditSize int) *Bus {
	if auditSize <= 0 {
		auditSize = 256
	}
	return &Bus{
		subs:      make(map[string]map[string]Handler),
		trailCap:  auditSize,
		slowAfter: 100 * time.Millisecond,
		logger:    logger,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (b *Bus) WithClock(clock func() time.Time) *Bus {
	b.clock = clock
	return b
}

// WithSlowThreshold overrides the slow-handler watchdog bound.
func (b *Bus) WithSlowThreshold(d time.Duration) *Bus {
	b.slowAfter = d
	return b
}

// Subscribe registers a handler under a subscriber id for one event. A second
// Subscribe with the same id replaces the previous handler.
func (b *Bus) Subscribe(event, subscriberID string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[event] == nil {
		b.subs[event] = make(map[string]Handler)
	}
	b.subs[event][subscriberID] = fn
}

// Unsubscribe removes a subscriber from an event. Unknown ids are ignored.
func (b *Bus) Unsubscribe(event, subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[event], subscriberID)
}

// Send delivers synchronously to the listed subscriber ids only. Subscribers
// not in the list never see the event even if subscribed. Unknown recipients
// are logged and skipped, never an error.
func (b *Bus) Send(event string, data map[string]any, recipients ...string) {
	b.mu.RLock()
	registered := b.subs[event]
	targets := make(map[string]Handler, len(recipients))
	for _, id := range recipients {
		if fn, ok := registered[id]; ok {
			targets[id] = fn
		}
	}
	b.mu.RUnlock()

	for _, id := range recipients {
		if _, ok := targets[id]; !ok {
			b.logger.Debug("bus recipient not subscribed", "event", event, "recipient", id)
		}
	}
	delivered := b.dispatch(event, data, targets)
	b.record(Message{
		Event: event, Data: data, Timestamp: b.clock(),
		Recipients: recipients, Delivered: delivered,
	})
}

// Broadcast delivers to every current subscriber of the event. Reserved for
// system-lifecycle events such as system-ready.
func (b *Bus) Broadcast(event string, data map[string]any) {
	b.mu.RLock()
	targets := make(map[string]Handler, len(b.subs[event]))
	for id, fn := range b.subs[event] {
		targets[id] = fn
	}
	b.mu.RUnlock()

	delivered := b.dispatch(event, data, targets)
	b.record(Message{
		Event: event, Data: data, Timestamp: b.clock(),
		Broadcast: true, Delivered: delivered,
	})
}

// Trail returns a copy of the retained audit trail, oldest first.
func (b *Bus) Trail() []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Message, len(b.trail))
	copy(out, b.trail)
	return out
}

func (b *Bus) dispatch(event string, data map[string]any, targets map[string]Handler) int {
	delivered := 0
	for id, fn := range targets {
		start := b.clock()
		b.invoke(event, id, data, fn)
		if elapsed := b.clock().Sub(start); elapsed > b.slowAfter {
			b.logger.Warn("slow bus subscriber",
				"event", event, "subscriber", id, "elapsed", elapsed)
		}
		delivered++
	}
	return delivered
}

// invoke isolates handler panics so one bad subscriber cannot take down the
// triggering pipeline stage.
func (b *Bus) invoke(event, id string, data map[string]any, fn Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus subscriber panicked",
				"event", event, "subscriber", id, "panic", r)
		}
	}()
	fn(event, data)
}

func (b *Bus) record(m Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trail = append(b.trail, m)
	if len(b.trail) > b.trailCap {
		b.trail = b.trail[len(b.trail)-b.trailCap:]
	}
}
