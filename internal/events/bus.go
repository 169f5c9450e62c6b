package events

import (
	"context"
	"sync"

	"github.com/vidforge/vidforge-backend/internal/platform/logger"
)

// Subscriber receives every emitted event it registered for. Subscribers run
// synchronously on the emitter's goroutine and must not block on long I/O;
// anything slow belongs behind its own queue (the webhook dispatcher only
// persists rows in its subscriber).
type Subscriber func(ctx context.Context, e Event)

// Bus is the in-process observer table. Emitters hold the bus; the bus knows
// nothing about emitters.
type Bus struct {
	log *logger.Logger

	mu    sync.RWMutex
	byAll []Subscriber
	byOne map[Name][]Subscriber
}

func NewBus(baseLog *logger.Logger) *Bus {
	return &Bus{
		log:   baseLog.With("component", "EventBus"),
		byOne: make(map[Name][]Subscriber),
	}
}

// SubscribeAll registers for every event name.
func (b *Bus) SubscribeAll(fn Subscriber) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byAll = append(b.byAll, fn)
}

// Subscribe registers for the given names only.
func (b *Bus) Subscribe(fn Subscriber, names ...Name) {
	if fn == nil || len(names) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, n := range names {
		b.byOne[n] = append(b.byOne[n], fn)
	}
}

// Emit delivers e to every matching subscriber, in registration order. A
// panicking subscriber is recovered and logged so one bad observer cannot
// take down the emitter.
func (b *Bus) Emit(ctx context.Context, e Event) {
	if b == nil || e == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.byAll)+len(b.byOne[e.EventName()]))
	subs = append(subs, b.byAll...)
	subs = append(subs, b.byOne[e.EventName()]...)
	b.mu.RUnlock()

	for _, fn := range subs {
		b.dispatch(ctx, fn, e)
	}
}

func (b *Bus) dispatch(ctx context.Context, fn Subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("Event subscriber panic",
				"event", string(e.EventName()),
				"panic", r,
			)
		}
	}()
	fn(ctx, e)
}
