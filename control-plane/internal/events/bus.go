package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Handler reacts to a published event.
type Handler func(ctx context.Context, e Event) error

// Bus dispatches events to subscribers registered per kind and to
// subscribers registered for every event.
//
// Publish is synchronous. Handlers for the event's kind run first, then the
// catch-all handlers, each in registration order. A failing or panicking
// handler is logged and does not stop delivery to the rest. A nil *Bus, or a
// bus without subscribers, drops events silently.
type Bus struct {
	mu     sync.RWMutex
	byKind map[Kind][]Handler
	any    []Handler
	logger *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		byKind: make(map[Kind][]Handler),
		logger: logger.With("component", "event_bus"),
	}
}

// Subscribe registers h for events of the given kinds.
func (b *Bus) Subscribe(h Handler, kinds ...Kind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range kinds {
		b.byKind[k] = append(b.byKind[k], h)
	}
}

// SubscribeAll registers h for every event.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.any = append(b.any, h)
}

// Publish delivers e to its subscribers.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if b == nil || e == nil {
		return
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.byKind[e.Kind()])+len(b.any))
	handlers = append(handlers, b.byKind[e.Kind()]...)
	handlers = append(handlers, b.any...)
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := b.invoke(ctx, h, e); err != nil {
			b.logger.Error("event subscriber failed",
				"kind", e.Kind(),
				"endpoint", e.Endpoint().UniqueID,
				"error", err,
			)
		}
	}
}

func (b *Bus) invoke(ctx context.Context, h Handler, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return h(ctx, e)
}
