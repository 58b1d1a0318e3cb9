package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Handler receives published events. Handlers should be fast and
// non-blocking; a panicking handler is recovered and logged.
type Handler func(Event)

// Publisher is the engine's event sink contract.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Bus is a concurrent-safe in-process publisher with per-type fan-out.
// It always runs; external sinks (Kafka) chain behind it as subscribers
// or as a Fanout member.
type Bus struct {
	logger *zap.Logger
	mu     sync.RWMutex
	subs   map[string][]Handler
}

func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger: logger,
		subs:   make(map[string][]Handler),
	}
}

// Publish delivers an event to all subscribers of its type.
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := append([]Handler{}, b.subs[event.Type]...)
	b.mu.RUnlock()

	publishedTotal.WithLabelValues(event.Type).Inc()
	for _, handler := range handlers {
		go func(h Handler) {
			defer func() {
				if r := recover(); r != nil {
					deliveryFailures.WithLabelValues(event.Type).Inc()
					b.logger.Error("event handler panic",
						zap.Any("recover", r),
						zap.String("type", event.Type))
				}
			}()
			h(event)
		}(handler)
	}
}

// Subscribe registers a handler for an event type.
func (b *Bus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[eventType] = append(b.subs[eventType], handler)
}

// Fanout publishes every event to each member publisher. A failing member
// never blocks the others.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event Event) {
	for _, p := range f {
		p.Publish(ctx, event)
	}
}
