package bus

import (
	"context"
	"log"
	"sync"
)

// Handler receives a published event payload. Handler errors are logged and
// swallowed at the bus boundary; they never propagate to the publisher.
type Handler func(ctx context.Context, payload any) error

// Bus is a single-process publish/subscribe switchboard keyed by event name.
// Handlers run synchronously relative to Publish, so subscribers are expected
// to do no more than hand work to a queue.
type Bus struct {
	Logger *log.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler
}

func New(logger *log.Logger) *Bus {
	return &Bus{
		Logger:   logger,
		handlers: make(map[string][]Handler),
	}
}

func (b *Bus) logger() *log.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return log.Default()
}

// Subscribe registers a handler for the named event. Multiple handlers per
// name are allowed and run independently.
func (b *Bus) Subscribe(name string, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = make(map[string][]Handler)
	}
	b.handlers[name] = append(b.handlers[name], h)
}

// Publish invokes every handler registered for name. A failing or panicking
// handler is logged; it never fails the publish and never stops the remaining
// handlers.
func (b *Bus) Publish(ctx context.Context, name string, payload any) {
	b.mu.RLock()
	registered := append([]Handler(nil), b.handlers[name]...)
	b.mu.RUnlock()
	for _, h := range registered {
		b.invoke(ctx, name, h, payload)
	}
}

func (b *Bus) invoke(ctx context.Context, name string, h Handler, payload any) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger().Printf("event handler panic for %s: %v", name, rec)
		}
	}()
	if err := h(ctx, payload); err != nil {
		b.logger().Printf("event handler error for %s: %v", name, err)
	}
}
