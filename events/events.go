// Package events is the in-process event bus of the console.
//
// The auth module publishes session.signed_in / session.signed_out on it and
// the access module publishes access.role_changed; access contexts subscribe
// to all three. Publish runs handlers in registration order on the caller's
// goroutine. PublishAsync runs each handler on its own goroutine and Shutdown
// waits for those to finish.
//
// Typed subscriptions avoid type switches in handlers:
//
//	unsubscribe := events.On(bus, auth.EventSignedIn, func(ctx context.Context, ev auth.SignedIn) {
//	    ...
//	})
//	defer unsubscribe()
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/talosaether/gymops"
)

// Handler is a function that handles an event.
type Handler func(ctx context.Context, eventType string, payload any)

// Subscriber is the subscription half of the bus.
type Subscriber interface {
	Subscribe(eventType string, handler any) func()
}

type subscription struct {
	id      uint64
	handler Handler
}

// Module is the events module implementation.
type Module struct {
	mu       sync.RWMutex
	subs     map[string][]subscription
	nextID   uint64
	inflight sync.WaitGroup
	logger   *slog.Logger
}

// Option is a function that configures the events module.
type Option func(*Module)

// WithLogger sets the logger used to report handler panics before Init runs.
func WithLogger(logger *slog.Logger) Option {
	return func(mod *Module) {
		mod.logger = logger
	}
}

// New creates a new events module with the given options.
func New(opts ...Option) *Module {
	mod := &Module{
		subs:   make(map[string][]subscription),
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(mod)
	}

	return mod
}

// Name returns the module identifier.
func (mod *Module) Name() string {
	return "events"
}

// Init adopts the App logger.
func (mod *Module) Init(ctx context.Context, app *gymops.App) error {
	mod.logger = app.Logger().With("module", "events")
	mod.logger.Info("events module initialized")
	return nil
}

// Shutdown waits for async handlers and drops every subscription.
func (mod *Module) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		mod.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for async handlers: %w", ctx.Err())
	}

	mod.mu.Lock()
	defer mod.mu.Unlock()
	mod.subs = make(map[string][]subscription)
	return nil
}

// Subscribe registers a Handler or a func(context.Context, string, any) for
// eventType and returns its unsubscribe function. Other handler types are
// ignored.
func (mod *Module) Subscribe(eventType string, handler any) func() {
	var fn Handler
	switch h := handler.(type) {
	case Handler:
		fn = h
	case func(context.Context, string, any):
		fn = h
	default:
		mod.logger.Warn("ignoring subscription with unsupported handler type",
			"event", eventType, "type", fmt.Sprintf("%T", handler))
		return func() {}
	}
	if fn == nil {
		return func() {}
	}

	mod.mu.Lock()
	mod.nextID++
	id := mod.nextID
	mod.subs[eventType] = append(mod.subs[eventType], subscription{id: id, handler: fn})
	mod.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { mod.remove(eventType, id) })
	}
}

func (mod *Module) remove(eventType string, id uint64) {
	mod.mu.Lock()
	defer mod.mu.Unlock()

	subs := mod.subs[eventType]
	for i, sub := range subs {
		if sub.id != id {
			continue
		}
		kept := make([]subscription, 0, len(subs)-1)
		kept = append(kept, subs[:i]...)
		kept = append(kept, subs[i+1:]...)
		if len(kept) == 0 {
			delete(mod.subs, eventType)
		} else {
			mod.subs[eventType] = kept
		}
		return
	}
}

func (mod *Module) handlers(eventType string) []Handler {
	mod.mu.RLock()
	defer mod.mu.RUnlock()

	subs := mod.subs[eventType]
	out := make([]Handler, len(subs))
	for i, sub := range subs {
		out[i] = sub.handler
	}
	return out
}

// Publish calls every handler for eventType in registration order.
func (mod *Module) Publish(ctx context.Context, eventType string, payload any) {
	for _, handler := range mod.handlers(eventType) {
		mod.call(ctx, handler, eventType, payload)
	}
}

// PublishAsync calls every handler for eventType on its own goroutine.
func (mod *Module) PublishAsync(ctx context.Context, eventType string, payload any) {
	for _, handler := range mod.handlers(eventType) {
		mod.inflight.Add(1)
		go func(h Handler) {
			defer mod.inflight.Done()
			mod.call(ctx, h, eventType, payload)
		}(handler)
	}
}

// call runs one handler. A panicking handler is logged and does not stop
// delivery to the rest.
func (mod *Module) call(ctx context.Context, handler Handler, eventType string, payload any) {
	defer func() {
		if r := recover(); r != nil {
			mod.logger.Error("event handler panicked", "event", eventType, "panic", r)
		}
	}()
	handler(ctx, eventType, payload)
}

// HasSubscribers reports whether eventType has any handler.
func (mod *Module) HasSubscribers(eventType string) bool {
	return mod.SubscriberCount(eventType) > 0
}

// SubscriberCount returns the number of handlers for eventType.
func (mod *Module) SubscriberCount(eventType string) int {
	mod.mu.RLock()
	defer mod.mu.RUnlock()
	return len(mod.subs[eventType])
}

// On subscribes a handler that only receives payloads of type T. Payloads of
// any other type, including *T, are skipped.
func On[T any](bus Subscriber, eventType string, fn func(ctx context.Context, payload T)) func() {
	return bus.Subscribe(eventType, Handler(func(ctx context.Context, _ string, payload any) {
		if typed, ok := payload.(T); ok {
			fn(ctx, typed)
		}
	}))
}
