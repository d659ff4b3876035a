// Package eventbus dispatches engine lifecycle events to registered
// handlers. The write pipeline, replication admission, checkpoints, and
// the tier manager publish; the engine itself registers no handlers, so
// subscribers are whatever callers attach through Engine.Bus. Handler
// errors never fail the operation that produced the event.
package eventbus

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/swyrknt/koru-delta/internal/debug"
)

// Bus dispatches events to registered handlers.
type Bus struct {
	handlers []Handler
	mu       sync.RWMutex
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{}
}

// Register adds a handler to the bus. Handlers are sorted by priority on
// each Dispatch call, so registration order does not matter.
func (b *Bus) Register(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Unregister removes a handler by ID. Returns true if a handler was
// removed.
func (b *Bus) Unregister(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, h := range b.handlers {
		if h.ID() == id {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Handlers returns all registered handlers, for status reporting.
func (b *Bus) Handlers() []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Handler, len(b.handlers))
	copy(out, b.handlers)
	return out
}

// Dispatch sends an event to all registered handlers that handle its
// type, sequentially in priority order (lowest first). Handler errors
// are logged but do not stop the chain.
func (b *Bus) Dispatch(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("eventbus: nil event")
	}
	b.mu.RLock()
	matching := b.matchingHandlers(event.Type)
	b.mu.RUnlock()

	for _, h := range matching {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("eventbus: context canceled: %w", err)
		}
		if err := h.Handle(ctx, event); err != nil {
			debug.Logf("eventbus: handler %q error for %s: %v", h.ID(), event.Type, err)
		}
	}
	return nil
}

// matchingHandlers returns handlers for the given event type, sorted by
// priority (lowest first). Must be called with at least a read lock held.
func (b *Bus) matchingHandlers(eventType EventType) []Handler {
	var matched []Handler
	for _, h := range b.handlers {
		for _, t := range h.Handles() {
			if t == eventType {
				matched = append(matched, h)
				break
			}
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Priority() < matched[j].Priority()
	})
	return matched
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	Name     string
	Types    []EventType
	Order    int
	Callback func(ctx context.Context, event *Event) error
}

func (h *HandlerFunc) ID() string           { return h.Name }
func (h *HandlerFunc) Handles() []EventType { return h.Types }
func (h *HandlerFunc) Priority() int        { return h.Order }

func (h *HandlerFunc) Handle(ctx context.Context, event *Event) error {
	if h.Callback == nil {
		return nil
	}
	return h.Callback(ctx, event)
}
