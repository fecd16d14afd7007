// Package events provides the in-process event bus used to surface session
// lifecycle transitions to the HTTP layer and the logs.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType represents different event types.
type EventType string

const (
	SessionRegistered  EventType = "SESSION_REGISTERED"
	SessionStageMoved  EventType = "SESSION_STAGE_MOVED"
	SessionInterrupted EventType = "SESSION_INTERRUPTED"
	SessionResumed     EventType = "SESSION_RESUMED"
	SessionCompleted   EventType = "SESSION_COMPLETED"
	SessionFailed      EventType = "SESSION_FAILED"
	SessionCancelled   EventType = "SESSION_CANCELLED"
	OrderSubmitted     EventType = "ORDER_SUBMITTED"
	ErrorOccurred      EventType = "ERROR_OCCURRED"
)

// Event represents a system event.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Module    string                 `json:"module"`
}

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(*Event)

// Subscription identifies one registered handler so it can be removed.
type Subscription struct {
	t  EventType
	id uint64
}

type subscriber struct {
	id uint64
	fn Handler
}

// Bus is a synchronous publish/subscribe bus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]subscriber
	nextID   uint64
	log      zerolog.Logger
}

// NewBus creates an event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]subscriber),
		log:      log.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers a handler for one event type. The returned subscription
// releases the handler; long-lived subscribers may discard it.
func (b *Bus) Subscribe(t EventType, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.handlers[t] = append(b.handlers[t], subscriber{id: b.nextID, fn: h})
	return Subscription{t: t, id: b.nextID}
}

// Unsubscribe removes a handler. Unknown subscriptions are a no-op.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[sub.t]
	for i, s := range subs {
		if s.id == sub.id {
			b.handlers[sub.t] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish emits an event to all handlers of its type. A panicking handler
// is logged and skipped.
func (b *Bus) Publish(t EventType, module string, data map[string]interface{}) {
	event := &Event{
		Type:      t,
		Timestamp: time.Now(),
		Data:      data,
		Module:    module,
	}

	b.log.Debug().
		Str("event_type", string(t)).
		Str("module", module).
		Msg("event published")

	b.mu.RLock()
	subs := make([]subscriber, len(b.handlers[t]))
	copy(subs, b.handlers[t])
	b.mu.RUnlock()

	for _, s := range subs {
		b.safeCall(s.fn, event)
	}
}

func (b *Bus) safeCall(h Handler, e *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("event_type", string(e.Type)).Msg("event handler panicked")
		}
	}()
	h(e)
}

// PublishError emits an error event.
func (b *Bus) PublishError(module string, err error, context map[string]interface{}) {
	b.Publish(ErrorOccurred, module, map[string]interface{}{
		"error":   err.Error(),
		"context": context,
	})
}
