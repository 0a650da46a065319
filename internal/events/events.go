// Package events provides a publish-subscribe bus for ffi-helper
// lifecycle notifications.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// EventType identifies a specific event category.
type EventType string

// Helper process events.
const (
	HelperSpawned     EventType = "HELPER_SPAWNED"
	HelperSpawnFailed EventType = "HELPER_SPAWN_FAILED"
	HelperClosed      EventType = "HELPER_CLOSED"
)

// Temp root request events.
const (
	TempRootAdded  EventType = "TEMPROOT_ADDED"
	TempRootFailed EventType = "TEMPROOT_FAILED"
)

// Hold loop events.
const (
	HoldStarted  EventType = "HOLD_STARTED"
	HoldStopping EventType = "HOLD_STOPPING"
)

// Well-known Data keys.
const (
	KeyStage    = "stage"
	KeyErrno    = "errno"
	KeySignal   = "signal"
	KeyDuration = "duration_seconds"
	KeyName     = "name"
	KeyError    = "error"
	KeyRoots    = "roots"
)

// Event carries data from a published event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]string
}

// HandlerFunc processes an event.
type HandlerFunc func(Event)

type subscription struct {
	id      uint64
	handler HandlerFunc
}

// Bus dispatches events to subscribers. It is safe for concurrent use. A
// nil *Bus accepts publishes and drops them.
type Bus struct {
	mu     sync.RWMutex
	subs   map[EventType][]subscription
	nextID uint64
	logger *slog.Logger
}

// NewBus creates a new event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[EventType][]subscription),
		logger: logger,
	}
}

// Subscribe registers a handler for the given event types and returns a
// subscription ID for Unsubscribe. One ID covers every listed type.
func (b *Bus) Subscribe(handler HandlerFunc, types ...EventType) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	for _, et := range types {
		b.subs[et] = append(b.subs[et], subscription{id: id, handler: handler})
	}
	return id
}

// Unsubscribe removes every registration made under id.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for et, subs := range b.subs {
		kept := subs[:0]
		for _, s := range subs {
			if s.id != id {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(b.subs, et)
		} else {
			b.subs[et] = kept
		}
	}
}

// Publish dispatches an event synchronously, in registration order. A
// panicking handler is recovered and logged; remaining handlers still run.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := b.subs[event.Type]
	if len(subs) == 0 {
		b.mu.RUnlock()
		return
	}
	handlers := make([]subscription, len(subs))
	copy(handlers, subs)
	b.mu.RUnlock()

	for _, s := range handlers {
		b.safeCall(s.handler, event)
	}
}

// Emit publishes an event built from alternating key/value pairs.
func (b *Bus) Emit(et EventType, kv ...string) {
	if b == nil {
		return
	}
	var data map[string]string
	if len(kv) > 0 {
		data = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			data[kv[i]] = kv[i+1]
		}
	}
	b.Publish(Event{Type: et, Data: data})
}

func (b *Bus) safeCall(handler HandlerFunc, event Event) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Error("event handler panicked",
				"event", string(event.Type),
				"panic", r,
			)
		}
	}()
	handler(event)
}

// SubscriberCount returns the number of subscribers for an event type.
func (b *Bus) SubscriberCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventType])
}
