package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler consumes one event. Handlers run synchronously on the publisher's
// goroutine, so they must be fast and must not block; anything slow should
// hand off to its own goroutine or channel.
type Handler func(event *Event)

// Publisher is the emitting side of the bus, the only part most services
// need.
type Publisher interface {
	Publish(data EventData)
}

// Bus is a minimal in-process publish/subscribe dispatcher.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]*subscription
	log      zerolog.Logger
}

type subscription struct {
	handler Handler
}

// NewBus creates an empty event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]*subscription),
		log:      log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a handler for an event type and returns an
// unsubscribe function. Long-lived consumers may discard it; per-connection
// consumers (websocket streams) must call it on disconnect.
func (b *Bus) Subscribe(eventType EventType, handler Handler) func() {
	sub := &subscription{handler: handler}

	b.mu.Lock()
	b.handlers[eventType] = append(b.handlers[eventType], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[eventType]
		for i, s := range subs {
			if s == sub {
				b.handlers[eventType] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers an event to every subscriber of its type.
// A handler panic is recovered and logged so one bad consumer cannot take
// down the coordinator.
func (b *Bus) Publish(data EventData) {
	event := &Event{
		Type:      data.EventType(),
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	b.mu.RLock()
	subs := append([]*subscription(nil), b.handlers[event.Type]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		b.dispatch(event, sub.handler)
	}
}

func (b *Bus) dispatch(event *Event, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str("event_type", string(event.Type)).
				Interface("panic", r).
				Msg("Event handler panicked")
		}
	}()
	handler(event)
}
