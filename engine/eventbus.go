package engine

import (
	"sync"
	"time"
)

// SubscriberID identifies a registered event subscriber.
type SubscriberID int

type subscriber struct {
	fn    func(Event)
	types map[EventType]bool // nil means all types
}

// EventBus fans engine events out to registered subscribers. Callbacks run
// synchronously on the emitting goroutine and must not block.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[SubscriberID]subscriber
	counter     SubscriberID
}

// NewEventBus creates an empty event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[SubscriberID]subscriber),
	}
}

// Subscribe registers a callback for all event types.
func (b *EventBus) Subscribe(fn func(Event)) SubscriberID {
	return b.subscribe(fn, nil)
}

// SubscribeTypes registers a callback for specific event types only.
func (b *EventBus) SubscribeTypes(fn func(Event), types ...EventType) SubscriberID {
	filter := make(map[EventType]bool, len(types))
	for _, t := range types {
		filter[t] = true
	}
	return b.subscribe(fn, filter)
}

func (b *EventBus) subscribe(fn func(Event), types map[EventType]bool) SubscriberID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counter++
	id := b.counter
	b.subscribers[id] = subscriber{fn: fn, types: types}
	return id
}

// Unsubscribe removes a subscriber. Unknown IDs are ignored.
func (b *EventBus) Unsubscribe(id SubscriberID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// Emit delivers an event to all matching subscribers. A zero timestamp is
// stamped with the current time.
func (b *EventBus) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if s.types != nil && !s.types[e.Type] {
			continue
		}
		s.fn(e)
	}
}
