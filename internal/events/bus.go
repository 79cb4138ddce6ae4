// Package events implements the typed publish/subscribe bus that carries
// transport events to UI-layer subscribers and cross-cutting signals
// (connectivity, session expiry) between the core components.
package events

import (
	"sync"
	"time"

	"github.com/windrose-im/windrose/pkg/models"
)

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(models.Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus fans events out to subscribers. Delivery within one event type is
// first-subscribed-first-called; ordering across event types is not
// guaranteed.
type Bus struct {
	mu   sync.RWMutex
	subs map[models.EventType][]subscription
	next uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[models.EventType][]subscription)}
}

// Subscribe registers handler for events of type t and returns an
// unsubscribe handle. Dropping the handle without calling it leaks the
// subscription for the bus lifetime.
func (b *Bus) Subscribe(t models.EventType, handler Handler) func() {
	b.mu.Lock()
	b.next++
	id := b.next
	b.subs[t] = append(b.subs[t], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[t]
		for i, s := range list {
			if s.id == id {
				b.subs[t] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers the event to all subscribers of its type.
func (b *Bus) Publish(event models.Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.RLock()
	list := b.subs[event.Type]
	handlers := make([]Handler, len(list))
	for i, s := range list {
		handlers[i] = s.handler
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// PublishError emits an error event with the given boundary code.
func (b *Bus) PublishError(code, message string) {
	b.Publish(models.Event{
		Type:  models.EventError,
		Error: &models.ErrorEvent{Code: code, Message: message},
	})
}

// PublishConnectivity emits the external connectivity observer signal.
func (b *Bus) PublishConnectivity(online bool) {
	b.Publish(models.Event{
		Type:         models.EventConnectivity,
		Connectivity: &models.ConnectivityEvent{Online: online},
	})
}
