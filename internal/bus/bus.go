// Package bus provides a process-wide event broadcast bus.
//
// The bus replaces ambient global signals with an explicit observable:
// it is initialized at application start and never torn down, but each
// subscription is individually cancellable.
package bus

import (
	"sync"
)

// Well-known topics.
const (
	// TopicSessionChanged fires with the new session id (string) whenever
	// the active session is created or switched.
	TopicSessionChanged = "session:changed"

	// TopicConversationsUpdated fires with the session id (string) of a
	// completed exchange, signalling the conversation list to refresh.
	TopicConversationsUpdated = "conversations:updated"

	// TopicStreamToken fires for every streamed token applied to the
	// active timeline.
	TopicStreamToken = "chat:token"

	// TopicStreamComplete fires when a streaming exchange finalizes.
	TopicStreamComplete = "chat:complete"

	// TopicStreamError fires when an exchange fails with a structured error.
	TopicStreamError = "chat:error"
)

// Handler receives published payloads. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(payload any)

// Bus is an in-process publish/subscribe hub.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]Handler
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[int]Handler)}
}

// Subscription is a cancellation handle for one subscriber.
type Subscription struct {
	bus   *Bus
	topic string
	id    int
}

// Cancel removes the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if handlers, ok := s.bus.subs[s.topic]; ok {
		delete(handlers, s.id)
		if len(handlers) == 0 {
			delete(s.bus.subs, s.topic)
		}
	}
	s.bus = nil
}

// Subscribe registers a handler for a topic and returns its cancellation
// handle.
func (b *Bus) Subscribe(topic string, fn Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]Handler)
	}
	b.subs[topic][id] = fn

	return &Subscription{bus: b, topic: topic, id: id}
}

// Publish delivers a payload to every current subscriber of the topic.
// Handlers are invoked outside the bus lock, so they may subscribe or
// cancel during delivery.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.subs[topic]))
	for _, fn := range b.subs[topic] {
		handlers = append(handlers, fn)
	}
	b.mu.Unlock()

	for _, fn := range handlers {
		fn(payload)
	}
}
