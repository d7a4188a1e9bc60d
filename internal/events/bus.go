// Package events provides the in-process status/error channel between the
// acquisition layer and the presentation boundary. The display layer never
// receives raw errors; it receives typed events from this bus instead.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventType identifies one class of status event.
type EventType string

const (
	QuotesUpdated      EventType = "quotes_updated"
	HaltsUpdated       EventType = "halts_updated"
	SourceUnavailable  EventType = "source_unavailable"
	SourceRecovered    EventType = "source_recovered"
	StreamConnected    EventType = "stream_connected"
	StreamDisconnected EventType = "stream_disconnected"
)

// Event is one status notification.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// subscriberBuffer bounds each subscriber channel. Emit never blocks: a
// subscriber that cannot keep up loses events rather than stalling acquisition.
const subscriberBuffer = 64

// Bus fans events out to subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	log         zerolog.Logger
}

// NewBus creates an event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[string]chan Event),
		log:         log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a new subscriber and returns its id and channel.
func (b *Bus) Subscribe() (string, <-chan Event) {
	id := uuid.New().String()
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()

	b.log.Debug().Str("subscriber", id).Msg("Subscriber registered")
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()

	if ok {
		close(ch)
		b.log.Debug().Str("subscriber", id).Msg("Subscriber removed")
	}
}

// Emit broadcasts an event to every subscriber without blocking.
func (b *Bus) Emit(eventType EventType, source string, data map[string]interface{}) {
	event := Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Data:      data,
		Timestamp: time.Now(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.log.Warn().Str("subscriber", id).Str("type", string(eventType)).Msg("Subscriber buffer full, event dropped")
		}
	}
}

// SubscriberCount reports the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
