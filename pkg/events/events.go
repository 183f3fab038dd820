package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	TurnCommitted   EventType = "turn.committed"
	TurnAborted     EventType = "turn.aborted"
	MessageEnqueued EventType = "message.enqueued"
	MessageDropped  EventType = "message.dropped"
	UrbjectCreated  EventType = "urbject.created"
	MemoryCreated   EventType = "memory.created"
	PeerAdded       EventType = "peer.added"
)

// Event represents one vat event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// subscriberBuffer bounds how far a subscriber may lag before it starts
// missing events.
const subscriberBuffer = 16

// Broker fans vat events out to subscribers. There is no pump goroutine
// and no lifecycle: Publish delivers synchronously from the turn
// engine's goroutine, dropping per subscriber rather than ever blocking
// a turn.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]struct{}),
	}
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, subscriberBuffer)
	b.subscribers[sub] = struct{}{}
	return sub
}

// Unsubscribe removes a subscription and closes its channel. Safe to
// call twice; only a live subscription is closed.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish delivers an event to every subscriber that has room. Never
// blocks the caller: turn progress must not depend on observers keeping
// up, so a full subscriber misses the event.
func (b *Broker) Publish(eventType EventType, message string, metadata map[string]string) {
	event := &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Message:   message,
		Metadata:  metadata,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// slow subscriber, skip
		}
	}
}
