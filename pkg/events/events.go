package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/custodia/depositd/pkg/metrics"
)

// ResourceType names the kind of resource a trigger message concerns
type ResourceType string

const (
	ResourceSubmission ResourceType = "submission"
	ResourceDeposit    ResourceType = "deposit"
)

// EventType names what happened to the resource
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
)

// Message is a trigger event delivered over the bus. Handlers must
// Ack every message after handling it.
type Message struct {
	ID           string
	ResourceType ResourceType
	EventType    EventType
	Timestamp    time.Time
	// ResourceID is the id of the submission or deposit concerned
	ResourceID string

	ackOnce sync.Once
	ack     func()
}

// Ack acknowledges the message; safe to call more than once
func (m *Message) Ack() {
	if m.ack != nil {
		m.ackOnce.Do(m.ack)
	}
}

// Subscriber is a channel that receives messages
type Subscriber chan *Message

// Broker manages subscriptions and message distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	messageCh   chan *Message
	stopCh      chan struct{}
	outstanding atomic.Int64
}

// NewBroker creates a new message broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		messageCh:   make(chan *Message, 100), // Buffer up to 100 messages
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish delivers a message to all subscribers
func (b *Broker) Publish(msg *Message) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	b.outstanding.Add(1)
	msg.ack = func() {
		b.outstanding.Add(-1)
		metrics.MessagesAcked.Inc()
	}

	select {
	case b.messageCh <- msg:
		metrics.MessagesPublished.Inc()
	case <-b.stopCh:
	}
}

// Outstanding returns the number of published but unacknowledged messages
func (b *Broker) Outstanding() int64 {
	return b.outstanding.Load()
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Broker) run() {
	for {
		select {
		case msg := <-b.messageCh:
			b.broadcast(msg)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(msg *Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- msg:
		default:
			// Subscriber buffer full, skip
		}
	}
}
