package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())

	b.Publish(&Message{
		ResourceType: ResourceSubmission,
		EventType:    EventCreated,
		ResourceID:   "sub-1",
	})

	select {
	case msg := <-sub:
		assert.NotEmpty(t, msg.ID)
		assert.False(t, msg.Timestamp.IsZero())
		assert.Equal(t, ResourceSubmission, msg.ResourceType)
		assert.Equal(t, "sub-1", msg.ResourceID)
		assert.Equal(t, int64(1), b.Outstanding())

		msg.Ack()
		assert.Equal(t, int64(0), b.Outstanding())
		// A second Ack is a no-op
		msg.Ack()
		assert.Equal(t, int64(0), b.Outstanding())
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestBroadcastToAllSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	s1 := b.Subscribe()
	s2 := b.Subscribe()

	b.Publish(&Message{ResourceType: ResourceDeposit, EventType: EventUpdated, ResourceID: "dep-1"})

	for _, sub := range []Subscriber{s1, s2} {
		select {
		case msg := <-sub:
			assert.Equal(t, "dep-1", msg.ResourceID)
			msg.Ack()
		case <-time.After(5 * time.Second):
			t.Fatal("subscriber missed the message")
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open, "unsubscribed channels are closed")
}

func TestPublishPreservesExplicitID(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Publish(&Message{ID: "msg-42", ResourceType: ResourceDeposit, ResourceID: "dep-1"})

	select {
	case msg := <-sub:
		require.Equal(t, "msg-42", msg.ID)
		msg.Ack()
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}
