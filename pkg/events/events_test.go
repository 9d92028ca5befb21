package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerDeliversPublishedEventToSubscriber(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: EventBucketOpened, Message: "default"})

	select {
	case ev := <-sub:
		assert.Equal(t, EventBucketOpened, ev.Type)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBrokerWithConfigUsesDefaultsWhenFieldsAreZero(t *testing.T) {
	b := NewBrokerWithConfig(BrokerConfig{})
	require.Equal(t, DefaultBrokerConfig().QueueSize, b.cfg.QueueSize)
	require.Equal(t, DefaultBrokerConfig().SubscriberBufferSize, b.cfg.SubscriberBufferSize)
}

func TestBrokerDropsEventsWhenSubscriberBufferFull(t *testing.T) {
	b := NewBrokerWithConfig(BrokerConfig{QueueSize: 8, SubscriberBufferSize: 1})
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	for i := 0; i < 5; i++ {
		b.Publish(&Event{Type: EventEndpointConnecting})
	}

	// The subscriber's 1-deep buffer cannot keep up; the broker must not
	// block the publisher or the distribution loop on a slow subscriber.
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, len(sub), 1)
}

func TestSubscriberCountTracksSubscribeAndUnsubscribe(t *testing.T) {
	b := NewBroker()
	assert.Equal(t, 0, b.SubscriberCount())

	sub := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())
}
