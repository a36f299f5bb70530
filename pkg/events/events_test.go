package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJobEvent(t *testing.T) {
	ev := NewJobEvent(EventJobCompleted, 42, "dlv-1", "archived")

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, EventJobCompleted, ev.Type)
	assert.Equal(t, int64(42), ev.TicketID)
	assert.Equal(t, "dlv-1", ev.DeliveryID)
	assert.Equal(t, "archived", ev.Message)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestBrokerDeliversToSubscribers(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	assert.Equal(t, 1, broker.SubscriberCount())

	broker.Publish(NewJobEvent(EventJobAccepted, 7, "dlv-7", "queued"))

	select {
	case ev := <-sub:
		assert.Equal(t, EventJobAccepted, ev.Type)
		assert.Equal(t, int64(7), ev.TicketID)
	case <-time.After(time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestBrokerStampsMissingTimestamp(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	broker.Publish(&Event{ID: "e1", Type: EventJobFailed, TicketID: 3})

	select {
	case ev := <-sub:
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestBrokerSkipsFullSubscriber(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	full := broker.Subscribe()
	for i := 0; i < cap(full); i++ {
		full <- &Event{ID: "filler"}
	}
	healthy := broker.Subscribe()

	broker.Publish(NewJobEvent(EventJobStarted, 11, "dlv-11", ""))

	select {
	case ev := <-healthy:
		assert.Equal(t, EventJobStarted, ev.Type, "healthy subscriber still receives")
	case <-time.After(time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	broker.Unsubscribe(sub)
	assert.Equal(t, 0, broker.SubscriberCount())

	_, open := <-sub
	require.False(t, open)
}

func TestPublishAfterStopDoesNotBlock(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	broker.Stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			broker.Publish(NewJobEvent(EventJobRetried, 1, "", ""))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked after stop")
	}
}
