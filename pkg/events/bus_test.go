package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBus_TopicFilteredDelivery(t *testing.T) {
	bus := New()
	statusOnly := bus.Subscribe(TopicEndpointStatusChanged)
	defer statusOnly.Unsubscribe()
	everything := bus.Subscribe()
	defer everything.Unsubscribe()

	bus.Publish(Event{Topic: TopicEndpointRegistered, At: time.Now(),
		Payload: EndpointRegisteredPayload{EndpointID: "e1", Name: "n1"}})
	bus.Publish(Event{Topic: TopicEndpointStatusChanged, At: time.Now(),
		Payload: EndpointStatusChangedPayload{EndpointID: "e1", NewStatus: "online"}})

	evt := <-statusOnly.Events
	require.Equal(t, TopicEndpointStatusChanged, evt.Topic)
	select {
	case extra := <-statusOnly.Events:
		t.Fatalf("unexpected extra event on filtered subscription: %v", extra.Topic)
	default:
	}

	first := <-everything.Events
	second := <-everything.Events
	require.Equal(t, TopicEndpointRegistered, first.Topic)
	require.Equal(t, TopicEndpointStatusChanged, second.Topic)
}

func TestBus_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := New()
	sub := bus.Subscribe(TopicModelsSynced)
	defer sub.Unsubscribe()

	// Overfill the subscriber's buffer without draining it; Publish must
	// return promptly every time.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBufferSize*2; i++ {
			bus.Publish(Event{Topic: TopicModelsSynced, At: time.Now(),
				Payload: ModelsSyncedPayload{EndpointID: "e1", ModelCount: i}})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	// The buffer holds exactly its bound; the overflow was dropped.
	require.Len(t, sub.Events, subscriberBufferSize)
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := New()
	sub := bus.Subscribe()
	sub.Unsubscribe()

	_, open := <-sub.Events
	require.False(t, open)

	// Publishing after unsubscribe must not panic on the closed channel.
	bus.Publish(Event{Topic: TopicEndpointRemoved, At: time.Now()})
}
