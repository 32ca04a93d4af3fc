package eventbus_test

import (
	"testing"
	"time"

	"github.com/agentrelay/agentrelay/eventbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	bus := eventbus.New()
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	bus.Publish(eventbus.Event{Type: eventbus.MessageEnqueued, MessageID: "m1"})

	select {
	case ev := <-ch:
		assert.Equal(t, eventbus.MessageEnqueued, ev.Type)
		assert.Equal(t, "m1", ev.MessageID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishFansOutToMultipleSubscribers(t *testing.T) {
	bus := eventbus.New()
	ch1, unsub1 := bus.Subscribe()
	ch2, unsub2 := bus.Subscribe()
	defer unsub1()
	defer unsub2()

	require.Equal(t, 2, bus.SubscriberCount())

	bus.Publish(eventbus.Event{Type: eventbus.ResponseReady})

	for _, ch := range []<-chan eventbus.Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, eventbus.ResponseReady, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out event")
		}
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	bus := eventbus.New()
	_, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish(eventbus.Event{Type: eventbus.PipelineStep})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber buffer")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := eventbus.New()
	ch, unsubscribe := bus.Subscribe()
	unsubscribe()

	bus.Publish(eventbus.Event{Type: eventbus.AgentRouted})

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
}
