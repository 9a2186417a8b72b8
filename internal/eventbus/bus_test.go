package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPublish_DeliversToSubscriber(t *testing.T) {
	b := New(zap.NewNop().Sugar())
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	b.Publish(KindRequestStart, map[string]string{"id": "req1"})

	ev := <-ch
	assert.Equal(t, KindRequestStart, ev.Kind)
	assert.Equal(t, map[string]string{"id": "req1"}, ev.Payload)
}

func TestPublish_NoSubscribersNeverBlocks(t *testing.T) {
	b := New(zap.NewNop().Sugar())
	b.Publish(KindRequestComplete, "anything")
}

func TestPublish_SlowSubscriberDropsRatherThanBlocking(t *testing.T) {
	b := New(zap.NewNop().Sugar())
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(KindRequestStart, i)
	}

	require.Len(t, ch, subscriberBuffer)
}

func TestSubscribe_LateJoinerNeverSeesPastEvents(t *testing.T) {
	b := New(zap.NewNop().Sugar())
	b.Publish(KindRequestStart, "before")

	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event delivered to late subscriber: %+v", ev)
	default:
	}
}

func TestUnsubscribe_StopsDeliveryAndClosesChannel(t *testing.T) {
	b := New(zap.NewNop().Sugar())
	ch, unsubscribe := b.Subscribe()
	unsubscribe()

	b.Publish(KindRequestStart, "after unsubscribe")

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
}
