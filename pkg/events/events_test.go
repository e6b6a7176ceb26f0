package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerDelivers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())

	b.Emit(EventInstanceAdded, "worker added", map[string]string{"instance_id": "i-1"})

	select {
	case ev := <-sub:
		assert.Equal(t, EventInstanceAdded, ev.Type)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
		assert.Equal(t, "i-1", ev.Metadata["instance_id"])
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	assert.Zero(t, b.SubscriberCount())
}

func TestSubscribeFiltersByType(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	status := b.Subscribe(EventClusterStatus)
	all := b.Subscribe()

	b.Emit(EventInstanceAdded, "worker added", nil)
	b.Emit(EventClusterStatus, "cluster status changed", map[string]string{"status": "ready"})

	for i := 0; i < 2; i++ {
		select {
		case <-all:
		case <-time.After(time.Second):
			t.Fatal("unfiltered subscriber missed an event")
		}
	}
	select {
	case ev := <-status:
		assert.Equal(t, EventClusterStatus, ev.Type)
		assert.Equal(t, "ready", ev.Metadata["status"])
	case <-time.After(time.Second):
		t.Fatal("status event not delivered")
	}
	select {
	case ev := <-status:
		t.Fatalf("unexpected %s event", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := NewBroker()
	// not started, so nothing drains the queue
	for i := 0; i < 500; i++ {
		b.Emit(EventClusterStatus, "tick", nil)
	}
	b.Stop()
	b.Stop()
	b.Emit(EventClusterStatus, "after stop", nil)
}

func TestNilBrokerEmit(t *testing.T) {
	var b *Broker
	require.NotPanics(t, func() { b.Emit(EventClusterShared, "x", nil) })
}
