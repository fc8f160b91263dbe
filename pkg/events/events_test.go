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
	defer b.Unsubscribe(sub)

	b.Publish(Event{Type: JobStateChanged, JobID: "p0000000001", State: "running"})

	select {
	case evt := <-sub.Ch:
		assert.Equal(t, JobStateChanged, evt.Type)
		assert.Equal(t, "p0000000001", evt.JobID)
	case <-time.After(time.Second):
		t.Fatal("expected to receive event")
	}
}

func TestSubscriberCount(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	assert.Equal(t, 0, b.SubscriberCount())

	s1 := b.Subscribe()
	s2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Unsubscribe(s1)
	assert.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(s2)
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	slow := b.Subscribe() // never drained
	fast := b.Subscribe()
	defer b.Unsubscribe(slow)
	defer b.Unsubscribe(fast)

	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(Event{Type: HostStateChanged, Hostname: "h"})
	}

	require.Eventually(t, func() bool {
		select {
		case <-fast.Ch:
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}
