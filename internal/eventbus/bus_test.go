package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFanout(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	watch, unsubWatch := b.Subscribe(4, "watchdog.")
	defer unsubWatch()

	b.Publish(Event{Type: TypeRun})
	b.Publish(Event{Type: TypeWatchdogArmed, Data: GroupEvent{GroupID: "us"}})

	require.Len(t, all, 2)
	require.Len(t, watch, 1)

	e := <-watch
	assert.Equal(t, TypeWatchdogArmed, e.Type)
	assert.False(t, e.Time.IsZero())
	assert.Equal(t, GroupEvent{GroupID: "us"}, e.Data)
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: TypeDelivery})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.EqualValues(t, 9, b.Dropped())
}

func TestUnsubscribeClosesOnce(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)

	// Publishing after unsubscribe is a no-op.
	b.Publish(Event{Type: TypeRun})
	assert.Zero(t, b.Dropped())
}
