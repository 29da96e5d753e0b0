package eventbus

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(ch chan *Event) []*Event {
	var out []*Event
	for {
		select {
		case evt := <-ch:
			out = append(out, evt)
		default:
			return out
		}
	}
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	bus := New()
	sub := bus.Subscribe("s1", nil)
	defer bus.Unsubscribe("s1")

	bus.Emit(EventTaskCreated, "p1", map[string]any{"task_id": "bd-1"})

	select {
	case evt := <-sub.Channel:
		assert.Equal(t, EventTaskCreated, evt.Type)
		assert.Equal(t, "p1", evt.ProjectID)
		assert.NotEmpty(t, evt.ID)
		assert.False(t, evt.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestProjectFilterScopesDelivery(t *testing.T) {
	bus := New()
	sub := bus.Subscribe("s1", ProjectFilter("p1"))
	defer bus.Unsubscribe("s1")

	bus.Emit(EventTaskUpdated, "p2", nil)
	bus.Emit(EventTaskUpdated, "p1", nil)
	bus.Emit(EventSchedulerReload, "", nil) // unscoped passes the filter

	got := drain(sub.Channel)
	require.Len(t, got, 2)
	assert.Equal(t, EventTaskUpdated, got[0].Type)
	assert.Equal(t, "p1", got[0].ProjectID)
	assert.Equal(t, EventSchedulerReload, got[1].Type)
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	bus := New()
	sub := bus.Subscribe("slow", nil)
	defer bus.Unsubscribe("slow")

	total := defaultQueueSize + 50
	for i := 0; i < total; i++ {
		bus.Emit(EventWorkerOutput, "p1", map[string]any{"n": i})
	}

	got := drain(sub.Channel)
	require.Len(t, got, defaultQueueSize)
	// The oldest 50 were dropped; the first delivered event is number 50.
	assert.Equal(t, 50, got[0].Data["n"])
	assert.Equal(t, total-1, got[len(got)-1].Data["n"])
}

func TestPublishNeverBlocksWithoutSubscribers(t *testing.T) {
	bus := New()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			bus.Emit(EventLogCreated, "", nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked")
	}
}

func TestOnEventCallback(t *testing.T) {
	bus := New()
	var seen []EventType
	bus.OnEvent(func(evt *Event) { seen = append(seen, evt.Type) })

	bus.Emit(EventUndoPerformed, "", nil)
	bus.Emit(EventRedoPerformed, "", nil)

	assert.Equal(t, []EventType{EventUndoPerformed, EventRedoPerformed}, seen)
}

func TestRecentRing(t *testing.T) {
	bus := New()
	for i := 0; i < 10; i++ {
		bus.Emit(EventTaskStatus, "", map[string]any{"n": i})
	}
	got := bus.Recent(3)
	require.Len(t, got, 3)
	assert.Equal(t, 7, got[0].Data["n"])
	assert.Equal(t, 9, got[2].Data["n"])

	// Overflow the ring and confirm it stays bounded.
	for i := 0; i < recentRingSize+5; i++ {
		bus.Emit(EventTaskStatus, "", nil)
	}
	assert.Len(t, bus.Recent(0), recentRingSize)
}

func TestUnsubscribeIdempotentUnderPublish(t *testing.T) {
	bus := New()
	for i := 0; i < 20; i++ {
		bus.Subscribe(fmt.Sprintf("s%d", i), nil)
	}
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Emit(EventWorkerStatus, "", nil)
		}
		close(done)
	}()
	for i := 0; i < 20; i++ {
		bus.Unsubscribe(fmt.Sprintf("s%d", i))
		bus.Unsubscribe(fmt.Sprintf("s%d", i))
	}
	<-done
	stats := bus.Stats()
	assert.Equal(t, 0, stats["subscribers"])
}
