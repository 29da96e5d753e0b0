// Package eventbus provides the in-process pub/sub channel that fans task,
// worker, and scheduler events to WebSocket subscribers and internal
// listeners. Emission is best-effort: a slow subscriber loses its oldest
// queued events, and publishing never fails the publisher.
package eventbus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType is the closed enumeration of event types the bus carries.
type EventType string

const (
	EventTaskCreated     EventType = "TASK_CREATED"
	EventTaskUpdated     EventType = "TASK_UPDATED"
	EventTaskDeleted     EventType = "TASK_DELETED"
	EventTaskStarted     EventType = "TASK_STARTED"
	EventTaskCompleted   EventType = "TASK_COMPLETED"
	EventTaskRetry       EventType = "TASK_RETRY"
	EventTaskStatus      EventType = "TASK_STATUS"
	EventTaskResubmitted EventType = "TASK_RESUBMITTED"

	EventWorkerUpdated       EventType = "WORKER_UPDATED"
	EventWorkerOutput        EventType = "WORKER_OUTPUT"
	EventWorkerStatus        EventType = "WORKER_STATUS"
	EventWorkerPaused        EventType = "WORKER_PAUSED"
	EventWorkerTaskCancelled EventType = "WORKER_TASK_CANCELLED"

	EventSchedulerReload EventType = "SCHEDULER_RELOAD"
	EventUndoPerformed   EventType = "UNDO_PERFORMED"
	EventRedoPerformed   EventType = "REDO_PERFORMED"
	EventMessageCreated  EventType = "MESSAGE_CREATED"
	EventLogCreated      EventType = "LOG_CREATED"
)

// Event is one bus emission.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Data      map[string]any `json:"data"`
	ProjectID string         `json:"project_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Subscriber is a registered per-connection queue.
type Subscriber struct {
	ID      string
	Channel chan *Event
	Filter  func(*Event) bool
}

const (
	defaultQueueSize = 256
	recentRingSize   = 1000
)

// Bus is the in-process event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	callbacks   []func(*Event)

	recent    []*Event
	recentIdx int
	recentN   int

	published uint64
	dropped   uint64
}

// New creates an event bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[string]*Subscriber),
		recent:      make([]*Event, recentRingSize),
	}
}

// Publish emits an event to all matching subscribers and callbacks. It never
// blocks on a subscriber: when a queue is full the oldest queued event is
// dropped to make room.
func (b *Bus) Publish(evt *Event) {
	if evt == nil {
		return
	}
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	// Sends happen under the lock so Unsubscribe cannot close a channel
	// mid-send. Channels are buffered and drained on overflow, so the
	// critical section never blocks.
	b.mu.Lock()
	b.recent[b.recentIdx] = evt
	b.recentIdx = (b.recentIdx + 1) % len(b.recent)
	if b.recentN < len(b.recent) {
		b.recentN++
	}
	b.published++
	for _, s := range b.subscribers {
		if s.Filter != nil && !s.Filter(evt) {
			continue
		}
		for {
			select {
			case s.Channel <- evt:
			default:
				// Queue full: drop the oldest and retry.
				select {
				case <-s.Channel:
					b.dropped++
				default:
				}
				continue
			}
			break
		}
	}
	callbacks := b.callbacks
	b.mu.Unlock()

	for _, cb := range callbacks {
		cb(evt)
	}
}

// Emit is a convenience wrapper that builds and publishes an event.
func (b *Bus) Emit(t EventType, projectID string, data map[string]any) {
	b.Publish(&Event{Type: t, ProjectID: projectID, Data: data})
}

// Subscribe registers a queue-backed subscriber. The filter may be nil to
// receive everything.
func (b *Bus) Subscribe(id string, filter func(*Event) bool) *Subscriber {
	sub := &Subscriber{
		ID:      id,
		Channel: make(chan *Event, defaultQueueSize),
		Filter:  filter,
	}
	b.mu.Lock()
	if old, ok := b.subscribers[id]; ok {
		close(old.Channel)
	}
	b.subscribers[id] = sub
	b.mu.Unlock()
	return sub
}

// ProjectFilter returns a filter matching events for the given project plus
// unscoped events. Type filters compose with it at the call site.
func ProjectFilter(projectID string) func(*Event) bool {
	return func(evt *Event) bool {
		return evt.ProjectID == "" || evt.ProjectID == projectID
	}
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(sub.Channel)
	}
}

// OnEvent registers a synchronous callback invoked for every published
// event. Callbacks must be fast; they run on the publisher's goroutine.
func (b *Bus) OnEvent(cb func(*Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks = append(b.callbacks, cb)
}

// Recent returns up to limit most-recent events, newest last.
func (b *Bus) Recent(limit int) []*Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := b.recentN
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*Event, 0, n)
	start := b.recentIdx - n
	for i := 0; i < n; i++ {
		idx := (start + i + len(b.recent)) % len(b.recent)
		if b.recent[idx] != nil {
			out = append(out, b.recent[idx])
		}
	}
	return out
}

// Stats reports bus counters.
func (b *Bus) Stats() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return map[string]any{
		"subscribers": len(b.subscribers),
		"published":   b.published,
		"dropped":     b.dropped,
	}
}

// Close unsubscribes everyone.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.Channel)
	}
}
