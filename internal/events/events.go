// Package events provides the in-process event bus that carries queue
// snapshots and task telemetry to subscribers (the local pipeline UI, tests).
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/vidfleet/vidfleet-runner/internal/constants"
)

// EventType defines the types of events that can be emitted
type EventType string

const (
	// EventQueueUpdated fires on every queue mutation with per-stage counts.
	EventQueueUpdated EventType = "updated"

	EventTaskProgress    EventType = "task_progress"
	EventTaskStateChange EventType = "task_state_change"
	EventTaskCompleted   EventType = "task_completed"
	EventTaskFailed      EventType = "task_failed"
)

// Event is the base interface for all events
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent provides common event fields
type BaseEvent struct {
	EventType EventType
	Time      time.Time
}

func (e BaseEvent) Type() EventType      { return e.EventType }
func (e BaseEvent) Timestamp() time.Time { return e.Time }

// NewBase stamps a BaseEvent with the current time.
func NewBase(t EventType) BaseEvent {
	return BaseEvent{EventType: t, Time: time.Now()}
}

// StageCounts is a waiting/in-flight snapshot for one stage.
type StageCounts struct {
	Waiting  int `json:"waiting"`
	InFlight int `json:"inFlight"`
}

// QueueUpdatedEvent is emitted by the queue after every mutation.
type QueueUpdatedEvent struct {
	BaseEvent
	Download StageCounts
	Convert  StageCounts
	Upload   StageCounts
}

// TaskProgressEvent carries one progress tick of one stage.
type TaskProgressEvent struct {
	BaseEvent
	TaskID      string
	Stage       string  // "download", "convert", "upload"
	Progress    float64 // 0..100
	CurrentSize int64
	TotalSize   int64
	Speed       float64 // bytes/sec
	ETA         float64 // seconds
}

// TaskStateChangeEvent records a task status transition.
type TaskStateChangeEvent struct {
	BaseEvent
	TaskID    string
	OldStatus string
	NewStatus string
}

// TaskCompletedEvent fires when a task reports terminal success.
type TaskCompletedEvent struct {
	BaseEvent
	TaskID    string
	TargetURL string
	Duration  time.Duration
}

// TaskFailedEvent fires when a task reports terminal failure.
type TaskFailedEvent struct {
	BaseEvent
	TaskID string
	Stage  string
	Error  error
}

// EventBus manages event subscriptions and publishing
type EventBus struct {
	subscribers   map[EventType][]chan Event
	all           []chan Event // Subscribers to all events
	mu            sync.RWMutex
	bufferSize    int
	closed        bool
	droppedEvents atomic.Int64 // Count of dropped events due to full buffers
}

// NewEventBus creates a new event bus with specified buffer size
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = constants.EventBusDefaultBuffer
	}
	return &EventBus{
		subscribers: make(map[EventType][]chan Event),
		all:         make([]chan Event, 0),
		bufferSize:  bufferSize,
	}
}

// Subscribe creates a subscription to a specific event type
func (eb *EventBus) Subscribe(eventType EventType) <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, eb.bufferSize)
	eb.subscribers[eventType] = append(eb.subscribers[eventType], ch)
	return ch
}

// SubscribeAll creates a subscription to all events
func (eb *EventBus) SubscribeAll() <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, eb.bufferSize)
	eb.all = append(eb.all, ch)
	return ch
}

// Publish sends an event to all subscribers. Never blocks: a full subscriber
// buffer drops the event and increments the dropped counter.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}

	for _, ch := range eb.subscribers[event.Type()] {
		select {
		case ch <- event:
		default:
			eb.droppedEvents.Add(1)
		}
	}

	for _, ch := range eb.all {
		select {
		case ch <- event:
		default:
			eb.droppedEvents.Add(1)
		}
	}
}

// Close shuts down the event bus and closes all channels
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}

	eb.closed = true

	for _, channels := range eb.subscribers {
		for _, ch := range channels {
			close(ch)
		}
	}

	for _, ch := range eb.all {
		close(ch)
	}
}

// Unsubscribe removes a subscription channel from a specific event type
func (eb *EventBus) Unsubscribe(eventType EventType, ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}

	subscribers := eb.subscribers[eventType]
	for i, subCh := range subscribers {
		if subCh == ch {
			subscribers[i] = subscribers[len(subscribers)-1]
			eb.subscribers[eventType] = subscribers[:len(subscribers)-1]
			break
		}
	}
}

// UnsubscribeAll removes a subscription channel from every event type and
// the all-events list.
func (eb *EventBus) UnsubscribeAll(ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}

	for eventType, subscribers := range eb.subscribers {
		for i, subCh := range subscribers {
			if subCh == ch {
				subscribers[i] = subscribers[len(subscribers)-1]
				eb.subscribers[eventType] = subscribers[:len(subscribers)-1]
				break
			}
		}
	}

	for i, subCh := range eb.all {
		if subCh == ch {
			eb.all[i] = eb.all[len(eb.all)-1]
			eb.all = eb.all[:len(eb.all)-1]
			break
		}
	}
}

// DroppedEventCount returns the total number of events dropped due to full
// subscriber buffers.
func (eb *EventBus) DroppedEventCount() int64 {
	return eb.droppedEvents.Load()
}
