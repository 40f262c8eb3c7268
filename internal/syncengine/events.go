package syncengine

import (
	"sync"
	"sync/atomic"
	"time"
)

type EventType string

const (
	EventSyncStarted   EventType = "sync_started"
	EventSyncCompleted EventType = "sync_completed"
	EventSyncFailed    EventType = "sync_failed"
	EventItemProcessed EventType = "item_processed"
	EventItemFailed    EventType = "item_failed"
	EventItemEnqueued  EventType = "item_enqueued"
)

const defaultSubscriberBuffer = 64

type SyncEvent struct {
	Type       EventType    `json:"type"`
	Timestamp  time.Time    `json:"timestamp"`
	ItemID     string       `json:"itemId,omitempty"`
	EntityType string       `json:"entityType,omitempty"`
	EntityID   string       `json:"entityId,omitempty"`
	Operation  string       `json:"operation,omitempty"`
	Action     string       `json:"action,omitempty"`
	ErrorKind  string       `json:"errorKind,omitempty"`
	Error      string       `json:"error,omitempty"`
	Attempt    int          `json:"attempt,omitempty"`
	Cycle      *CycleResult `json:"cycle,omitempty"`
}

// EventBus fans events out to subscribers. A subscriber whose buffer is full
// misses the event; publishers never block.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[int]chan SyncEvent
	nextID  int
	dropped atomic.Int64
}

func NewEventBus() *EventBus {
	return &EventBus{subs: map[int]chan SyncEvent{}}
}

func (b *EventBus) Subscribe(buffer int) (<-chan SyncEvent, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan SyncEvent, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *EventBus) Publish(ev SyncEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped counts deliveries skipped because a subscriber was full.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}
