package eventbus

import (
	"sync"
	"time"
)

// Signal types published by the engine. Consumers subscribe to these
// instead of polling the store.
const (
	TypeEventCreated   = "event.created"
	TypeEventUpdated   = "event.updated"
	TypeEventDeleted   = "event.deleted"
	TypeEventCompleted = "event.completed"

	TypeReminderArmed   = "reminder.armed"
	TypeReminderFired   = "reminder.fired"
	TypeReminderDropped = "reminder.dropped"

	TypeNotifySent   = "notify.sent"
	TypeNotifyDenied = "notify.denied"
	TypeNotifyFailed = "notify.failed"
)

// Event is an in-memory signal. Data should stay small; publishers must
// never block on a slow subscriber, so delivery is best-effort and a full
// subscriber buffer drops the event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It runs no goroutines of its own.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Event
	nextID uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Send without holding the write lock, but under the read lock so an
	// unsubscribe cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			// Taking the write lock excludes in-flight Publish sends, so
			// closing here cannot race a send.
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
