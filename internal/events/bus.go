package events

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Type identifies the kind of event published on the bus.
type Type string

const (
	SyncStarted   Type = "sync_started"
	SyncProgress  Type = "sync_progress"
	SyncCompleted Type = "sync_completed"
	SyncError     Type = "sync_error"
)

// Event is a single notification. Payload shape depends on the type.
type Event struct {
	Type    Type
	Payload interface{}
}

// Handler receives published events.
type Handler func(Event)

// Bus fans events out to subscribed handlers. Handlers are invoked in
// subscription order; a panicking handler is isolated and logged so it cannot
// prevent later handlers from being notified.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]Handler
	logger *zap.Logger
}

// NewBus creates a new event bus
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]Handler),
		logger: logger,
	}
}

// Subscribe registers a handler and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs[id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Publish delivers the event to every subscribed handler.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.subs[id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, evt)
	}
}

func (b *Bus) deliver(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event_type", string(evt.Type)),
				zap.Any("panic", r))
		}
	}()
	h(evt)
}
