// Package events provides a publish-subscribe event bus for connection
// and listener notifications inside an echod process.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// EventType identifies a specific event category.
type EventType string

// Connection admission events, published by TCP listeners.
const (
	ConnectionAccepted EventType = "CONNECTION_ACCEPTED"
	ConnectionDropped  EventType = "CONNECTION_DROPPED"
	WorkerSpawnFailed  EventType = "WORKER_SPAWN_FAILED"
	WorkerReaped       EventType = "WORKER_REAPED"
)

// Datagram is published by UDP listeners once per datagram handled.
const Datagram EventType = "DATAGRAM"

// Listener lifecycle events.
const (
	ListenerStarted EventType = "LISTENER_STARTED"
	ListenerExited  EventType = "LISTENER_EXITED"
)

// Tick5 is the periodic flush tick.
const Tick5 EventType = "TICK_5"

// TickInterval is the default period of Tick5.
const TickInterval = 5 * time.Second

// Event carries data from a published event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]string
}

// HandlerFunc processes an event.
type HandlerFunc func(Event)

// subscription tracks a single subscriber.
type subscription struct {
	id      uint64
	handler HandlerFunc
}

// Bus is the central event dispatcher. It is safe for concurrent use.
// When no subscribers exist, Publish is a no-op with zero allocations.
type Bus struct {
	mu     sync.RWMutex
	subs   map[EventType][]subscription
	nextID uint64
	logger *slog.Logger
}

// NewBus creates a new event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[EventType][]subscription),
		logger: logger,
	}
}

// Subscribe registers a handler for the given event type.
// Returns a subscription ID that can be used to unsubscribe.
func (b *Bus) Subscribe(eventType EventType, handler HandlerFunc) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[eventType] = append(b.subs[eventType], subscription{
		id:      id,
		handler: handler,
	})
	return id
}

// Unsubscribe removes a subscription by ID.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for eventType, subs := range b.subs {
		for i, s := range subs {
			if s.id == id {
				b.subs[eventType] = append(subs[:i], subs[i+1:]...)
				if len(b.subs[eventType]) == 0 {
					delete(b.subs, eventType)
				}
				return
			}
		}
	}
}

// Publish dispatches an event to all subscribers of the event type.
// Handlers are called synchronously in registration order.
// A panicking handler is recovered and logged; remaining handlers
// still execute.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := b.subs[event.Type]
	if len(subs) == 0 {
		b.mu.RUnlock()
		return
	}
	// Copy the slice so we can release the lock before calling handlers.
	handlers := make([]subscription, len(subs))
	copy(handlers, subs)
	b.mu.RUnlock()

	for _, s := range handlers {
		b.safeCall(s.handler, event)
	}
}

func (b *Bus) safeCall(handler HandlerFunc, event Event) {
	defer func() {
		if r := recover(); r != nil {
			if b.logger != nil {
				b.logger.Error("event handler panicked",
					"event", string(event.Type),
					"panic", r,
				)
			}
		}
	}()
	handler(event)
}

// SubscriberCount returns the number of subscribers for an event type.
func (b *Bus) SubscriberCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventType])
}

// Ticker emits periodic TICK_5 events. Call Stop to shut it down.
type Ticker struct {
	bus    *Bus
	every  time.Duration
	stopCh chan struct{}
	done   chan struct{}
}

// NewTicker starts emitting TICK_5 events every TickInterval.
func NewTicker(bus *Bus) *Ticker {
	return newTicker(bus, TickInterval)
}

func newTicker(bus *Bus, every time.Duration) *Ticker {
	t := &Ticker{
		bus:    bus,
		every:  every,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *Ticker) run() {
	defer close(t.done)

	tick := time.NewTicker(t.every)
	defer tick.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case now := <-tick.C:
			t.bus.Publish(Event{Type: Tick5, Timestamp: now})
		}
	}
}

// Stop terminates the ticker goroutine and waits for it to finish.
func (t *Ticker) Stop() {
	close(t.stopCh)
	<-t.done
}
