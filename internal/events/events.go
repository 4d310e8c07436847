// Package events provides a publish-subscribe event bus for environment,
// memory and fork notifications.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// EventType identifies a specific event category.
type EventType string

// Environment lifecycle events.
const (
	EnvCreated       EventType = "ENV_CREATED"
	EnvStatusChanged EventType = "ENV_STATUS_CHANGED"
	EnvExited        EventType = "ENV_EXITED"
	EnvKilled        EventType = "ENV_KILLED"
)

// Memory events.
const (
	FrameAllocated EventType = "FRAME_ALLOCATED"
	FrameFreed     EventType = "FRAME_FREED"
	PageFault      EventType = "PAGE_FAULT"
	PageFaultFatal EventType = "PAGE_FAULT_FATAL"
	Syscall        EventType = "SYSCALL"
)

// Fork events.
const (
	ForkCompleted  EventType = "FORK_COMPLETED"
	PageDuplicated EventType = "PAGE_DUPLICATED"
	PageCopied     EventType = "PAGE_COPIED"
)

// Scenario events.
const (
	ScenarioFinished EventType = "SCENARIO_FINISHED"
)

// Types lists every event type the bus carries.
var Types = []EventType{
	EnvCreated, EnvStatusChanged, EnvExited, EnvKilled,
	FrameAllocated, FrameFreed, PageFault, PageFaultFatal, Syscall,
	ForkCompleted, PageDuplicated, PageCopied,
	ScenarioFinished,
}

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
