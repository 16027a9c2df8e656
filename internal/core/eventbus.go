package core

import (
	"sync"
	"sync/atomic"
)

// EventType names what an Event reports.
type EventType string

const (
	ModeChangedEvent    EventType = "ModeChanged"
	StatusEvent         EventType = "Status"
	CommandHandledEvent EventType = "CommandHandled"
	SlaveFinishedEvent  EventType = "SlaveFinished"
	SlaveStateEvent     EventType = "SlaveState"
	SettingsEvent       EventType = "Settings"
	ScriptChangedEvent  EventType = "ScriptChanged"
)

// Event carries a router notification. Payload depends on Type.
type Event struct {
	Type    EventType
	Payload interface{}
}

// CommandResult is the payload of CommandHandledEvent.
type CommandResult struct {
	Command Command
	Outcome string
}

// ScriptRun is the payload of ScriptChangedEvent. Name is empty when no
// script is running.
type ScriptRun struct {
	Name string
}

// Subscriber receives the events it was registered for.
type Subscriber chan Event

// subscriberBuffer is how many events a slow observer may fall behind.
const subscriberBuffer = 32

// EventBus hands router events to observers such as the websocket hub and
// the MQTT status publisher. The dispatcher publishes from its own goroutine,
// so an observer that is not keeping up loses events instead of stalling it.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	dropped     atomic.Uint64
}

func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[EventType][]Subscriber)}
}

// Subscribe registers a new channel for eventTypes.
func (eb *EventBus) Subscribe(eventTypes ...EventType) Subscriber {
	ch := make(Subscriber, subscriberBuffer)

	eb.mu.Lock()
	for _, t := range eventTypes {
		eb.subscribers[t] = append(eb.subscribers[t], ch)
	}
	eb.mu.Unlock()

	return ch
}

// Unsubscribe stops delivery of eventTypes to ch. The channel is left open;
// events already buffered stay readable.
func (eb *EventBus) Unsubscribe(ch Subscriber, eventTypes ...EventType) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for _, t := range eventTypes {
		kept := eb.subscribers[t][:0:0]
		for _, sub := range eb.subscribers[t] {
			if sub != ch {
				kept = append(kept, sub)
			}
		}
		if len(kept) == 0 {
			delete(eb.subscribers, t)
		} else {
			eb.subscribers[t] = kept
		}
	}
}

// Publish offers event to every subscriber of its type without waiting.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	subs := eb.subscribers[event.Type]
	eb.mu.RUnlock()

	// Unsubscribe builds a new slice, so subs is safe to range unlocked.
	for _, sub := range subs {
		select {
		case sub <- event:
		default:
			eb.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped because the subscriber
// was full.
func (eb *EventBus) Dropped() uint64 {
	return eb.dropped.Load()
}
