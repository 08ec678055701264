// Package events provides the in-process event bus the orchestration core
// publishes state transitions on. The presentation layer (console, HTTP
// observers, websocket streams) subscribes here; the core itself never makes
// a UI decision.
package events

import (
	"sync"
	"time"
)

// Core event types.
const (
	SessionSpawned   = "session.spawned"
	SessionWaiting   = "session.waiting" // attention requested
	SessionResumed   = "session.resumed"
	SessionCompleted = "session.completed"
	SessionFailed    = "session.failed"
	SessionCancelled = "session.cancelled"
	GroupCompleted   = "group.completed"
	AutopilotRun     = "autopilot.run"
	AutopilotSkip    = "autopilot.skip"
	AutopilotReload  = "autopilot.reloaded"
)

// BusEvent is the minimal contract for anything published on the bus.
type BusEvent interface {
	EventType() string
	When() time.Time
}

// BaseEvent carries the fields every event shares.
type BaseEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (e BaseEvent) EventType() string { return e.Type }
func (e BaseEvent) When() time.Time   { return e.Timestamp }

// SessionEvent is published on every session state transition.
type SessionEvent struct {
	BaseEvent
	SessionID int    `json:"session_id"`
	State     string `json:"state,omitempty"`
	Question  string `json:"question,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// NewSessionEvent constructs a session event with a UTC timestamp.
func NewSessionEvent(eventType string, sessionID int, state, question, detail string) SessionEvent {
	return SessionEvent{
		BaseEvent: BaseEvent{Type: eventType, Timestamp: time.Now().UTC()},
		SessionID: sessionID,
		State:     state,
		Question:  question,
		Detail:    detail,
	}
}

// GroupEvent is published when a coordination group completes.
type GroupEvent struct {
	BaseEvent
	Key     string `json:"key"`
	Members int    `json:"members"`
}

// NewGroupEvent constructs a group event with a UTC timestamp.
func NewGroupEvent(eventType, key string, members int) GroupEvent {
	return GroupEvent{
		BaseEvent: BaseEvent{Type: eventType, Timestamp: time.Now().UTC()},
		Key:       key,
		Members:   members,
	}
}

// AutopilotEvent is published for recipe firings, skips, and reloads.
type AutopilotEvent struct {
	BaseEvent
	Recipe    string `json:"recipe,omitempty"`
	SessionID int    `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// NewAutopilotEvent constructs an autopilot event with a UTC timestamp.
func NewAutopilotEvent(eventType, recipe string, sessionID int, reason string) AutopilotEvent {
	return AutopilotEvent{
		BaseEvent: BaseEvent{Type: eventType, Timestamp: time.Now().UTC()},
		Recipe:    recipe,
		SessionID: sessionID,
		Reason:    reason,
	}
}

// Handler consumes a published event. Handlers must not block for long;
// slow consumers should buffer internally.
type Handler func(BusEvent)

type subscription struct {
	id      int
	pattern string // event type, or "" for all
	fn      Handler
}

// EventBus fans published events out to subscribers. Publish dispatches
// synchronously under a bounded handler semaphore; use an Emitter for
// fire-and-forget publication from hot paths.
type EventBus struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription

	handlerSem chan struct{}
}

// NewEventBus creates a bus allowing up to maxConcurrent handler invocations
// in flight at once.
func NewEventBus(maxConcurrent int) *EventBus {
	if maxConcurrent < 1 {
		maxConcurrent = 16
	}
	return &EventBus{handlerSem: make(chan struct{}, maxConcurrent)}
}

// Subscribe registers a handler for one event type. The returned function
// removes the subscription.
func (b *EventBus) Subscribe(eventType string, fn Handler) func() {
	return b.subscribe(eventType, fn)
}

// SubscribeAll registers a handler for every event type.
func (b *EventBus) SubscribeAll(fn Handler) func() {
	return b.subscribe("", fn)
}

func (b *EventBus) subscribe(pattern string, fn Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, pattern: pattern, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers ev to all matching subscribers. Each handler runs inside
// the semaphore so a stuck subscriber applies backpressure here rather than
// corrupting caller state.
func (b *EventBus) Publish(ev BusEvent) {
	if ev == nil {
		return
	}
	b.mu.RLock()
	matched := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.pattern == "" || s.pattern == ev.EventType() {
			matched = append(matched, s.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range matched {
		b.handlerSem <- struct{}{}
		func() {
			defer func() { <-b.handlerSem }()
			fn(ev)
		}()
	}
}

// DefaultBus is the process-wide bus used when a component is not handed an
// explicit one.
var DefaultBus = NewEventBus(16)
