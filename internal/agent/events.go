package agent

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"ditto-agent/internal/thing"
)

// Event types emitted by the agent.
const (
	EventPatchSent      = "patch_sent"
	EventPatchFailed    = "patch_failed"
	EventAttributesSent = "attributes_sent"
	EventCommand        = "command_handled"
	EventConnection     = "connection"
)

// Event is emitted by the agent from its loop goroutine.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// PatchData accompanies EventPatchSent and EventPatchFailed.
type PatchData struct {
	Channel     thing.Channel    `json:"channel"`
	Time        time.Time        `json:"time"`
	Definitions bool             `json:"definitions"`
	Properties  []thing.Reported `json:"properties"`
}

// AttributesData accompanies EventAttributesSent.
type AttributesData struct {
	Time       time.Time      `json:"time"`
	Attributes map[string]any `json:"attributes"`
}

// CommandData accompanies EventCommand. Status is the outcome of the request
// even when no response was published (Replied false).
type CommandData struct {
	Time          time.Time     `json:"time"`
	RequestID     string        `json:"request_id"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Feature       string        `json:"feature"`
	Command       string        `json:"command"`
	Status        int           `json:"status"`
	Replied       bool          `json:"replied"`
	Error         string        `json:"error,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// ConnectionData accompanies EventConnection.
type ConnectionData struct {
	Time      time.Time `json:"time"`
	Connected bool      `json:"connected"`
}

// EventHandler receives one event. It runs on the goroutine that emitted it.
type EventHandler func(Event)

type subscription struct {
	id      uint64
	typ     string // empty matches every type
	handler EventHandler
}

// EventBus fans agent events out to subscribers. Delivery is synchronous and
// follows subscription order.
type EventBus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{logger: logger.With("component", "events")}
}

// On subscribes handler to events of eventType. The returned func cancels the
// subscription and may be called more than once.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.subscribe(eventType, handler)
}

// OnAll subscribes handler to every event.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.subscribe("", handler)
}

func (eb *EventBus) subscribe(typ string, handler EventHandler) func() {
	eb.mu.Lock()
	eb.nextID++
	id := eb.nextID
	eb.subs = append(eb.subs, subscription{id: id, typ: typ, handler: handler})
	eb.mu.Unlock()

	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		eb.subs = slices.DeleteFunc(eb.subs, func(s subscription) bool { return s.id == id })
	}
}

// Emit delivers event to every matching subscriber before returning. Events
// are emitted from the agent loop, so subscribers must not block.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	var matched []EventHandler
	for _, s := range eb.subs {
		if s.typ == "" || s.typ == event.Type {
			matched = append(matched, s.handler)
		}
	}
	eb.mu.RUnlock()

	for _, h := range matched {
		eb.deliver(h, event)
	}
}

// deliver isolates the loop from a panicking subscriber.
func (eb *EventBus) deliver(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event subscriber panicked", "type", event.Type, "panic", r)
		}
	}()
	h(event)
}
