package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"ditto-agent/internal/ditto"
	"ditto-agent/internal/hono"
	"ditto-agent/internal/thing"
	"ditto-agent/internal/wire"
)

var (
	ErrAgentExists      = errors.New("an agent already exists in this process")
	ErrDuplicateFeature = errors.New("duplicate feature")
	ErrRunning          = errors.New("agent is running")
)

// active guards the one-agent-per-process rule. The agent itself is never
// reachable through a global; it is passed to whoever needs it.
var active atomic.Bool

// QoS levels of the two reporting channels and of command responses.
const (
	qosTelemetry byte = 0
	qosEvent     byte = 1
	qosResponse  byte = 0
)

// Transport is the publish/subscribe connection the agent reports through.
type Transport interface {
	// Connected reports whether the connection is currently up.
	Connected() bool
	// Service hands queued inbound messages to deliver on the caller's goroutine.
	Service(deliver func(topic string, payload []byte))
	// Send publishes doc as JSON; a nil doc publishes an empty payload.
	Send(topic string, doc any, qos byte) bool
}

// Option configures an Agent.
type Option func(*Agent)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// WithTopics selects the Hono topic form.
func WithTopics(t hono.Topics) Option {
	return func(a *Agent) { a.topics = t }
}

// WithEvents publishes agent events on bus instead of a private one.
func WithEvents(bus *EventBus) Option {
	return func(a *Agent) { a.events = bus }
}

// Agent owns the feature table and device attributes of one thing and drives
// reporting and command dispatch, one Tick at a time. Registration happens
// before Run; after that only property reporting state changes, and only on
// the loop goroutine.
type Agent struct {
	id        ditto.ThingID
	transport Transport
	topics    hono.Topics
	events    *EventBus
	logger    *slog.Logger
	now       func() time.Time

	mu         sync.RWMutex
	attributes map[string]wire.Value
	features   map[string]*thing.Feature
	order      []*thing.Feature
	running    bool

	firstTelemetrySent bool
	firstEventSent     bool
	connected          bool
	attributesSent     bool
	closed             atomic.Bool
}

// New creates the process's agent. It fails with ErrAgentExists while another
// agent is open; Close releases the slot.
func New(id ditto.ThingID, transport Transport, logger *slog.Logger, opts ...Option) (*Agent, error) {
	if !active.CompareAndSwap(false, true) {
		return nil, ErrAgentExists
	}
	a := &Agent{
		id:         id,
		transport:  transport,
		logger:     logger.With("component", "agent"),
		now:        time.Now,
		attributes: make(map[string]wire.Value),
		features:   make(map[string]*thing.Feature),
	}
	for _, o := range opts {
		o(a)
	}
	if a.events == nil {
		a.events = NewEventBus(logger)
	}
	return a, nil
}

// Close releases the process-wide agent slot.
func (a *Agent) Close() {
	if a.closed.CompareAndSwap(false, true) {
		active.Store(false)
	}
}

func (a *Agent) ThingID() ditto.ThingID { return a.id }
func (a *Agent) Events() *EventBus      { return a.events }

// AddAttribute sets a device-level attribute, sent once per connection.
func (a *Agent) AddAttribute(name string, v wire.Value) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return ErrRunning
	}
	if name == "" {
		return fmt.Errorf("attribute: %w", thing.ErrEmptyName)
	}
	a.attributes[name] = v
	return nil
}

// AddFeature registers f. Its builder error, if any, is returned.
func (a *Agent) AddFeature(f *thing.Feature) error {
	if err := f.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return ErrRunning
	}
	if _, dup := a.features[f.ID()]; dup {
		return fmt.Errorf("feature %s: %w", f.ID(), ErrDuplicateFeature)
	}
	a.features[f.ID()] = f
	a.order = append(a.order, f)
	sort.Slice(a.order, func(i, j int) bool { return a.order[i].ID() < a.order[j].ID() })
	return nil
}

// HasCommands reports whether any feature registers a command, i.e. whether
// the transport needs to subscribe to command requests.
func (a *Agent) HasCommands() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, f := range a.order {
		if f.HasCommands() {
			return true
		}
	}
	return false
}

// Run ticks every interval until ctx is done.
func (a *Agent) Run(ctx context.Context, interval time.Duration) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return ErrRunning
	}
	a.running = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()

	a.logger.Info("agent started", "thing", a.id.String(), "features", len(a.order), "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		a.Tick()
		select {
		case <-ctx.Done():
			a.logger.Info("agent stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one loop step: liveness check, inbound servicing, then one
// telemetry and one event publish pass. Nothing is published while the
// transport is down.
func (a *Agent) Tick() {
	up := a.transport.Connected()
	if up != a.connected {
		a.connected = up
		if up {
			a.logger.Info("transport up")
			a.attributesSent = false
		} else {
			a.logger.Warn("transport down")
		}
		a.events.Emit(Event{Type: EventConnection, Data: ConnectionData{Time: a.now(), Connected: up}})
	}
	if !up {
		return
	}

	a.transport.Service(a.dispatch)

	if !a.attributesSent {
		a.attributesSent = a.SendAttributes()
	}
	a.publish(thing.Telemetry)
	a.publish(thing.Event)
}

// SendAttributes publishes the attribute bag as a merge patch on the event
// channel. With no attributes there is nothing to send and it returns true.
func (a *Agent) SendAttributes() bool {
	if len(a.attributes) == 0 {
		return true
	}
	msg := ditto.MergePatch(a.id, ditto.PathAttributes, a.attributes)
	if !a.transport.Send(a.topics.Event(), msg, qosEvent) {
		a.logger.Warn("attributes not sent")
		return false
	}
	attrs := make(map[string]any, len(a.attributes))
	for k, v := range a.attributes {
		attrs[k] = v.Interface()
	}
	a.events.Emit(Event{Type: EventAttributesSent, Data: AttributesData{Time: a.now(), Attributes: attrs}})
	return true
}

// publish runs one reporting pass for ch. The report is committed only when
// the send succeeds. An empty report is not committed either, so properties
// whose period has run out are polled again on the next pass.
func (a *Agent) publish(ch thing.Channel) bool {
	now := a.now()
	r := thing.BuildReport(ch, a.order, now, !a.firstSent(ch))
	for _, pf := range r.Failures {
		a.logger.Error("property provider failed", "feature", pf.Feature, "property", pf.Property, "err", pf.Err)
	}
	if r.Empty() {
		return true
	}

	topic, qos := a.topics.Telemetry(), qosTelemetry
	if ch == thing.Event {
		topic, qos = a.topics.Event(), qosEvent
	}
	data := PatchData{Channel: ch, Time: now, Definitions: r.Definitions, Properties: r.Reported}

	if !a.transport.Send(topic, ditto.MergePatch(a.id, ditto.PathFeatures, r.Patch), qos) {
		a.logger.Warn("patch not sent", "channel", ch.String(), "properties", len(r.Reported))
		a.events.Emit(Event{Type: EventPatchFailed, Data: data})
		return false
	}
	r.Commit()
	a.markSent(ch)
	a.logger.Debug("patch sent", "channel", ch.String(), "features", len(r.Patch), "properties", len(r.Reported))
	a.events.Emit(Event{Type: EventPatchSent, Data: data})
	return true
}

// firstSent reports whether anything was ever sent on ch. The flag is shared
// by every feature: the first successful send on a channel is the only one
// that carries feature definitions.
func (a *Agent) firstSent(ch thing.Channel) bool {
	if ch == thing.Event {
		return a.firstEventSent
	}
	return a.firstTelemetrySent
}

func (a *Agent) markSent(ch thing.Channel) {
	if ch == thing.Event {
		a.firstEventSent = true
	} else {
		a.firstTelemetrySent = true
	}
}
