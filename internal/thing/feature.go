package thing

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ReservedCommand is the command name peers use to echo errors back. It is
// never dispatched, so it cannot be registered.
const ReservedCommand = "errors-response"

var (
	ErrEmptyName = errors.New("empty name")
	ErrDuplicate = errors.New("duplicate name")
	ErrInvalid   = errors.New("invalid definition")
)

// Feature is a named bundle of properties and commands representing one
// device capability. Build it once at startup:
//
//	f := thing.NewFeature("led", "org.example:LED:1.0.0").
//		AddProperty("on", thing.Status, thing.Event, thing.BoolProvider(led.On), 0).
//		AddCommand("setColor", thing.Func(led.SetColor))
//	if err := f.Err(); err != nil { ... }
//
// The first builder error is kept and every later builder call is ignored.
type Feature struct {
	id          string
	definitions []string
	telemetry   []*Property
	event       []*Property
	names       map[string]struct{}
	commands    map[string]*Command
	err         error
}

// NewFeature starts a feature with optional semantic definition URIs.
func NewFeature(id string, definitions ...string) *Feature {
	f := &Feature{
		id:          id,
		definitions: append([]string(nil), definitions...),
		names:       make(map[string]struct{}),
		commands:    make(map[string]*Command),
	}
	if id == "" {
		f.err = fmt.Errorf("feature id: %w", ErrEmptyName)
	}
	return f
}

// AddProperty registers a property on one channel. Property names are unique
// across both channels of a feature.
func (f *Feature) AddProperty(name string, category Category, ch Channel, p Provider, minReportPeriod time.Duration) *Feature {
	if f.err != nil {
		return f
	}
	switch {
	case name == "":
		f.err = fmt.Errorf("feature %s: property: %w", f.id, ErrEmptyName)
	case !p.valid():
		f.err = fmt.Errorf("feature %s: property %s: %w: missing provider", f.id, name, ErrInvalid)
	case minReportPeriod < 0:
		f.err = fmt.Errorf("feature %s: property %s: %w: negative report period", f.id, name, ErrInvalid)
	case category != Status && category != Configuration:
		f.err = fmt.Errorf("feature %s: property %s: %w: %s", f.id, name, ErrInvalid, category)
	}
	if _, dup := f.names[name]; dup && f.err == nil {
		f.err = fmt.Errorf("feature %s: property %s: %w", f.id, name, ErrDuplicate)
	}
	if f.err != nil {
		return f
	}

	prop := &Property{name: name, category: category, provider: p, minReportPeriod: minReportPeriod}
	switch ch {
	case Telemetry:
		f.telemetry = append(f.telemetry, prop)
	case Event:
		f.event = append(f.event, prop)
	default:
		f.err = fmt.Errorf("feature %s: property %s: %w: %s", f.id, name, ErrInvalid, ch)
		return f
	}
	f.names[name] = struct{}{}
	return f
}

// AddCommand registers a command.
func (f *Feature) AddCommand(name string, h Handler) *Feature {
	if f.err != nil {
		return f
	}
	switch {
	case name == "":
		f.err = fmt.Errorf("feature %s: command: %w", f.id, ErrEmptyName)
	case name == ReservedCommand:
		f.err = fmt.Errorf("feature %s: command %s: %w: reserved name", f.id, name, ErrInvalid)
	case h.fn == nil:
		f.err = fmt.Errorf("feature %s: command %s: %w: missing handler", f.id, name, ErrInvalid)
	}
	if _, dup := f.commands[name]; dup && f.err == nil {
		f.err = fmt.Errorf("feature %s: command %s: %w", f.id, name, ErrDuplicate)
	}
	if f.err != nil {
		return f
	}
	f.commands[name] = &Command{name: name, handler: h}
	return f
}

// Err returns the first error recorded while building the feature.
func (f *Feature) Err() error { return f.err }

func (f *Feature) ID() string { return f.id }

// Definitions returns a copy of the definition URIs.
func (f *Feature) Definitions() []string { return append([]string(nil), f.definitions...) }

// Properties returns the properties reported on ch, in registration order.
func (f *Feature) Properties(ch Channel) []*Property {
	switch ch {
	case Telemetry:
		return f.telemetry
	case Event:
		return f.event
	}
	return nil
}

// Command looks up a command by name.
func (f *Feature) Command(name string) (*Command, bool) {
	c, ok := f.commands[name]
	return c, ok
}

// CommandNames returns the command names in sorted order.
func (f *Feature) CommandNames() []string {
	names := make([]string, 0, len(f.commands))
	for n := range f.commands {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (f *Feature) HasCommands() bool { return len(f.commands) > 0 }
