package thing

import (
	"fmt"
	"time"

	"ditto-agent/internal/wire"
)

// Category selects the property group a value is reported under.
type Category uint8

const (
	Status Category = iota
	Configuration
)

func (c Category) String() string {
	switch c {
	case Status:
		return "status"
	case Configuration:
		return "configuration"
	default:
		return fmt.Sprintf("Category(%d)", uint8(c))
	}
}

func (c Category) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// ParseCategory resolves "status" or "configuration".
func ParseCategory(s string) (Category, error) {
	switch s {
	case "status", "":
		return Status, nil
	case "configuration", "config":
		return Configuration, nil
	default:
		return Status, fmt.Errorf("unknown property category %q", s)
	}
}

// Channel is the delivery path a property is reported on.
type Channel uint8

const (
	// Telemetry is best-effort (QoS 0).
	Telemetry Channel = iota
	// Event is at-least-once (QoS 1).
	Event
)

// Channels lists both channels in publish order.
var Channels = []Channel{Telemetry, Event}

func (c Channel) String() string {
	switch c {
	case Telemetry:
		return "telemetry"
	case Event:
		return "event"
	default:
		return fmt.Sprintf("Channel(%d)", uint8(c))
	}
}

func (c Channel) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// ParseChannel resolves "telemetry" or "event".
func ParseChannel(s string) (Channel, error) {
	switch s {
	case "telemetry", "":
		return Telemetry, nil
	case "event":
		return Event, nil
	default:
		return Telemetry, fmt.Errorf("unknown channel %q", s)
	}
}

// Provider produces the live value of a property. The only way to build one
// is through the typed constructors below, so its tag always matches what the
// closure returns.
type Provider struct {
	typ wire.Type
	get func() wire.Value
}

func (p Provider) Type() wire.Type { return p.typ }

func (p Provider) valid() bool { return p.get != nil && p.typ != wire.TypeVoid }

func BoolProvider(fn func() bool) Provider {
	return Provider{typ: wire.TypeBool, get: func() wire.Value { return wire.BoolValue(fn()) }}
}

func IntProvider(fn func() int64) Provider {
	return Provider{typ: wire.TypeInt, get: func() wire.Value { return wire.IntValue(fn()) }}
}

func UIntProvider(fn func() uint64) Provider {
	return Provider{typ: wire.TypeUInt, get: func() wire.Value { return wire.UIntValue(fn()) }}
}

func FloatProvider(fn func() float64) Provider {
	return Provider{typ: wire.TypeFloat, get: func() wire.Value { return wire.FloatValue(fn()) }}
}

func TextProvider(fn func() string) Provider {
	return Provider{typ: wire.TypeText, get: func() wire.Value { return wire.TextValue(fn()) }}
}

func ObjectProvider(fn func() wire.Object) Provider {
	return Provider{typ: wire.TypeObject, get: func() wire.Value { return wire.ObjectValue(fn()) }}
}

// DynamicProvider adapts a provider whose type is only known at runtime, such
// as a script function. When fn fails or returns the wrong type, the last good
// value is reported again (the zero value of t before the first success).
func DynamicProvider(t wire.Type, fn func() (wire.Value, error)) Provider {
	last := zeroValue(t)
	return Provider{typ: t, get: func() wire.Value {
		v, err := fn()
		if err != nil || v.Type() != t {
			return last
		}
		last = v
		return v
	}}
}

func zeroValue(t wire.Type) wire.Value {
	switch t {
	case wire.TypeVoid:
		return wire.VoidValue()
	case wire.TypeBool:
		return wire.BoolValue(false)
	case wire.TypeInt:
		return wire.IntValue(0)
	case wire.TypeUInt:
		return wire.UIntValue(0)
	case wire.TypeFloat:
		return wire.FloatValue(0)
	case wire.TypeText:
		return wire.TextValue("")
	case wire.TypeObject:
		return wire.ObjectValue(nil)
	}
	panic(fmt.Sprintf("thing: invalid type tag %d", uint8(t)))
}

// Property is a polled, typed value with rate-limited, change-detected
// reporting. Its reporting state is only touched by the report engine.
type Property struct {
	name            string
	category        Category
	provider        Provider
	minReportPeriod time.Duration

	initialized    bool
	currentValue   int64
	lastReported   int64
	lastReportTime time.Time
}

func (p *Property) Name() string                   { return p.name }
func (p *Property) Category() Category             { return p.category }
func (p *Property) Type() wire.Type                { return p.provider.typ }
func (p *Property) MinReportPeriod() time.Duration { return p.minReportPeriod }
func (p *Property) Initialized() bool              { return p.initialized }
func (p *Property) CurrentValue() int64            { return p.currentValue }
func (p *Property) LastReportedValue() int64       { return p.lastReported }
func (p *Property) LastReportTime() time.Time      { return p.lastReportTime }

// due reports whether the property passes the recompute gate at now.
func (p *Property) due(now time.Time) bool {
	return !p.initialized || now.Sub(p.lastReportTime) >= p.minReportPeriod
}
