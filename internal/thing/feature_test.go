package thing

import (
	"errors"
	"testing"
	"time"

	"ditto-agent/internal/wire"
)

var errTest = errors.New("test error")

func TestFeatureBuilderErrors(t *testing.T) {
	one := IntProvider(func() int64 { return 1 })
	tests := []struct {
		name  string
		build func() *Feature
		want  error
	}{
		{"empty id", func() *Feature { return NewFeature("") }, ErrEmptyName},
		{"empty property", func() *Feature {
			return NewFeature("f").AddProperty("", Status, Event, one, 0)
		}, ErrEmptyName},
		{"duplicate across channels", func() *Feature {
			return NewFeature("f").
				AddProperty("x", Status, Event, one, 0).
				AddProperty("x", Configuration, Telemetry, one, 0)
		}, ErrDuplicate},
		{"negative period", func() *Feature {
			return NewFeature("f").AddProperty("x", Status, Event, one, -time.Second)
		}, ErrInvalid},
		{"zero provider", func() *Feature {
			return NewFeature("f").AddProperty("x", Status, Event, Provider{}, 0)
		}, ErrInvalid},
		{"duplicate command", func() *Feature {
			return NewFeature("f").AddCommand("c", Do(func() {})).AddCommand("c", Do(func() {}))
		}, ErrDuplicate},
		{"reserved command", func() *Feature {
			return NewFeature("f").AddCommand(ReservedCommand, Do(func() {}))
		}, ErrInvalid},
		{"zero handler", func() *Feature {
			return NewFeature("f").AddCommand("c", Handler{})
		}, ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.build().Err()
			if !errors.Is(err, tt.want) {
				t.Errorf("Err() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestFeatureFirstErrorSticks(t *testing.T) {
	f := NewFeature("f").
		AddProperty("", Status, Event, IntProvider(func() int64 { return 0 }), 0).
		AddProperty("ok", Status, Event, IntProvider(func() int64 { return 0 }), 0)
	if !errors.Is(f.Err(), ErrEmptyName) {
		t.Errorf("Err() = %v, want ErrEmptyName", f.Err())
	}
	if len(f.Properties(Event)) != 0 {
		t.Error("property added after builder error")
	}
}

func TestFeatureAccessors(t *testing.T) {
	f := NewFeature("led", "a:b:1", "c:d:2").
		AddProperty("on", Status, Event, BoolProvider(func() bool { return false }), 0).
		AddProperty("temp", Status, Telemetry, FloatProvider(func() float64 { return 0 }), time.Second).
		AddCommand("toggle", Do(func() {})).
		AddCommand("blink", Action(func(int64) {}))
	if err := f.Err(); err != nil {
		t.Fatal(err)
	}
	if len(f.Properties(Event)) != 1 || len(f.Properties(Telemetry)) != 1 {
		t.Errorf("properties event=%d telemetry=%d, want 1/1", len(f.Properties(Event)), len(f.Properties(Telemetry)))
	}
	defs := f.Definitions()
	defs[0] = "mutated"
	if f.Definitions()[0] != "a:b:1" {
		t.Error("Definitions returned internal slice")
	}
	names := f.CommandNames()
	if len(names) != 2 || names[0] != "blink" || names[1] != "toggle" {
		t.Errorf("CommandNames = %v", names)
	}
	c, ok := f.Command("blink")
	if !ok {
		t.Fatal("blink not found")
	}
	if c.ArgType() != wire.TypeInt || c.ResultType() != wire.TypeVoid {
		t.Errorf("blink types = %s -> %s", c.ArgType(), c.ResultType())
	}
	if _, ok := f.Command("missing"); ok {
		t.Error("missing command found")
	}
}

func TestParseCategoryAndChannel(t *testing.T) {
	if c, err := ParseCategory("configuration"); err != nil || c != Configuration {
		t.Errorf("ParseCategory = %v, %v", c, err)
	}
	if _, err := ParseCategory("other"); err == nil {
		t.Error("ParseCategory(other) should fail")
	}
	if ch, err := ParseChannel("event"); err != nil || ch != Event {
		t.Errorf("ParseChannel = %v, %v", ch, err)
	}
	if _, err := ParseChannel("radio"); err == nil {
		t.Error("ParseChannel(radio) should fail")
	}
}
