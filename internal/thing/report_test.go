package thing

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"ditto-agent/internal/wire"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type counter struct {
	value int64
	calls int
}

func (c *counter) get() int64 {
	c.calls++
	return c.value
}

func TestReportFirstCycleIncludesEverything(t *testing.T) {
	c := &counter{value: 0}
	f := NewFeature("sensor").
		AddProperty("count", Status, Telemetry, IntProvider(c.get), 0)

	r := BuildReport(Telemetry, []*Feature{f}, t0, false)
	if r.Empty() {
		t.Fatal("first report is empty, want count included even though value is zero")
	}
	got := r.Patch["sensor"].Properties.Status["count"]
	if got.Int() != 0 {
		t.Errorf("count = %v, want 0", got)
	}
	p := f.Properties(Telemetry)[0]
	if p.Initialized() {
		t.Error("initialized before Commit")
	}
	r.Commit()
	if !p.Initialized() {
		t.Error("not initialized after Commit")
	}
	if !p.LastReportTime().Equal(t0) {
		t.Errorf("lastReportTime = %v, want %v", p.LastReportTime(), t0)
	}
}

func TestReportUnchangedFeatureIsAbsent(t *testing.T) {
	c := &counter{value: 5}
	other := &counter{value: 1}
	f := NewFeature("a").AddProperty("x", Status, Event, IntProvider(c.get), 0)
	g := NewFeature("b").AddProperty("y", Configuration, Event, IntProvider(other.get), 0)
	features := []*Feature{f, g}

	BuildReport(Event, features, t0, false).Commit()

	other.value = 2
	r := BuildReport(Event, features, t0.Add(time.Second), false)
	if _, ok := r.Patch["a"]; ok {
		t.Error("unchanged feature a present in patch")
	}
	entry, ok := r.Patch["b"]
	if !ok {
		t.Fatal("changed feature b missing")
	}
	if entry.Properties.Status != nil {
		t.Error("empty status group emitted")
	}
	if entry.Properties.Configuration["y"].Int() != 2 {
		t.Errorf("y = %v, want 2", entry.Properties.Configuration["y"])
	}
}

func TestReportMinPeriodSkipsRecompute(t *testing.T) {
	c := &counter{value: 1}
	f := NewFeature("f").AddProperty("v", Status, Telemetry, IntProvider(c.get), 10*time.Second)
	p := f.Properties(Telemetry)[0]

	BuildReport(Telemetry, []*Feature{f}, t0, false).Commit()
	reported, at := p.LastReportedValue(), p.LastReportTime()

	c.value = 99
	r := BuildReport(Telemetry, []*Feature{f}, t0.Add(5*time.Second), false)
	if !r.Empty() {
		t.Errorf("patch inside min period = %v, want empty", r.Patch)
	}
	r.Commit()
	if c.calls != 1 {
		t.Errorf("provider calls = %d, want 1", c.calls)
	}
	if p.LastReportedValue() != reported || !p.LastReportTime().Equal(at) {
		t.Error("state changed inside the min report period")
	}

	r = BuildReport(Telemetry, []*Feature{f}, t0.Add(10*time.Second), false)
	if r.Empty() {
		t.Fatal("patch after min period is empty")
	}
	if got := r.Patch["f"].Properties.Status["v"].Int(); got != 99 {
		t.Errorf("v = %d, want 99", got)
	}
}

func TestReportCommitAnchorsUnchangedProperties(t *testing.T) {
	still := &counter{value: 1}
	moving := &counter{value: 1}
	f := NewFeature("f").
		AddProperty("still", Status, Telemetry, IntProvider(still.get), time.Minute).
		AddProperty("moving", Status, Telemetry, IntProvider(moving.get), time.Minute)
	p := f.Properties(Telemetry)[0]

	BuildReport(Telemetry, []*Feature{f}, t0, false).Commit()
	moving.value = 2
	later := t0.Add(2 * time.Minute)
	r := BuildReport(Telemetry, []*Feature{f}, later, false)
	if len(r.Reported) != 1 || r.Reported[0].Property != "moving" {
		t.Fatalf("reported = %+v, want only moving", r.Reported)
	}
	if r.Recomputed() != 2 {
		t.Errorf("recomputed = %d, want 2", r.Recomputed())
	}
	r.Commit()
	if !p.LastReportTime().Equal(later) {
		t.Errorf("unchanged lastReportTime = %v, want %v", p.LastReportTime(), later)
	}
}

func TestReportProviderPanic(t *testing.T) {
	c := &counter{value: 5}
	f := NewFeature("f").
		AddProperty("bad", Status, Event, IntProvider(func() int64 { panic("sensor gone") }), 0).
		AddProperty("good", Status, Event, IntProvider(c.get), 0)

	r := BuildReport(Event, []*Feature{f}, t0, false)
	if len(r.Failures) != 1 || r.Failures[0].Property != "bad" || !errors.Is(r.Failures[0].Err, ErrProviderPanic) {
		t.Fatalf("failures = %+v", r.Failures)
	}
	if len(r.Reported) != 1 || r.Reported[0].Property != "good" {
		t.Errorf("reported = %+v, want only good", r.Reported)
	}
	if r.Recomputed() != 1 {
		t.Errorf("recomputed = %d, want 1", r.Recomputed())
	}
	r.Commit()
	if bad := f.Properties(Event)[0]; bad.Initialized() {
		t.Error("panicking property committed")
	}
}

func TestReportCopiesObjects(t *testing.T) {
	shared := wire.Object{"mode": "auto", "limits": map[string]any{"max": int64(3)}}
	f := NewFeature("f").AddProperty("cfg", Configuration, Event, ObjectProvider(func() wire.Object { return shared }), 0)

	r := BuildReport(Event, []*Feature{f}, t0, false)
	shared["mode"] = "manual"
	shared["limits"].(map[string]any)["max"] = int64(9)

	got := r.Reported[0].Value.Object()
	if got["mode"] != "auto" || got["limits"].(map[string]any)["max"] != int64(3) {
		t.Errorf("reported object = %v, changed with the provider's map", got)
	}
}

func TestReportWithoutCommitRetries(t *testing.T) {
	c := &counter{value: 1}
	f := NewFeature("f").AddProperty("v", Status, Event, IntProvider(c.get), 0)

	// Send failed: nothing committed.
	BuildReport(Event, []*Feature{f}, t0, false)
	r := BuildReport(Event, []*Feature{f}, t0.Add(time.Second), false)
	if r.Empty() {
		t.Error("uncommitted property not retried")
	}
}

func TestReportDefinitions(t *testing.T) {
	c := &counter{value: 1}
	f := NewFeature("wifi", "org.example:WiFi:1.0.0").
		AddProperty("rssi", Status, Telemetry, IntProvider(c.get), 0)
	quiet := NewFeature("quiet", "org.example:Quiet:1.0.0")

	r := BuildReport(Telemetry, []*Feature{quiet, f}, t0, true)
	if !r.Definitions {
		t.Error("Definitions = false")
	}
	q, ok := r.Patch["quiet"]
	if !ok {
		t.Fatal("feature with only definitions dropped")
	}
	if q.Properties != nil {
		t.Error("empty properties emitted")
	}
	if len(q.Definition) != 1 || q.Definition[0] != "org.example:Quiet:1.0.0" {
		t.Errorf("definition = %v", q.Definition)
	}
	r.Commit()

	c.value = 2
	r = BuildReport(Telemetry, []*Feature{quiet, f}, t0.Add(time.Second), false)
	if _, ok := r.Patch["quiet"]; ok {
		t.Error("definitions re-sent")
	}
	if r.Patch["wifi"].Definition != nil {
		t.Error("definition present on second report")
	}
}

func TestReportPatchJSON(t *testing.T) {
	f := NewFeature("led", "org.example:LED:1.0.0").
		AddProperty("on", Status, Event, BoolProvider(func() bool { return true }), 0).
		AddProperty("color", Configuration, Event, ObjectProvider(func() wire.Object {
			return wire.Object{"r": 255, "g": 0, "b": 0}
		}), 0).
		AddProperty("brightness", Status, Telemetry, FloatProvider(func() float64 { return 0.5 }), 0)

	r := BuildReport(Event, []*Feature{f}, t0, true)
	b, err := json.Marshal(r.Patch)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"led":{"definition":["org.example:LED:1.0.0"],"properties":{"status":{"on":true},"configuration":{"color":{"b":0,"g":0,"r":255}}}}}`
	if string(b) != want {
		t.Errorf("patch = %s\nwant    %s", b, want)
	}
	if len(r.Reported) != 2 {
		t.Errorf("reported = %d, want 2", len(r.Reported))
	}
}

func TestReportTextHashChange(t *testing.T) {
	s := "aA"
	f := NewFeature("f").AddProperty("s", Status, Event, TextProvider(func() string { return s }), 0)
	BuildReport(Event, []*Feature{f}, t0, false).Commit()

	// Colliding text is treated as unchanged.
	s = "BB"
	if r := BuildReport(Event, []*Feature{f}, t0.Add(time.Second), false); !r.Empty() {
		t.Error("colliding text reported as changed")
	}
	s = "CC"
	if r := BuildReport(Event, []*Feature{f}, t0.Add(2*time.Second), false); r.Empty() {
		t.Error("changed text not reported")
	}
}

func TestReportFeatureOrder(t *testing.T) {
	var order []string
	mk := func(id string) *Feature {
		return NewFeature(id).AddProperty("p", Status, Event, IntProvider(func() int64 {
			order = append(order, id)
			return 0
		}), 0)
	}
	BuildReport(Event, []*Feature{mk("c"), mk("a"), mk("b")}, t0, false)
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("provider order = %v, want [a b c]", order)
	}
}

func TestDynamicProviderKeepsLastGood(t *testing.T) {
	calls := 0
	p := DynamicProvider(wire.TypeInt, func() (wire.Value, error) {
		calls++
		switch calls {
		case 1:
			return wire.IntValue(7), nil
		case 2:
			return wire.TextValue("oops"), nil
		default:
			return wire.Value{}, errTest
		}
	})
	for i, want := range []int64{7, 7, 7} {
		if got := p.get().Int(); got != want {
			t.Errorf("call %d = %d, want %d", i+1, got, want)
		}
	}
}
