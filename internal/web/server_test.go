package web

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"ditto-agent/internal/agent"
	"ditto-agent/internal/store"
	"ditto-agent/internal/thing"
	"ditto-agent/internal/wire"
)

type stubThing struct{ d agent.Description }

func (s stubThing) Describe() agent.Description { return s.d }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, opts ...ServerOption) (*Server, *agent.EventBus) {
	t.Helper()
	bus := agent.NewEventBus(testLogger())
	th := stubThing{d: agent.Description{
		ThingID:    "org.example:dev1",
		Attributes: map[string]wire.Value{"model": wire.TextValue("x1")},
		Features: []agent.FeatureDescription{{
			ID:         "led",
			Properties: []agent.PropertyDescription{{Name: "on", Type: wire.TypeBool, MinReportPeriod: "0s"}},
			Commands:   []agent.CommandDescription{{Name: "toggle", Arg: wire.TypeVoid, Result: wire.TypeVoid}},
		}},
	}}
	s := NewServer(th, bus, testLogger(), opts...)
	t.Cleanup(s.Stop)
	return s, bus
}

func newTestJournal(t *testing.T) *store.BoltStore {
	t.Helper()
	j, err := store.NewBoltStore(filepath.Join(t.TempDir(), "journal.db"), 10)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func get(t *testing.T, h http.Handler, path string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestAPIThing(t *testing.T) {
	s, _ := newTestServer(t)
	w := get(t, s, "/api/thing")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var d struct {
		ThingID    string `json:"thing_id"`
		Attributes map[string]any
		Features   []struct {
			ID         string
			Properties []struct{ Name, Type string }
		}
	}
	if err := json.NewDecoder(w.Body).Decode(&d); err != nil {
		t.Fatal(err)
	}
	if d.ThingID != "org.example:dev1" || d.Attributes["model"] != "x1" {
		t.Errorf("description = %+v", d)
	}
	if len(d.Features) != 1 || d.Features[0].Properties[0].Type != "bool" {
		t.Errorf("features = %+v", d.Features)
	}
}

func TestAPIStateFollowsEvents(t *testing.T) {
	s, bus := newTestServer(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	bus.Emit(agent.Event{Type: agent.EventConnection, Data: agent.ConnectionData{Time: now, Connected: true}})
	bus.Emit(agent.Event{Type: agent.EventPatchSent, Data: agent.PatchData{
		Channel: thing.Telemetry,
		Time:    now,
		Properties: []thing.Reported{
			{Feature: "led", Property: "on", Category: thing.Status, Value: wire.BoolValue(true)},
		},
	}})
	bus.Emit(agent.Event{Type: agent.EventPatchFailed, Data: agent.PatchData{Channel: thing.Event, Time: now}})
	bus.Emit(agent.Event{Type: agent.EventCommand, Data: agent.CommandData{RequestID: "r1", Command: "toggle", Status: 200}})

	w := get(t, s, "/api/state")
	var v StateView
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	if !v.Connected || v.PatchesSent != 1 || v.PatchesFailed != 1 || v.Commands != 1 {
		t.Errorf("counters = %+v", v)
	}
	if got := v.Features["led"]["on"]; got.Value != true || got.Channel != "telemetry" || got.Category != "status" {
		t.Errorf("led/on = %+v", got)
	}
	if !v.LastPatch["telemetry"].Equal(now) {
		t.Errorf("last telemetry patch = %v", v.LastPatch["telemetry"])
	}
	if _, ok := v.LastPatch["event"]; ok {
		t.Error("failed patch must not update last_patch")
	}
	if v.LastCommand == nil || v.LastCommand.RequestID != "r1" {
		t.Errorf("last command = %+v", v.LastCommand)
	}
}

func TestStateSnapshotIsolated(t *testing.T) {
	st := NewState()
	st.Apply(agent.Event{Type: agent.EventAttributesSent, Data: agent.AttributesData{Attributes: map[string]any{"a": 1}}})
	snap := st.Snapshot()
	snap.Attributes["a"] = 2
	if st.Snapshot().Attributes["a"] != 1 {
		t.Error("snapshot shares its map with the state")
	}
}

func TestAPIKey(t *testing.T) {
	s, _ := newTestServer(t, WithAPIKey("secret"))
	tests := []struct {
		name   string
		path   string
		header []string
		want   int
	}{
		{"missing key", "/api/thing", nil, http.StatusUnauthorized},
		{"wrong key", "/api/thing", []string{"X-API-Key", "nope"}, http.StatusUnauthorized},
		{"right key", "/api/thing", []string{"X-API-Key", "secret"}, http.StatusOK},
		{"health is open", "/healthz", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := get(t, s, tt.path, tt.header...); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestOrigins(t *testing.T) {
	s, _ := newTestServer(t, WithAllowedOrigins([]string{"http://panel.local"}))
	if w := get(t, s, "/api/version", "Origin", "http://evil.local"); w.Code != http.StatusForbidden {
		t.Errorf("foreign origin status = %d", w.Code)
	}
	w := get(t, s, "/api/version", "Origin", "http://panel.local")
	if w.Code != http.StatusOK || w.Header().Get("Access-Control-Allow-Origin") != "http://panel.local" {
		t.Errorf("allowed origin: status = %d, headers = %v", w.Code, w.Header())
	}
}

func TestJournalEndpoints(t *testing.T) {
	j := newTestJournal(t)
	for _, rid := range []string{"r1", "r2", "r3"} {
		if err := j.Append(&store.Entry{RequestID: rid, Feature: "led", Command: "toggle", Status: 200}); err != nil {
			t.Fatal(err)
		}
	}
	s, _ := newTestServer(t, WithJournal(j))

	w := get(t, s, "/api/journal?limit=2")
	var entries []store.Entry
	if err := json.NewDecoder(w.Body).Decode(&entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].RequestID != "r3" {
		t.Fatalf("entries = %+v", entries)
	}

	w = get(t, s, "/api/journal/"+entries[1].ID)
	var e store.Entry
	if err := json.NewDecoder(w.Body).Decode(&e); err != nil {
		t.Fatal(err)
	}
	if e.RequestID != "r2" {
		t.Errorf("entry = %+v", e)
	}

	if w := get(t, s, "/api/journal/missing"); w.Code != http.StatusNotFound {
		t.Errorf("missing entry status = %d", w.Code)
	}
	if w := get(t, s, "/api/journal?limit=x"); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", w.Code)
	}
}

func TestJournalDisabled(t *testing.T) {
	s, _ := newTestServer(t)
	if w := get(t, s, "/api/journal"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", w.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	s, _ := newTestServer(t)
	if w := get(t, s, "/metrics"); w.Code != http.StatusNotFound {
		t.Errorf("metrics without handler: status = %d", w.Code)
	}
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, "ok") })
	s, _ = newTestServer(t, WithMetrics(h))
	if w := get(t, s, "/metrics"); w.Body.String() != "ok" {
		t.Errorf("metrics body = %q", w.Body.String())
	}
}
