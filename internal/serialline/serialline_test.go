package serialline

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"ditto-agent/internal/thing"
	"ditto-agent/internal/wire"
)

// newTestLine returns a Line on one end of a pipe and the device end.
func newTestLine(t *testing.T) (*Line, net.Conn) {
	t.Helper()
	host, device := net.Pipe()
	l := New(host, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() {
		device.Close()
		l.Close()
	})
	return l, device
}

func feed(t *testing.T, device net.Conn, lines string) {
	t.Helper()
	device.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := io.WriteString(device, lines); err != nil {
		t.Fatal(err)
	}
}

// waitValue polls until key has want.
func waitValue(t *testing.T, l *Line, key, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v, ok := l.Value(key); ok && v == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	v, _ := l.Value(key)
	t.Fatalf("%s = %q, want %q", key, v, want)
}

func TestLineParsing(t *testing.T) {
	l, device := newTestLine(t)
	feed(t, device, "# boot\r\n\ntemp = 21.5\r\nbroken line\n=nokey\nmode=auto\n")
	waitValue(t, l, "mode", "auto")

	if v, _ := l.Value("temp"); v != "21.5" {
		t.Errorf("temp = %q", v)
	}
	if got := l.Skipped(); got != 2 {
		t.Errorf("skipped = %d, want 2", got)
	}
	if snap := l.Snapshot(); len(snap) != 2 {
		t.Errorf("snapshot = %v", snap)
	}

	feed(t, device, "temp=22\n")
	waitValue(t, l, "temp", "22")
}

func TestLineDropsOverlongLines(t *testing.T) {
	l, device := newTestLine(t)
	feed(t, device, "blob="+strings.Repeat("x", 3*maxLineLen)+"\nok=1\n")
	waitValue(t, l, "ok", "1")

	if _, ok := l.Value("blob"); ok {
		t.Error("overlong line was stored")
	}
	if got := l.Skipped(); got != 1 {
		t.Errorf("skipped = %d, want 1", got)
	}
	if l.Updated().IsZero() {
		t.Error("updated not set after a good line")
	}
}

func TestLineSend(t *testing.T) {
	l, device := newTestLine(t)
	got := make(chan string, 1)
	go func() {
		s, _ := bufio.NewReader(device).ReadString('\n')
		got <- s
	}()

	if err := l.Send("led on"); err != nil {
		t.Fatal(err)
	}
	select {
	case s := <-got:
		if s != "led on\n" {
			t.Errorf("device read %q", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("nothing written")
	}

	if err := l.Send("a\nb"); err == nil {
		t.Error("multi-line send accepted")
	}
	l.Close()
	if err := l.Send("x"); !errors.Is(err, ErrClosed) {
		t.Errorf("send after close err = %v", err)
	}
}

func TestLineStopsOnPeerClose(t *testing.T) {
	l, device := newTestLine(t)
	device.Close()
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reader still running after peer closed")
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		typ  wire.Type
		raw  string
		want wire.Value
		err  bool
	}{
		{wire.TypeBool, "true", wire.BoolValue(true), false},
		{wire.TypeBool, "on", wire.Value{}, true},
		{wire.TypeInt, "-4", wire.IntValue(-4), false},
		{wire.TypeUInt, "-4", wire.Value{}, true},
		{wire.TypeFloat, "3.5", wire.FloatValue(3.5), false},
		{wire.TypeText, "hello world", wire.TextValue("hello world"), false},
		{wire.TypeObject, `{"a":1}`, wire.ObjectValue(wire.Object{"a": int64(1)}), false},
		{wire.TypeObject, "[1]", wire.Value{}, true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.typ, tt.raw)
		if (err != nil) != tt.err {
			t.Errorf("Parse(%s, %q) err = %v", tt.typ, tt.raw, err)
			continue
		}
		if !tt.err && got.Fingerprint() != tt.want.Fingerprint() {
			t.Errorf("Parse(%s, %q) = %v, want %v", tt.typ, tt.raw, got, tt.want)
		}
	}
}

func TestFeature(t *testing.T) {
	l, device := newTestLine(t)
	f, err := NewFeature(FeatureConfig{
		ID:          "sensor",
		Definitions: []string{"org.example:Sensor:1.0.0"},
		Fields: []Field{
			{Key: "temp", Property: "temperature", Type: "float"},
			{Key: "alarm", Type: "bool", Channel: "event"},
			{Key: "rate", Type: "uint", Category: "configuration", MinPeriod: time.Minute},
		},
	}, l)
	if err != nil {
		t.Fatal(err)
	}

	feed(t, device, "temp=19.5\nalarm=true\nrate=oops\n")
	waitValue(t, l, "rate", "oops")

	values := map[string]wire.Value{}
	for _, ch := range thing.Channels {
		for _, r := range thing.BuildReport(ch, []*thing.Feature{f}, time.Now(), false).Reported {
			values[r.Property] = r.Value
		}
	}
	if values["temperature"].Float() != 19.5 {
		t.Errorf("temperature = %v", values["temperature"])
	}
	if !values["alarm"].Bool() {
		t.Errorf("alarm = %v", values["alarm"])
	}
	if v := values["rate"]; v.Type() != wire.TypeUInt || v.UInt() != 0 {
		t.Errorf("unparsable rate = %v, want uint 0", v)
	}
	if v := values["skippedLines"]; v.Type() != wire.TypeUInt || v.UInt() != 0 {
		t.Errorf("skippedLines = %v, want uint 0", v)
	}
	if _, err := time.Parse(time.RFC3339, values["lastUpdate"].Text()); err != nil {
		t.Errorf("lastUpdate = %v: %v", values["lastUpdate"], err)
	}

	snap, _ := f.Command("snapshot")
	res, err := snap.Invoke(wire.VoidValue())
	if err != nil || res.Object()["temp"] != "19.5" {
		t.Errorf("snapshot = %v, %v", res, err)
	}

	go bufio.NewReader(device).ReadString('\n')
	send, _ := f.Command("send")
	if res, err := send.Invoke(wire.TextValue("reset")); err != nil || !res.Bool() {
		t.Errorf("send = %v, %v", res, err)
	}
}

func TestFeatureConfigErrors(t *testing.T) {
	l, _ := newTestLine(t)
	tests := []struct {
		name  string
		field Field
	}{
		{"unknown type", Field{Key: "k", Type: "decimal"}},
		{"void", Field{Key: "k", Type: "void"}},
		{"bad channel", Field{Key: "k", Type: "int", Channel: "radio"}},
		{"bad category", Field{Key: "k", Type: "int", Category: "misc"}},
		{"negative period", Field{Key: "k", Type: "int", MinPeriod: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewFeature(FeatureConfig{ID: "s", Fields: []Field{tt.field}}, l); err == nil {
				t.Error("NewFeature succeeded, want error")
			}
		})
	}
}
