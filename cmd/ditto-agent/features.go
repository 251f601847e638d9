package main

import (
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"ditto-agent/internal/thing"
	"ditto-agent/internal/wire"
)

// featureEnv is what built-in features may read from the process.
type featureEnv struct {
	start   time.Time
	level   *slog.LevelVar
	dropped func() uint64
	logger  *slog.Logger
}

var builtinFeatures = map[string]func(featureEnv) *thing.Feature{
	"system": systemFeature,
	"echo":   echoFeature,
}

// systemFeature reports host and runtime status.
func systemFeature(env featureEnv) *thing.Feature {
	hostname, _ := os.Hostname()
	return thing.NewFeature("system", "ditto-agent:System:1.0.0").
		AddProperty("hostname", thing.Configuration, thing.Event,
			thing.TextProvider(func() string { return hostname }), 0).
		AddProperty("logLevel", thing.Configuration, thing.Telemetry,
			thing.TextProvider(func() string { return strings.ToLower(env.level.Level().String()) }), 0).
		AddProperty("uptime", thing.Status, thing.Telemetry,
			thing.UIntProvider(func() uint64 { return uint64(time.Since(env.start) / time.Second) }), 10*time.Second).
		AddProperty("goroutines", thing.Status, thing.Telemetry,
			thing.IntProvider(func() int64 { return int64(runtime.NumGoroutine()) }), 10*time.Second).
		AddProperty("memory", thing.Status, thing.Telemetry, thing.ObjectProvider(memoryStats), 30*time.Second).
		AddProperty("droppedCommands", thing.Status, thing.Event, thing.UIntProvider(env.dropped), 0).
		AddCommand("gc", thing.Do(runtime.GC)).
		AddCommand("setLogLevel", thing.Func(func(s string) bool {
			switch strings.ToLower(s) {
			case "debug", "info", "warn", "error":
				env.level.Set(parseLevel(s))
				env.logger.Info("log level changed", "level", s)
				return true
			}
			return false
		}))
}

func memoryStats() wire.Object {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return wire.Object{
		"heapAlloc":   int64(ms.HeapAlloc),
		"heapSys":     int64(ms.HeapSys),
		"heapObjects": int64(ms.HeapObjects),
		"numGC":       int64(ms.NumGC),
	}
}

// echoFeature has one command per wire type returning its argument, for
// exercising a twin end to end.
func echoFeature(env featureEnv) *thing.Feature {
	var calls uint64
	last := ""
	record := func(name string) {
		calls++
		last = name
		env.logger.Debug("echo", "command", name)
	}
	return thing.NewFeature("echo").
		AddProperty("calls", thing.Status, thing.Telemetry, thing.UIntProvider(func() uint64 { return calls }), 0).
		AddProperty("lastCommand", thing.Status, thing.Event, thing.TextProvider(func() string { return last }), 0).
		AddCommand("echoVoid", thing.Do(func() { record("echoVoid") })).
		AddCommand("echoBool", thing.Func(func(b bool) bool { record("echoBool"); return b })).
		AddCommand("echoLong", thing.Func(func(n int64) int64 { record("echoLong"); return n })).
		AddCommand("echoUnsignedLong", thing.Func(func(n uint64) uint64 { record("echoUnsignedLong"); return n })).
		AddCommand("echoFloat", thing.Func(func(f float64) float64 { record("echoFloat"); return f })).
		AddCommand("echoString", thing.Func(func(s string) string { record("echoString"); return s })).
		AddCommand("echoObject", thing.Func(func(o wire.Object) wire.Object { record("echoObject"); return o }))
}
