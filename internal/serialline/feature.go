package serialline

import (
	"encoding/json"
	"fmt"
	"time"

	"ditto-agent/internal/thing"
	"ditto-agent/internal/wire"
)

// diagnosticsPeriod rate-limits the lastUpdate and skippedLines properties.
const diagnosticsPeriod = 10 * time.Second

// Field maps one key of the line protocol to a property.
type Field struct {
	Key       string        `yaml:"key"`
	Property  string        `yaml:"property"` // defaults to Key
	Type      string        `yaml:"type"`
	Category  string        `yaml:"category"` // status (default) or configuration
	Channel   string        `yaml:"channel"`  // telemetry (default) or event
	MinPeriod time.Duration `yaml:"min_period"`
}

// FeatureConfig describes the feature backed by a serial device.
type FeatureConfig struct {
	ID          string   `yaml:"id"`
	Definitions []string `yaml:"definitions"`
	Fields      []Field  `yaml:"fields"`
}

// Parse converts a raw line value to t. Text is taken verbatim; every other
// type must be a JSON literal of that type.
func Parse(t wire.Type, raw string) (wire.Value, error) {
	if t == wire.TypeText {
		return wire.TextValue(raw), nil
	}
	return wire.Decode(t, json.RawMessage(raw))
}

// NewFeature builds the feature for cfg. Each field reports the latest value
// of its key; a missing or unparsable value repeats the last good one.
//
// Two diagnostic properties are always present: lastUpdate (RFC 3339 time
// of the last good line, empty before the first) and skippedLines.
//
// Commands:
//
//	send:     text -> bool, writes the argument as one line
//	snapshot: void -> object, all raw values by key
func NewFeature(cfg FeatureConfig, l *Line) (*thing.Feature, error) {
	f := thing.NewFeature(cfg.ID, cfg.Definitions...)
	for _, fd := range cfg.Fields {
		t, err := wire.ParseType(fd.Type)
		if err != nil {
			return nil, fmt.Errorf("serial field %s: %w", fd.Key, err)
		}
		if t == wire.TypeVoid {
			return nil, fmt.Errorf("serial field %s: %w: void", fd.Key, thing.ErrInvalid)
		}
		category := thing.Status
		if fd.Category != "" {
			if category, err = thing.ParseCategory(fd.Category); err != nil {
				return nil, fmt.Errorf("serial field %s: %w", fd.Key, err)
			}
		}
		channel := thing.Telemetry
		if fd.Channel != "" {
			if channel, err = thing.ParseChannel(fd.Channel); err != nil {
				return nil, fmt.Errorf("serial field %s: %w", fd.Key, err)
			}
		}
		name := fd.Property
		if name == "" {
			name = fd.Key
		}
		key := fd.Key
		f.AddProperty(name, category, channel, thing.DynamicProvider(t, func() (wire.Value, error) {
			raw, ok := l.Value(key)
			if !ok {
				return wire.Value{}, fmt.Errorf("serial key %s: no value yet", key)
			}
			return Parse(t, raw)
		}), fd.MinPeriod)
	}

	f.AddProperty("skippedLines", thing.Status, thing.Telemetry, thing.UIntProvider(l.Skipped), diagnosticsPeriod)
	f.AddProperty("lastUpdate", thing.Status, thing.Telemetry, thing.TextProvider(func() string {
		if t := l.Updated(); !t.IsZero() {
			return t.UTC().Format(time.RFC3339)
		}
		return ""
	}), diagnosticsPeriod)

	f.AddCommand("send", thing.Func(func(s string) bool {
		if err := l.Send(s); err != nil {
			l.logger.Warn("serial send failed", "err", err)
			return false
		}
		return true
	}))
	f.AddCommand("snapshot", thing.Query(func() wire.Object {
		out := wire.Object{}
		for k, v := range l.Snapshot() {
			out[k] = v
		}
		return out
	}))
	if err := f.Err(); err != nil {
		return nil, err
	}
	return f, nil
}
