package agent

import (
	"ditto-agent/internal/thing"
	"ditto-agent/internal/wire"
)

// Description is a read-only view of the registered capabilities. It holds
// no reporting state and is safe to hand to other goroutines.
type Description struct {
	ThingID    string                `json:"thing_id"`
	Attributes map[string]wire.Value `json:"attributes"`
	Features   []FeatureDescription  `json:"features"`
}

type FeatureDescription struct {
	ID          string                `json:"id"`
	Definitions []string              `json:"definitions,omitempty"`
	Properties  []PropertyDescription `json:"properties"`
	Commands    []CommandDescription  `json:"commands"`
}

type PropertyDescription struct {
	Name            string         `json:"name"`
	Category        thing.Category `json:"category"`
	Channel         thing.Channel  `json:"channel"`
	Type            wire.Type      `json:"type"`
	MinReportPeriod string         `json:"min_report_period"`
}

type CommandDescription struct {
	Name   string    `json:"name"`
	Arg    wire.Type `json:"arg"`
	Result wire.Type `json:"result"`
}

// Describe lists attributes, features, properties and commands in id order.
func (a *Agent) Describe() Description {
	a.mu.RLock()
	defer a.mu.RUnlock()

	d := Description{
		ThingID:    a.id.String(),
		Attributes: make(map[string]wire.Value, len(a.attributes)),
		Features:   make([]FeatureDescription, 0, len(a.order)),
	}
	for k, v := range a.attributes {
		d.Attributes[k] = v
	}
	for _, f := range a.order {
		fd := FeatureDescription{
			ID:          f.ID(),
			Definitions: f.Definitions(),
			Properties:  []PropertyDescription{},
			Commands:    []CommandDescription{},
		}
		for _, ch := range thing.Channels {
			for _, p := range f.Properties(ch) {
				fd.Properties = append(fd.Properties, PropertyDescription{
					Name:            p.Name(),
					Category:        p.Category(),
					Channel:         ch,
					Type:            p.Type(),
					MinReportPeriod: p.MinReportPeriod().String(),
				})
			}
		}
		for _, name := range f.CommandNames() {
			c, _ := f.Command(name)
			fd.Commands = append(fd.Commands, CommandDescription{Name: name, Arg: c.ArgType(), Result: c.ResultType()})
		}
		d.Features = append(d.Features, fd)
	}
	return d
}
