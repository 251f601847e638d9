package web

import (
	"sync"
	"time"

	"ditto-agent/internal/agent"
)

// ReportedValue is the last value the agent reported for a property.
type ReportedValue struct {
	Category   string    `json:"category"`
	Channel    string    `json:"channel"`
	Value      any       `json:"value"`
	ReportedAt time.Time `json:"reported_at"`
}

// StateView is a point-in-time copy of State.
type StateView struct {
	Connected     bool                                `json:"connected"`
	PatchesSent   uint64                              `json:"patches_sent"`
	PatchesFailed uint64                              `json:"patches_failed"`
	Commands      uint64                              `json:"commands"`
	LastPatch     map[string]time.Time                `json:"last_patch"`
	Attributes    map[string]any                      `json:"attributes"`
	Features      map[string]map[string]ReportedValue `json:"features"`
	LastCommand   *agent.CommandData                  `json:"last_command,omitempty"`
}

// State folds agent events into a view of what the twin was last told.
// Events arrive on the agent loop; HTTP handlers read snapshots.
type State struct {
	mu   sync.RWMutex
	view StateView
}

func NewState() *State {
	return &State{view: StateView{
		LastPatch:  make(map[string]time.Time),
		Attributes: make(map[string]any),
		Features:   make(map[string]map[string]ReportedValue),
	}}
}

// Apply updates the state from one event.
func (st *State) Apply(e agent.Event) {
	st.mu.Lock()
	defer st.mu.Unlock()
	switch d := e.Data.(type) {
	case agent.ConnectionData:
		st.view.Connected = d.Connected
	case agent.AttributesData:
		for k, v := range d.Attributes {
			st.view.Attributes[k] = v
		}
	case agent.PatchData:
		if e.Type == agent.EventPatchFailed {
			st.view.PatchesFailed++
			return
		}
		st.view.PatchesSent++
		st.view.LastPatch[d.Channel.String()] = d.Time
		for _, r := range d.Properties {
			props := st.view.Features[r.Feature]
			if props == nil {
				props = make(map[string]ReportedValue)
				st.view.Features[r.Feature] = props
			}
			props[r.Property] = ReportedValue{
				Category:   r.Category.String(),
				Channel:    d.Channel.String(),
				Value:      r.Value.Interface(),
				ReportedAt: d.Time,
			}
		}
	case agent.CommandData:
		st.view.Commands++
		c := d
		st.view.LastCommand = &c
	}
}

// Snapshot returns a deep copy of the state.
func (st *State) Snapshot() StateView {
	st.mu.RLock()
	defer st.mu.RUnlock()
	v := st.view
	v.LastPatch = make(map[string]time.Time, len(st.view.LastPatch))
	for k, t := range st.view.LastPatch {
		v.LastPatch[k] = t
	}
	v.Attributes = make(map[string]any, len(st.view.Attributes))
	for k, a := range st.view.Attributes {
		v.Attributes[k] = a
	}
	v.Features = make(map[string]map[string]ReportedValue, len(st.view.Features))
	for f, props := range st.view.Features {
		cp := make(map[string]ReportedValue, len(props))
		for p, rv := range props {
			cp[p] = rv
		}
		v.Features[f] = cp
	}
	if st.view.LastCommand != nil {
		c := *st.view.LastCommand
		v.LastCommand = &c
	}
	return v
}
