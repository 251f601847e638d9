package thing

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"ditto-agent/internal/wire"
)

// Group holds the reported values of one property category.
type Group map[string]wire.Value

// Groups is the "properties" object of a feature patch.
type Groups struct {
	Status        Group `json:"status,omitempty"`
	Configuration Group `json:"configuration,omitempty"`
}

// FeaturePatch is the merge-patch entry of a single feature.
type FeaturePatch struct {
	Definition []string `json:"definition,omitempty"`
	Properties *Groups  `json:"properties,omitempty"`
}

// Patch is the merge-patch body for the "/features" path, keyed by feature id.
type Patch map[string]*FeaturePatch

// Reported describes one property value included in a patch.
type Reported struct {
	Feature  string     `json:"feature"`
	Property string     `json:"property"`
	Category Category   `json:"category"`
	Value    wire.Value `json:"value"`
}

// ErrProviderPanic is recorded when a provider panicked during a pass.
var ErrProviderPanic = errors.New("property provider panicked")

// Failure names a property whose provider could not be sampled.
type Failure struct {
	Feature  string
	Property string
	Err      error
}

type recomputed struct {
	prop        *Property
	fingerprint int64
}

// Report is the outcome of one reporting pass over a channel. Nothing about
// the properties changes until Commit is called.
type Report struct {
	Channel     Channel
	Time        time.Time
	Patch       Patch
	Reported    []Reported
	Definitions bool
	Failures    []Failure

	recomputed []recomputed
}

// BuildReport runs both gates over every property of ch and assembles the
// patch. Features are visited in ascending id order.
//
// A property passes the recompute gate when it was never reported or when at
// least its minimum report period has elapsed since the last report; only then
// is its provider called. It is included when it was never reported or its
// fingerprint differs from the last reported one.
//
// When withDefinitions is set every feature with definitions carries them,
// even when none of its properties are included.
func BuildReport(ch Channel, features []*Feature, now time.Time, withDefinitions bool) *Report {
	sorted := append([]*Feature(nil), features...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].id < sorted[j].id })

	r := &Report{Channel: ch, Time: now, Patch: make(Patch)}
	for _, f := range sorted {
		var groups Groups
		for _, p := range f.Properties(ch) {
			if !p.due(now) {
				continue
			}
			v, err := sample(p)
			if err != nil {
				r.Failures = append(r.Failures, Failure{Feature: f.id, Property: p.name, Err: err})
				continue
			}
			fp := v.Fingerprint()
			p.currentValue = fp
			r.recomputed = append(r.recomputed, recomputed{prop: p, fingerprint: fp})

			if p.initialized && fp == p.lastReported {
				continue
			}
			switch p.category {
			case Status:
				if groups.Status == nil {
					groups.Status = make(Group)
				}
				groups.Status[p.name] = v
			case Configuration:
				if groups.Configuration == nil {
					groups.Configuration = make(Group)
				}
				groups.Configuration[p.name] = v
			}
			r.Reported = append(r.Reported, Reported{Feature: f.id, Property: p.name, Category: p.category, Value: v})
		}

		entry := &FeaturePatch{}
		if len(groups.Status) > 0 || len(groups.Configuration) > 0 {
			entry.Properties = &groups
		}
		if withDefinitions && len(f.definitions) > 0 {
			entry.Definition = f.Definitions()
			r.Definitions = true
		}
		if entry.Properties == nil && entry.Definition == nil {
			continue
		}
		r.Patch[f.id] = entry
	}
	return r
}

// sample calls the provider of p. Object values are copied so the report
// never shares a map with the provider.
func sample(p *Property) (v wire.Value, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s: %w: %v", p.name, ErrProviderPanic, rec)
		}
	}()
	v = p.provider.get()
	if v.Type() == wire.TypeObject {
		v = wire.ObjectValue(v.Object().Clone())
	}
	return v, nil
}

// Empty reports whether there is nothing to send.
func (r *Report) Empty() bool { return len(r.Patch) == 0 }

// Commit makes the recomputed values the new baseline. Every property that
// passed the recompute gate is committed, whether or not it was included.
// Callers commit only after the patch was sent.
func (r *Report) Commit() {
	for _, rc := range r.recomputed {
		rc.prop.lastReported = rc.fingerprint
		rc.prop.lastReportTime = r.Time
		rc.prop.initialized = true
	}
}

// Recomputed returns how many providers were called for this report.
func (r *Report) Recomputed() int { return len(r.recomputed) }
