// Package metrics exposes agent activity as Prometheus counters.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ditto-agent/internal/agent"
)

// Metrics bundles the agent counters on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	PatchesTotal    *prometheus.CounterVec
	ReportedTotal   *prometheus.CounterVec
	CommandsTotal   *prometheus.CounterVec
	CommandDuration prometheus.Histogram
	Connected       prometheus.Gauge
}

// New constructs and registers the metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ditto_agent_patches_total",
				Help: "Merge patches by channel and result",
			},
			[]string{"channel", "result"},
		),
		ReportedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ditto_agent_reported_properties_total",
				Help: "Property values included in sent patches",
			},
			[]string{"channel"},
		),
		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ditto_agent_commands_total",
				Help: "Handled command requests by status",
			},
			[]string{"status"},
		),
		CommandDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ditto_agent_command_duration_seconds",
			Help:    "Command handler duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ditto_agent_connected",
			Help: "1 while the hub connection is up",
		}),
	}
	m.registry.MustRegister(
		m.PatchesTotal,
		m.ReportedTotal,
		m.CommandsTotal,
		m.CommandDuration,
		m.Connected,
	)
	return m
}

// Attach subscribes m to bus and returns the unsubscribe func.
func (m *Metrics) Attach(bus *agent.EventBus) func() {
	return bus.OnAll(m.Observe)
}

// Observe updates the counters from one event.
func (m *Metrics) Observe(e agent.Event) {
	switch d := e.Data.(type) {
	case agent.PatchData:
		ch := d.Channel.String()
		if e.Type == agent.EventPatchFailed {
			m.PatchesTotal.WithLabelValues(ch, "failed").Inc()
			return
		}
		m.PatchesTotal.WithLabelValues(ch, "sent").Inc()
		m.ReportedTotal.WithLabelValues(ch).Add(float64(len(d.Properties)))
	case agent.CommandData:
		m.CommandsTotal.WithLabelValues(strconv.Itoa(d.Status)).Inc()
		m.CommandDuration.Observe(d.Duration.Seconds())
	case agent.ConnectionData:
		if d.Connected {
			m.Connected.Set(1)
		} else {
			m.Connected.Set(0)
		}
	}
}

// Registry returns the registry the metrics live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
