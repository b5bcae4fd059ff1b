// Package metrics exports VMM counters to Prometheus.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinyrange/vmm/internal/fault"
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/shadow"
	"github.com/tinyrange/vmm/internal/vmexit"
)

const namespace = "vmm"

// Metrics holds the counters of one VM. Each VM gets its own registry so
// several can run in one process.
type Metrics struct {
	registry *prometheus.Registry

	exits        *prometheus.CounterVec
	fatal        *prometheus.CounterVec
	events       *prometheus.CounterVec
	shadowFaults *prometheus.CounterVec
	rebuilds     prometheus.Counter
	tableFrames  prometheus.Gauge
}

func New(vm string) *Metrics {
	labels := prometheus.Labels{"vm": vm}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "exits_total",
			Help:        "Guest exits handled, by reason and outcome.",
			ConstLabels: labels,
		}, []string{"core", "reason", "outcome"}),
		fatal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "fatal_exits_total",
			Help:        "Exits that stopped a core.",
			ConstLabels: labels,
		}, []string{"core"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "injected_events_total",
			Help:        "Events queued for delivery to the guest.",
			ConstLabels: labels,
		}, []string{"kind", "vector"}),
		shadowFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "shadow_faults_total",
			Help:        "Page faults serviced by the shadow paging layer.",
			ConstLabels: labels,
		}, []string{"result"}),
		rebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "shadow_rebuilds_total",
			Help:        "Wholesale shadow table rebuilds after memory map changes.",
			ConstLabels: labels,
		}),
		tableFrames: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "shadow_table_frames",
			Help:        "Host frames holding shadow tables.",
			ConstLabels: labels,
		}),
	}
	m.registry.MustRegister(
		m.exits,
		m.fatal,
		m.events,
		m.shadowFaults,
		m.rebuilds,
		m.tableFrames,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveExit implements vmexit.Observer.
func (m *Metrics) ObserveExit(core int, reason hv.ExitReason, outcome vmexit.Outcome) {
	c := strconv.Itoa(core)
	m.exits.WithLabelValues(c, reason.String(), outcome.String()).Inc()
	if outcome == vmexit.OutcomeFatal {
		m.fatal.WithLabelValues(c).Inc()
	}
}

// ObserveShadowFault implements vmexit.Observer.
func (m *Metrics) ObserveShadowFault(core int, result shadow.FaultResult) {
	m.shadowFaults.WithLabelValues(result.String()).Inc()
}

// InjectedEvent implements fault.Observer.
func (m *Metrics) InjectedEvent(core int, ev hv.Event) {
	vector := fmt.Sprintf("0x%02x", ev.Vector)
	if ev.Kind == hv.EventException {
		vector = fault.VectorName(ev.Vector)
	}
	m.events.WithLabelValues(ev.Kind.String(), vector).Inc()
}

// ObserveRebuild records a wholesale rebuild and the resulting table size.
func (m *Metrics) ObserveRebuild(frames int) {
	m.rebuilds.Inc()
	m.tableFrames.Set(float64(frames))
}

var (
	_ vmexit.Observer = (*Metrics)(nil)
	_ fault.Observer  = (*Metrics)(nil)
)
