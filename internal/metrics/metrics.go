// Package metrics exposes the daemon's Prometheus instrumentation on a
// dedicated registry so the default global registry stays untouched.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "middled"

// Metrics bundles every instrument the daemon records.
type Metrics struct {
	registry *prometheus.Registry

	CallsTotal    *prometheus.CounterVec
	CallDuration  *prometheus.HistogramVec
	JobsByState   *prometheus.GaugeVec
	EventsEmitted prometheus.Counter
	Sessions      prometheus.Gauge
	AuthFailures  prometheus.Counter
}

// New builds the instrument set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Method calls by qualified name and outcome.",
		}, []string{"method", "outcome"}),
		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Method call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		JobsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Jobs currently known, by state.",
		}, []string{"state"}),
		EventsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Events fanned out on the bus.",
		}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Open transport sessions.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Failed authentication exchanges.",
		}),
	}
	reg.MustRegister(
		m.CallsTotal, m.CallDuration, m.JobsByState,
		m.EventsEmitted, m.Sessions, m.AuthFailures,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
