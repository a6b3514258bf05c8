// Package metrics holds the prometheus collectors shared across the
// daemon. A dedicated registry keeps the /metrics endpoint free of the
// default Go runtime noise other libraries register globally.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the daemon emits
type Metrics struct {
	registry *prometheus.Registry

	ScansStarted    prometheus.Counter
	ScansFinished   *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	ToolInvocations *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
	NetworkOnline   prometheus.Gauge
}

// New creates and registers all collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ScansStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanward_scans_started_total",
			Help: "Scans picked up by the queue worker.",
		}),
		ScansFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanward_scans_finished_total",
			Help: "Scans that reached a terminal status.",
		}, []string{"status"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scanward_stage_duration_seconds",
			Help:    "Wall time per pipeline stage.",
			Buckets: prometheus.ExponentialBuckets(1, 3, 10),
		}, []string{"stage"}),
		ToolInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanward_tool_invocations_total",
			Help: "External tool executions by outcome.",
		}, []string{"tool", "outcome"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scanward_queue_depth",
			Help: "Scans waiting in the queue.",
		}),
		NetworkOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scanward_network_online",
			Help: "1 when the resilience probe reaches the internet, 0 otherwise.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.ScansStarted,
		m.ScansFinished,
		m.StageDuration,
		m.ToolInvocations,
		m.QueueDepth,
		m.NetworkOnline,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
