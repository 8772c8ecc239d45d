// Package metrics exposes prometheus instrumentation for relay checks and
// computes the aggregate relay report.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relaycheck"

// Check outcomes used as label values.
const (
	OutcomeReachable   = "reachable"
	OutcomeUnreachable = "unreachable"
	OutcomeInvalid     = "invalid"
	OutcomeError       = "error"
)

// ProbeMetrics tracks relay check activity.
type ProbeMetrics struct {
	Checks         *prometheus.CounterVec
	Capabilities   *prometheus.CounterVec
	ActiveChecks   prometheus.Gauge
	CheckDuration  prometheus.Histogram
	LastRunRelays  prometheus.Gauge
	LastRunSeconds prometheus.Gauge
}

// NewProbeMetrics registers the probe metrics with reg.
func NewProbeMetrics(reg prometheus.Registerer) *ProbeMetrics {
	factory := promauto.With(reg)
	return &ProbeMetrics{
		Checks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_total",
			Help:      "Relay checks by outcome",
		}, []string{"outcome"}),
		Capabilities: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capability_probes_total",
			Help:      "Capability probes by capability and result",
		}, []string{"capability", "result"}),
		ActiveChecks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_checks",
			Help:      "Relay checks currently holding a concurrency slot",
		}),
		CheckDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "check_duration_seconds",
			Help:      "Time spent checking a single relay",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		LastRunRelays: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_relays",
			Help:      "Relays selected by the most recent run",
		}),
		LastRunSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_duration_seconds",
			Help:      "Duration of the most recent run",
		}),
	}
}

// ObserveCheck records one finished relay check.
func (m *ProbeMetrics) ObserveCheck(outcome string, elapsed time.Duration) {
	m.Checks.WithLabelValues(outcome).Inc()
	m.CheckDuration.Observe(elapsed.Seconds())
}

// ObserveCapability records one capability probe result.
func (m *ProbeMetrics) ObserveCapability(capability string, ok bool) {
	result := "unsupported"
	if ok {
		result = "supported"
	}
	m.Capabilities.WithLabelValues(capability, result).Inc()
}

// TrackCheck marks a check as active for the duration of f.
func (m *ProbeMetrics) TrackCheck(f func()) {
	m.ActiveChecks.Inc()
	defer m.ActiveChecks.Dec()
	f()
}

// ObserveRun records the size and duration of a finished run.
func (m *ProbeMetrics) ObserveRun(relays int, elapsed time.Duration) {
	m.LastRunRelays.Set(float64(relays))
	m.LastRunSeconds.Set(elapsed.Seconds())
}
