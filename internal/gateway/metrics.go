package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricDecisionsTotal = "gateway_decisions_total"
	MetricFailOpenTotal  = "gateway_fail_open_total"
)

// Metrics contains Prometheus metrics for gateway admission decisions.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	decisions *prometheus.CounterVec
	failOpen  prometheus.Counter
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricDecisionsTotal,
				Help: "Total number of gateway admission decisions by status and tier",
			},
			[]string{"status", "tier"},
		),
		failOpen: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricFailOpenTotal,
				Help: "Total number of requests admitted because a gateway backend failed",
			},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.decisions, m.failOpen}
}

func (m *Metrics) decided(status Status, tier string) {
	if m == nil {
		return
	}
	if tier == "" {
		tier = "none"
	}
	m.decisions.WithLabelValues(status.String(), tier).Inc()
}

func (m *Metrics) failedOpen() {
	if m == nil {
		return
	}
	m.failOpen.Inc()
}
