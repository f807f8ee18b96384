package audit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricEntriesTotal       = "audit_entries_total"
	MetricSinkErrorsTotal    = "audit_sink_errors_total"
	MetricSinkDroppedTotal   = "audit_sink_dropped_total"
	MetricSinkDeliveredTotal = "audit_sink_delivered_total"
	MetricVerificationsTotal = "audit_chain_verifications_total"
	MetricChainLength        = "audit_chain_length"
)

// Metrics contains Prometheus metrics for the audit chain and its sinks.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	entries       *prometheus.CounterVec
	sinkErrors    *prometheus.CounterVec
	sinkDropped   *prometheus.CounterVec
	sinkDelivered *prometheus.CounterVec
	verifications *prometheus.CounterVec
	chainLength   prometheus.Gauge
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		entries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricEntriesTotal,
				Help: "Total number of audit entries appended by action",
			},
			[]string{"action"},
		),
		sinkErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricSinkErrorsTotal,
				Help: "Total number of failed audit sink writes by sink",
			},
			[]string{"sink"},
		),
		sinkDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricSinkDroppedTotal,
				Help: "Total number of audit entries dropped because a sink queue was full",
			},
			[]string{"sink"},
		),
		sinkDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricSinkDeliveredTotal,
				Help: "Total number of audit entries delivered by asynchronous sinks",
			},
			[]string{"sink"},
		),
		verifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricVerificationsTotal,
				Help: "Total number of chain verifications by result",
			},
			[]string{"result"},
		),
		chainLength: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: MetricChainLength,
				Help: "Number of entries in the audit chain",
			},
		),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
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
	return []prometheus.Collector{
		m.entries,
		m.sinkErrors,
		m.sinkDropped,
		m.sinkDelivered,
		m.verifications,
		m.chainLength,
	}
}

func (m *Metrics) entryAppended(action Action, length int) {
	if m == nil {
		return
	}
	m.entries.WithLabelValues(string(action)).Inc()
	m.chainLength.Set(float64(length))
}

func (m *Metrics) sinkError(sink string) {
	if m == nil {
		return
	}
	m.sinkErrors.WithLabelValues(sink).Inc()
}

func (m *Metrics) sinkDrop(sink string) {
	if m == nil {
		return
	}
	m.sinkDropped.WithLabelValues(sink).Inc()
}

func (m *Metrics) sinkDelivery(sink string) {
	if m == nil {
		return
	}
	m.sinkDelivered.WithLabelValues(sink).Inc()
}

func (m *Metrics) verified(valid bool) {
	if m == nil {
		return
	}
	result := "valid"
	if !valid {
		result = "invalid"
	}
	m.verifications.WithLabelValues(result).Inc()
}
