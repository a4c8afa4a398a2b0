package payment

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricProcessorRequests = "payment_processor_requests_total"
	MetricProcessorDuration = "payment_processor_request_duration_seconds"
	MetricConnectDeduped    = "payment_connect_accounts_deduplicated_total"
)

// Metrics contains Prometheus metrics for processor calls.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	processorRequests *prometheus.CounterVec
	processorDuration *prometheus.HistogramVec
	connectDeduped    prometheus.Counter
}

// NewMetrics creates the payment metrics. Call Register to expose them.
func NewMetrics() *Metrics {
	return &Metrics{
		processorRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricProcessorRequests,
				Help: "Total number of payment processor calls by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		processorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricProcessorDuration,
				Help:    "Payment processor call duration in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"},
		),
		connectDeduped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricConnectDeduped,
				Help: "Connected account requests answered with an existing account",
			},
		),
	}
}

// Register registers all metrics with the given registerer.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.processorRequests,
		m.processorDuration,
		m.connectDeduped,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) observeCall(operation, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.processorRequests.WithLabelValues(operation, outcome).Inc()
	m.processorDuration.WithLabelValues(operation).Observe(seconds)
}

func (m *Metrics) incDeduped() {
	if m == nil {
		return
	}
	m.connectDeduped.Inc()
}
