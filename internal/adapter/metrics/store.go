package metrics

import "github.com/prometheus/client_golang/prometheus"

// StoreMetrics covers calls from the hub to its backing store, labelled by backend.
type StoreMetrics struct {
	Ops          *prometheus.CounterVec
	OpDuration   *prometheus.HistogramVec
	BreakerState *prometheus.GaugeVec
	BreakerTrips *prometheus.CounterVec
}

func NewStoreMetrics(reg prometheus.Registerer) *StoreMetrics {
	m := &StoreMetrics{
		Ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Total store operations by backend, operation and status.",
		}, []string{"backend", "operation", "status"}),
		OpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Store operation latency.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 2.5},
		}, []string{"backend", "operation"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"backend"}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state changes by target state.",
		}, []string{"backend", "state"}),
	}

	reg.MustRegister(m.Ops, m.OpDuration, m.BreakerState, m.BreakerTrips)
	return m
}

// Observe records one operation. A nil receiver is a no-op.
func (m *StoreMetrics) Observe(backend, operation string, seconds float64, failed bool) {
	if m == nil {
		return
	}
	status := "success"
	if failed {
		status = "error"
	}
	m.Ops.WithLabelValues(backend, operation, status).Inc()
	m.OpDuration.WithLabelValues(backend, operation).Observe(seconds)
}
