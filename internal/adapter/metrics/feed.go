package metrics

import "github.com/prometheus/client_golang/prometheus"

// FeedMetrics holds Prometheus metrics for per-channel change feeds.
type FeedMetrics struct {
	Open          prometheus.Gauge
	Transitions   *prometheus.CounterVec
	OpenFailures  prometheus.Counter
	DeliveryFails prometheus.Counter
	Events        prometheus.Counter
	Repairs       prometheus.Counter
	Supported     prometheus.Gauge
}

// NewFeedMetrics creates and registers feed metrics on the given registry.
func NewFeedMetrics(reg prometheus.Registerer) *FeedMetrics {
	m := &FeedMetrics{
		Open: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "open",
			Help:      "Number of change feeds currently open.",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "transitions_total",
			Help:      "Total number of feed state transitions, by target state.",
		}, []string{"status"}),
		OpenFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "open_failures_total",
			Help:      "Total number of failed feed opens.",
		}),
		DeliveryFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "delivery_failures_total",
			Help:      "Total number of feeds that broke while delivering.",
		}),
		Events: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "events_total",
			Help:      "Total number of change events delivered to the dispatcher.",
		}),
		Repairs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "repairs_total",
			Help:      "Total number of feeds repaired by the health monitor.",
		}),
		Supported: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "supported",
			Help:      "1 when the configured store supports change feeds, 0 when degraded.",
		}),
	}

	reg.MustRegister(m.Open, m.Transitions, m.OpenFailures, m.DeliveryFails, m.Events, m.Repairs, m.Supported)
	return m
}
