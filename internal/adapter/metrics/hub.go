package metrics

import "github.com/prometheus/client_golang/prometheus"

// HubMetrics holds Prometheus metrics for connections, membership and fan-out.
type HubMetrics struct {
	ActiveConnections prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	Evictions         *prometheus.CounterVec
	ActiveChannels    prometheus.Gauge
	FramesDelivered   prometheus.Counter
	FramesDropped     prometheus.Counter
	FramesReceived    *prometheus.CounterVec
	BroadcastDuration prometheus.Histogram
	Rejections        *prometheus.CounterVec
}

// NewHubMetrics creates and registers hub metrics on the given registry.
func NewHubMetrics(reg prometheus.Registerer) *HubMetrics {
	m := &HubMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "active",
			Help:      "Number of registered connections.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "registered_total",
			Help:      "Total number of connections registered.",
		}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "evictions_total",
			Help:      "Total number of connection evictions, by reason.",
		}, []string{"reason"}),
		ActiveChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "membership",
			Name:      "channels",
			Help:      "Number of channels with at least one member.",
		}),
		FramesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "frames_delivered_total",
			Help:      "Total number of frames handed to connection writers.",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "frames_dropped_total",
			Help:      "Total number of frames skipped because the connection was closed or full.",
		}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "frames_received_total",
			Help:      "Total number of inbound frames, by type.",
		}, []string{"type"}),
		BroadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "broadcast_duration_seconds",
			Help:      "Time to fan a frame out to a channel.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1},
		}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "rejected_total",
			Help:      "Total number of refused connection attempts, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.ActiveConnections, m.ConnectionsTotal, m.Evictions, m.ActiveChannels,
		m.FramesDelivered, m.FramesDropped, m.FramesReceived, m.BroadcastDuration, m.Rejections,
	)
	return m
}
