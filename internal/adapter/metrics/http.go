package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// Routes the request middleware leaves alone: probes and scrapes would drown
// the signal, and /ws is hijacked so its status is never written through echo.
var untrackedRoutes = []string{"/metrics", "/ws", "/health/"}

type HTTPMetrics struct {
	Requests *prometheus.CounterVec
	Latency  *prometheus.HistogramVec
	InFlight prometheus.Gauge
	// Errors counts structured errors by type; the error middleware feeds it.
	Errors *prometheus.CounterVec
}

func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	labels := []string{"method", "route", "code"}
	m := &HTTPMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served, by route and status code.",
		}, labels),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Time spent serving HTTP requests.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, labels),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "HTTP requests currently being served.",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "errors_total",
			Help:      "Structured HTTP errors returned, by error type.",
		}, []string{"type"}),
	}

	reg.MustRegister(m.Requests, m.Latency, m.InFlight, m.Errors)
	return m
}

func tracked(route string) bool {
	for _, r := range untrackedRoutes {
		if route == r || (strings.HasSuffix(r, "/") && strings.HasPrefix(route, r)) {
			return false
		}
	}
	return true
}

// Middleware records count and latency per matched route. Unmatched requests
// are grouped under their echo route pattern, which is empty for 404s.
func (m *HTTPMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			route := c.Path()
			if !tracked(route) {
				return next(c)
			}

			m.InFlight.Inc()
			start := time.Now()
			err := next(c)
			m.InFlight.Dec()

			code := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				code = he.Code
			}
			method := c.Request().Method
			status := strconv.Itoa(code)
			m.Requests.WithLabelValues(method, route, status).Inc()
			m.Latency.WithLabelValues(method, route, status).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
