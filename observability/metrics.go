package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type routeMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	routeMetricsOnce sync.Once
	routeRegistry    *routeMetrics
)

// Routes returns the lazily-initialised registry used to record HTTP route
// activity of the daemons.
func Routes() *routeMetrics {
	routeMetricsOnce.Do(func() {
		routeRegistry = &routeMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hubchan",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by service, route, and outcome.",
			}, []string{"service", "route", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hubchan",
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total HTTP errors segmented by service, route, and status code.",
			}, []string{"service", "route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "hubchan",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"service", "route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hubchan",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"service", "reason"}),
		}
		prometheus.MustRegister(
			routeRegistry.requests,
			routeRegistry.errors,
			routeRegistry.latency,
			routeRegistry.throttles,
		)
	})
	return routeRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *routeMetrics) Observe(service, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if service == "" {
		service = "unknown"
	}
	if route == "" {
		route = "unmatched"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(service, route, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(service, route, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(service, route).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit".
func (m *routeMetrics) RecordThrottle(service, reason string) {
	if m == nil {
		return
	}
	if service == "" {
		service = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(service, reason).Inc()
}
