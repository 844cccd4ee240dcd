package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ClientMetrics tracks a channel client's hub round trips and escalations.
type ClientMetrics struct {
	hubRequests *prometheus.CounterVec
	hubLatency  *prometheus.HistogramVec
	escalations *prometheus.CounterVec
	nonce       *prometheus.GaugeVec
}

var (
	clientOnce     sync.Once
	clientRegistry *ClientMetrics
)

func Client() *ClientMetrics {
	clientOnce.Do(func() {
		clientRegistry = &ClientMetrics{
			hubRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "hubchan_client_hub_requests_total",
				Help: "Hub round trips by operation and result.",
			}, []string{"op", "result"}),
			hubLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "hubchan_client_hub_latency_seconds",
				Help:    "Latency of hub round trips by operation.",
				Buckets: prometheus.DefBuckets,
			}, []string{"op"}),
			escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "hubchan_client_escalations_total",
				Help: "Disputes opened by the client by cause.",
			}, []string{"cause"}),
			nonce: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "hubchan_client_channel_nonce",
				Help: "Latest accepted nonce per channel.",
			}, []string{"channel"}),
		}
		prometheus.MustRegister(
			clientRegistry.hubRequests,
			clientRegistry.hubLatency,
			clientRegistry.escalations,
			clientRegistry.nonce,
		)
	})
	return clientRegistry
}

func (m *ClientMetrics) ObserveHubRequest(op, result string, seconds float64) {
	if m == nil {
		return
	}
	m.hubRequests.WithLabelValues(op, result).Inc()
	m.hubLatency.WithLabelValues(op).Observe(seconds)
}

func (m *ClientMetrics) ObserveEscalation(cause string) {
	if m == nil {
		return
	}
	if cause == "" {
		cause = "unknown"
	}
	m.escalations.WithLabelValues(cause).Inc()
}

func (m *ClientMetrics) SetNonce(channel string, nonce uint64) {
	if m == nil {
		return
	}
	m.nonce.WithLabelValues(channel).Set(float64(nonce))
}
