package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// AdjudicatorMetrics tracks the dispute engine and the ledger hosting it.
type AdjudicatorMetrics struct {
	operations  *prometheus.CounterVec
	reverts     *prometheus.CounterVec
	challenges  *prometheus.GaugeVec
	height      prometheus.Gauge
	payouts     *prometheus.CounterVec
	txDurations *prometheus.HistogramVec
}

var (
	adjudicatorOnce     sync.Once
	adjudicatorRegistry *AdjudicatorMetrics
)

func Adjudicator() *AdjudicatorMetrics {
	adjudicatorOnce.Do(func() {
		adjudicatorRegistry = &AdjudicatorMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "adjudicator_operations_total",
				Help: "Count of successful adjudicator operations by name.",
			}, []string{"op"}),
			reverts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "adjudicator_reverts_total",
				Help: "Count of reverted adjudicator operations by name and reason.",
			}, []string{"op", "reason"}),
			challenges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "adjudicator_challenge_transitions",
				Help: "Number of challenge records written per resulting status.",
			}, []string{"status"}),
			height: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "adjudicator_block_height",
				Help: "Current height of the adjudicator ledger.",
			}),
			payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "adjudicator_interpreter_payouts_total",
				Help: "Number of outcome executions by interpreter kind.",
			}, []string{"interpreter"}),
			txDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "adjudicator_tx_duration_seconds",
				Help:    "Wall time spent executing adjudicator transactions.",
				Buckets: prometheus.DefBuckets,
			}, []string{"op"}),
		}
		prometheus.MustRegister(
			adjudicatorRegistry.operations,
			adjudicatorRegistry.reverts,
			adjudicatorRegistry.challenges,
			adjudicatorRegistry.height,
			adjudicatorRegistry.payouts,
			adjudicatorRegistry.txDurations,
		)
	})
	return adjudicatorRegistry
}

func (m *AdjudicatorMetrics) ObserveOperation(op string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op).Inc()
}

func (m *AdjudicatorMetrics) ObserveRevert(op, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.reverts.WithLabelValues(op, reason).Inc()
}

func (m *AdjudicatorMetrics) ObserveChallengeStatus(status string) {
	if m == nil {
		return
	}
	m.challenges.WithLabelValues(status).Inc()
}

func (m *AdjudicatorMetrics) SetHeight(height uint64) {
	if m == nil {
		return
	}
	m.height.Set(float64(height))
}

func (m *AdjudicatorMetrics) ObservePayout(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.payouts.WithLabelValues(kind).Inc()
}

func (m *AdjudicatorMetrics) ObserveTxDuration(op string, seconds float64) {
	if m == nil {
		return
	}
	m.txDurations.WithLabelValues(op).Observe(seconds)
}
