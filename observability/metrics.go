package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CDPMetrics bundles the collectors tracking engine operations served over the
// HTTP API.
type CDPMetrics struct {
	operations       *prometheus.CounterVec
	latency          *prometheus.HistogramVec
	liquidations     prometheus.Counter
	healthRejections *prometheus.CounterVec
	throttles        *prometheus.CounterVec
}

var (
	cdpMetricsOnce sync.Once
	cdpRegistry    *CDPMetrics

	oracleMetricsOnce sync.Once
	oracleRegistry    *OracleMetrics
)

// CDP returns the lazily-initialised metrics registry for engine operations.
func CDP() *CDPMetrics {
	cdpMetricsOnce.Do(func() {
		cdpRegistry = &CDPMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablemint",
				Subsystem: "cdp",
				Name:      "operations_total",
				Help:      "Count of engine operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "stablemint",
				Subsystem: "cdp",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for engine operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			liquidations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "stablemint",
				Subsystem: "cdp",
				Name:      "liquidations_total",
				Help:      "Count of completed liquidations.",
			}),
			healthRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablemint",
				Subsystem: "cdp",
				Name:      "health_rejections_total",
				Help:      "Count of operations rejected by the solvency gate.",
			}, []string{"operation"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablemint",
				Subsystem: "cdp",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to rate limiting.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(
			cdpRegistry.operations,
			cdpRegistry.latency,
			cdpRegistry.liquidations,
			cdpRegistry.healthRejections,
			cdpRegistry.throttles,
		)
	})
	return cdpRegistry
}

// Observe records the execution metrics for an engine operation.
func (m *CDPMetrics) Observe(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	op := labelOperation(operation)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordLiquidation increments the liquidation counter.
func (m *CDPMetrics) RecordLiquidation() {
	if m == nil {
		return
	}
	m.liquidations.Inc()
}

// RecordHealthRejection counts an operation rejected by the solvency gate.
func (m *CDPMetrics) RecordHealthRejection(operation string) {
	if m == nil {
		return
	}
	m.healthRejections.WithLabelValues(labelOperation(operation)).Inc()
}

// RecordThrottle counts a rate-limited request for the supplied route.
func (m *CDPMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	if route = strings.TrimSpace(route); route == "" {
		route = "unknown"
	}
	m.throttles.WithLabelValues(route).Inc()
}

// OracleMetrics tracks manual price feed activity.
type OracleMetrics struct {
	updates *prometheus.CounterVec
	rounds  *prometheus.GaugeVec
}

// Oracle returns the metrics registry for the price feed manager.
func Oracle() *OracleMetrics {
	oracleMetricsOnce.Do(func() {
		oracleRegistry = &OracleMetrics{
			updates: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stablemint",
				Subsystem: "oracle",
				Name:      "updates_total",
				Help:      "Count of accepted price posts segmented by feed.",
			}, []string{"feed"}),
			rounds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "stablemint",
				Subsystem: "oracle",
				Name:      "round_id",
				Help:      "Latest round identifier per feed.",
			}, []string{"feed"}),
		}
		prometheus.MustRegister(oracleRegistry.updates, oracleRegistry.rounds)
	})
	return oracleRegistry
}

// RecordUpdate notes an accepted price post and the round it produced.
func (m *OracleMetrics) RecordUpdate(feed string, round uint64) {
	if m == nil {
		return
	}
	label := strings.ToLower(strings.TrimSpace(feed))
	if label == "" {
		label = "unknown"
	}
	m.updates.WithLabelValues(label).Inc()
	m.rounds.WithLabelValues(label).Set(float64(round))
}

func labelOperation(operation string) string {
	trimmed := strings.TrimSpace(operation)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}
