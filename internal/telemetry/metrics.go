// Package telemetry provides observability primitives for the llmgate
// gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge
	TokensProcessed *prometheus.CounterVec

	// The collectors below are registered for degraded responses
	// (spec.md §4.4, §4.12), per-credential health and weekly usage, and
	// per-backend pool occupancy, but no component of the gateway
	// updates them; they stay at zero unless set by the caller.

	// DegradedTotal is the degraded/fallback response counter.
	DegradedTotal prometheus.Counter

	// CredentialHealthScore is the health.Score(credential) gauge per
	// credential id.
	CredentialHealthScore *prometheus.GaugeVec // labels: credential_id

	// CredentialWeeklyUsageRatio is the weekly_used/weekly_budget gauge
	// per credential id.
	CredentialWeeklyUsageRatio *prometheus.GaugeVec // labels: credential_id

	// QueueDepth and QueueActive are per-backend pool occupancy gauges;
	// GET /queue/status reads pool stats directly, not these gauges.
	QueueDepth *prometheus.GaugeVec // labels: backend
	QueueActive *prometheus.GaugeVec // labels: backend
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmgate",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "llmgate",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "llmgate",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmgate",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"backend", "type"}),

		DegradedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "llmgate",
			Name:      "degraded_responses_total",
			Help:      "Total responses served via a fallback routing decision.",
		}),

		CredentialHealthScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "llmgate",
			Name:      "credential_health_score",
			Help:      "Health score (0-100) per credential.",
		}, []string{"credential_id"}),

		CredentialWeeklyUsageRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "llmgate",
			Name:      "credential_weekly_usage_ratio",
			Help:      "weekly_used / weekly_budget per credential.",
		}, []string{"credential_id"}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "llmgate",
			Name:      "queue_depth",
			Help:      "Current queued item count per local backend's pool.",
		}, []string{"backend"}),

		QueueActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "llmgate",
			Name:      "queue_active",
			Help:      "Current active (in-flight) slot count per local backend's pool.",
		}, []string{"backend"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.TokensProcessed,
		m.DegradedTotal,
		m.CredentialHealthScore,
		m.CredentialWeeklyUsageRatio,
		m.QueueDepth,
		m.QueueActive,
	)

	return m
}
