package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GatewayRequestsTotal counts backend calls by timeout budget and outcome kind.
	GatewayRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clipforge",
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "Backend calls by timeout budget and outcome.",
	}, []string{"budget", "outcome"})

	// GatewayDuration tracks backend call latency.
	GatewayDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "clipforge",
		Subsystem: "gateway",
		Name:      "request_duration_seconds",
		Help:      "Backend call duration in seconds by timeout budget.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
	}, []string{"budget"})

	// GatewayActiveTimers is the number of armed, not yet disarmed call timers.
	GatewayActiveTimers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "clipforge",
		Subsystem: "gateway",
		Name:      "active_timers",
		Help:      "Backend call timers currently armed.",
	})

	// EntitlementFallbacksTotal counts substituted default usage limits.
	EntitlementFallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clipforge",
		Subsystem: "entitlement",
		Name:      "fallbacks_total",
		Help:      "Usage limit checks answered with the conservative default.",
	}, []string{"reason"})

	// ProgressStreamsActive is the number of open progress streams.
	ProgressStreamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "clipforge",
		Subsystem: "progress",
		Name:      "streams_active",
		Help:      "Progress streams currently open.",
	})

	// ProgressJobsTotal counts finished progress jobs by terminal event type.
	ProgressJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clipforge",
		Subsystem: "progress",
		Name:      "jobs_total",
		Help:      "Progress jobs by terminal outcome.",
	}, []string{"outcome"})

	// WebhookEventsTotal counts provider callbacks by normalized kind and result.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clipforge",
		Subsystem: "billing",
		Name:      "webhook_events_total",
		Help:      "Payment provider callbacks by event kind and result.",
	}, []string{"kind", "result"})

	// RateLimitedTotal counts requests refused by the per-caller rate limit.
	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "clipforge",
		Subsystem: "http",
		Name:      "rate_limited_total",
		Help:      "Requests answered with 429 by the rate limiter.",
	})
)
