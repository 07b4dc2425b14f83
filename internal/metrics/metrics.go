// Package metrics defines all Prometheus metrics for the gateway.
// All metrics use the "ai_gateway_" prefix.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ai_gateway"

// --- Provider Metrics ---

var (
	// ProviderUp reflects each provider's last observed reachability.
	ProviderUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "provider_up",
		Help:      "Last observed provider reachability (1=online, 0=offline).",
	}, []string{"provider"})

	// OutcomesRecorded counts stats-store updates by outcome.
	OutcomesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outcomes_recorded_total",
		Help:      "Total recorded outcomes (probes and forwards), by provider and outcome.",
	}, []string{"provider", "outcome"})

	// ResponseTimeRolling exposes the router's rolling latency aggregate.
	ResponseTimeRolling = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "response_time_rolling_ms",
		Help:      "Rolling response-time aggregate used for routing, in milliseconds.",
	}, []string{"provider"})
)

// --- Forwarding Metrics ---

var (
	// ForwardRequests counts upstream forward attempts.
	ForwardRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "forward_requests_total",
		Help:      "Total upstream forward attempts, by provider and result.",
	}, []string{"provider", "result"})

	// ForwardDuration tracks time to upstream response headers.
	ForwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "forward_duration_seconds",
		Help:      "Time from forward dispatch to upstream response headers.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"provider"})

	// FailoverAttempts counts fallback dispatches to alternate providers.
	FailoverAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "failover_attempts_total",
		Help:      "Total failover dispatches to alternate providers, by alternate and result.",
	}, []string{"provider", "result"})
)

// --- Probe Metrics ---

var (
	// ProbeFailures counts failed health probes.
	ProbeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "probe_failures_total",
		Help:      "Total failed health probes, by provider.",
	}, []string{"provider"})

	// ProbeCycles counts completed prober cycles.
	ProbeCycles = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "probe_cycles_total",
		Help:      "Total completed health-check cycles.",
	})
)

// --- HTTP Metrics ---

var (
	// HTTPRequests counts client-facing HTTP requests.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total client HTTP requests, by method, path and status.",
	}, []string{"method", "path", "status"})
)

// Handler returns the Prometheus scrape handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
