// Package observability provides the Prometheus metrics, health checks,
// observability HTTP server, and OpenTelemetry tracing for the assistant.
package observability

import (
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Turn metrics
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finchat_turns_total",
			Help: "Total number of conversational turns",
		},
		[]string{"status"},
	)

	turnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finchat_turn_duration_seconds",
			Help:    "End-to-end turn duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	promptBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "finchat_prompt_bytes",
			Help:    "Serialized size of assembled completion windows",
			Buckets: prometheus.ExponentialBuckets(512, 2, 10),
		},
	)

	evictedMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "finchat_evicted_messages_total",
			Help: "History messages evicted to fit the window budget",
		},
	)

	// Tool metrics
	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finchat_tool_calls_total",
			Help: "Total number of tool calls",
		},
		[]string{"tool", "status"},
	)

	toolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finchat_tool_call_duration_seconds",
			Help:    "Tool call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	// Upstream completion metrics
	upstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finchat_upstream_requests_total",
			Help: "Total number of upstream completion requests",
		},
		[]string{"provider", "status"},
	)

	upstreamRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finchat_upstream_request_duration_seconds",
			Help:    "Upstream completion request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	upstreamRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finchat_upstream_retries_total",
			Help: "Upstream attempts retried, by cause",
		},
		[]string{"provider", "reason"},
	)

	// Context cache metrics
	cacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finchat_cache_requests_total",
			Help: "Context cache lookups by tier and outcome",
		},
		[]string{"tier", "outcome"},
	)

	// Data provider metrics
	providerDegradationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finchat_provider_degradations_total",
			Help: "List queries degraded to count-only results",
		},
		[]string{"provider"},
	)

	// System metrics
	memoryUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "finchat_memory_usage_bytes",
			Help: "Memory usage in bytes",
		},
	)

	goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "finchat_goroutines",
			Help: "Number of goroutines",
		},
	)

	initOnce sync.Once
)

// Cache lookup outcomes for RecordCacheRequest.
const (
	CacheHitFresh      = "hit_fresh"
	CacheHitStale      = "hit_stale"
	CacheMiss          = "miss"
	CacheRebuildFailed = "rebuild_failed"
)

// InitMetrics registers all metrics with the default registry. Safe to call
// more than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			turnsTotal,
			turnDuration,
			promptBytes,
			evictedMessagesTotal,
			toolCallsTotal,
			toolCallDuration,
			upstreamRequestsTotal,
			upstreamRequestDuration,
			upstreamRetriesTotal,
			cacheRequestsTotal,
			providerDegradationsTotal,
			memoryUsage,
			goroutines,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordTurn records one completed turn. status is "ok", "degraded", or
// "error".
func RecordTurn(status string, duration time.Duration) {
	turnsTotal.WithLabelValues(status).Inc()
	turnDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordPromptSize records the assembled window size for one turn.
func RecordPromptSize(bytes, evicted int) {
	promptBytes.Observe(float64(bytes))
	if evicted > 0 {
		evictedMessagesTotal.Add(float64(evicted))
	}
}

// RecordToolCall records one tool execution. status is "ok" or "error".
func RecordToolCall(tool, status string, duration time.Duration) {
	toolCallsTotal.WithLabelValues(tool, status).Inc()
	toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordUpstreamRequest records one completion request outcome.
func RecordUpstreamRequest(provider, status string, duration time.Duration) {
	upstreamRequestsTotal.WithLabelValues(provider, status).Inc()
	upstreamRequestDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordUpstreamRetry records a retried upstream attempt. reason is
// "rate_limited" or "server_error".
func RecordUpstreamRetry(provider, reason string) {
	upstreamRetriesTotal.WithLabelValues(provider, reason).Inc()
}

// RecordCacheRequest records a context cache lookup outcome per tier.
func RecordCacheRequest(tier, outcome string) {
	cacheRequestsTotal.WithLabelValues(tier, outcome).Inc()
}

// RecordProviderDegradation records a list query that fell back to a
// count-only result.
func RecordProviderDegradation(provider string) {
	providerDegradationsTotal.WithLabelValues(provider).Inc()
}

// UpdateSystemMetrics refreshes the memory and goroutine gauges. Long-running
// processes call it on a ticker.
func UpdateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	memoryUsage.Set(float64(m.Alloc))
	goroutines.Set(float64(runtime.NumGoroutine()))
}
