// Package metrics exposes Prometheus collectors for the scraper and relay agent.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Relay fetch outcomes.
const (
	OutcomeReplied = "replied"
	OutcomeTimeout = "timeout"
	OutcomeError   = "error"
)

var (
	fetchPagesTotal            *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	relayRequestsTotal         *prometheus.CounterVec
	relayRequestSeconds        prometheus.Histogram
	relayInflight              prometheus.Gauge
	relayConnectsTotal         *prometheus.CounterVec
	pipelineItemsTotal         *prometheus.CounterVec
	pipelineRunsTotal          *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_fetch_pages_total",
				Help: "Total number of pages fetched directly, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		relayRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_fetch_requests_total",
				Help: "Relay fetch requests, labeled by outcome (replied, timeout, error).",
			},
			[]string{"outcome"},
		)

		relayRequestSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relay_fetch_duration_seconds",
				Help:    "Time from sending a relay fetch until its reply or timeout.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
			},
		)

		relayInflight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_fetch_inflight",
				Help: "Relay fetch requests currently awaiting a reply.",
			},
		)

		relayConnectsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_connects_total",
				Help: "Relay session connects, labeled by result.",
			},
			[]string{"result"},
		)

		pipelineItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_step_items_total",
				Help: "Items emitted by pipeline steps, labeled by step name.",
			},
			[]string{"step"},
		)

		pipelineRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_runs_total",
				Help: "Pipeline runs, labeled by status.",
			},
			[]string{"status"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_rate_limit_delay_seconds",
				Help:    "Time fetches spent waiting on the per-host rate limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"site"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records a direct page fetch.
func ObserveFetch(site string, status int, bytesFetched int) {
	sanitizedSite := SanitizeSite(site)
	fetchPagesTotal.WithLabelValues(sanitizedSite, strconv.Itoa(status)).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRelayRequest records the outcome and latency of a relay fetch.
func ObserveRelayRequest(outcome string, duration time.Duration) {
	relayRequestsTotal.WithLabelValues(outcome).Inc()
	relayRequestSeconds.Observe(duration.Seconds())
}

// SetRelayInflight publishes the current in-flight relay request count.
func SetRelayInflight(n int) {
	relayInflight.Set(float64(n))
}

// ObserveRelayConnect records a connect attempt.
func ObserveRelayConnect(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	relayConnectsTotal.WithLabelValues(result).Inc()
}

// ObserveStepItem counts an item emitted by a step.
func ObserveStepItem(step string) {
	pipelineItemsTotal.WithLabelValues(step).Inc()
}

// ObserveRun counts a finished pipeline run.
func ObserveRun(status string) {
	pipelineRunsTotal.WithLabelValues(status).Inc()
}

// ObserveRateLimitDelay records how long a fetch waited for its host's limiter.
func ObserveRateLimitDelay(site string, d time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(SanitizeSite(site)).Observe(d.Seconds())
}
