// Package metrics exposes Prometheus collectors for the harvester.
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

var (
	fetchAttemptsTotal          *prometheus.CounterVec
	channelRunsTotal            *prometheus.CounterVec
	recordsTotal                *prometheus.CounterVec
	enrichmentRequestsTotal     *prometheus.CounterVec
	organizationDurationSeconds prometheus.Histogram
	activeWorkers               prometheus.Gauge
	rateLimitDelaysSeconds      *prometheus.HistogramVec
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_fetch_attempts_total",
				Help: "Total fetch attempts, labeled by host and outcome class.",
			},
			[]string{"host", "class"},
		)

		channelRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_channel_runs_total",
				Help: "Total channel scraper runs, labeled by channel and final state.",
			},
			[]string{"channel", "state"},
		)

		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_records_total",
				Help: "Total canonical records produced, labeled by channel.",
			},
			[]string{"channel"},
		)

		enrichmentRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_enrichment_requests_total",
				Help: "Total enrichment batch requests, labeled by status.",
			},
			[]string{"status"},
		)

		organizationDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_organization_duration_seconds",
				Help:    "Wall time spent harvesting one organization.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_workers",
				Help: "Number of workers currently harvesting an organization.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_delays_seconds",
				Help:    "Histogram of per-domain rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP API latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from a URL.
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

// Handler returns an http.Handler exposing the default registry.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveFetchAttempt counts one fetch attempt for the URL's host.
func ObserveFetchAttempt(rawURL, class string) {
	Init()
	fetchAttemptsTotal.WithLabelValues(SanitizeSite(rawURL), class).Inc()
}

// ObserveChannelRun counts a finished channel run and the records it produced.
func ObserveChannelRun(channel, state string, records int) {
	Init()
	channelRunsTotal.WithLabelValues(channel, state).Inc()
	if records > 0 {
		recordsTotal.WithLabelValues(channel).Add(float64(records))
	}
}

// ObserveEnrichment counts one enrichment batch request.
func ObserveEnrichment(status string) {
	Init()
	enrichmentRequestsTotal.WithLabelValues(status).Inc()
}

// ObserveOrganization records the duration of one organization pass.
func ObserveOrganization(duration time.Duration) {
	Init()
	organizationDurationSeconds.Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest records one API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
