// Package metrics exposes Prometheus collectors for the ingest pipeline.
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
	fetchAttemptsTotal                   *prometheus.CounterVec
	fetchBytesTotal                      *prometheus.CounterVec
	sourcesTotal                         *prometheus.CounterVec
	itemsTotal                           *prometheus.CounterVec
	dedupMatchesTotal                    *prometheus.CounterVec
	stageDurationSeconds                 *prometheus.HistogramVec
	httpRequestsTotal                    *prometheus.CounterVec
	httpRequestDurationSeconds           *prometheus.HistogramVec
	crawlerProbeTLSHandshakeTimeoutTotal prometheus.Counter
	crawlerActiveWorkers                 prometheus.Gauge
	crawlerRateLimitDelaysSeconds        *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_fetch_attempts_total",
				Help: "Fetch attempts, labeled by engine and outcome (ok, soft, error).",
			},
			[]string{"engine", "outcome"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_fetch_bytes_total",
				Help: "Bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		sourcesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_sources_total",
				Help: "Sources processed by the scrape stage, labeled by status.",
			},
			[]string{"status"},
		)

		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_items_total",
				Help: "Items seen per stage, labeled by stage, category and outcome.",
			},
			[]string{"stage", "category", "outcome"},
		)

		dedupMatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_dedup_matches_total",
				Help: "Dedup fact matches, labeled by fact kind.",
			},
			[]string{"kind"},
		)

		stageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_stage_duration_seconds",
				Help:    "Wall time of one (stage, category) unit.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"stage", "status"},
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

		crawlerProbeTLSHandshakeTimeoutTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_probe_tls_handshake_timeout_total",
				Help: "Total TLS handshake timeouts encountered while probing robots.txt.",
			},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a source.",
			},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of host permit and rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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

// ObserveFetch records one engine attempt.
func ObserveFetch(engine, outcome, site string, bytesFetched int) {
	Init()
	fetchAttemptsTotal.WithLabelValues(engine, outcome).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(SanitizeSite(site)).Add(float64(bytesFetched))
	}
}

// ObserveSource records the final status of one source in the scrape stage.
func ObserveSource(status string) {
	Init()
	sourcesTotal.WithLabelValues(status).Inc()
}

// ObserveItems adds n items to the per-stage outcome counter.
func ObserveItems(stage, category, outcome string, n int) {
	if n <= 0 {
		return
	}
	Init()
	itemsTotal.WithLabelValues(stage, category, outcome).Add(float64(n))
}

// ObserveDedupMatch counts one matched fact.
func ObserveDedupMatch(kind string) {
	Init()
	dedupMatchesTotal.WithLabelValues(kind).Inc()
}

// ObserveStage records the duration of a (stage, category) unit.
func ObserveStage(stage, status string, duration time.Duration) {
	Init()
	stageDurationSeconds.WithLabelValues(stage, status).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveProbeTLSHandshakeTimeout increments the probe-specific handshake timeout counter.
func ObserveProbeTLSHandshakeTimeout() {
	Init()
	crawlerProbeTLSHandshakeTimeoutTotal.Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
