// Package metrics exposes Prometheus collectors for the crawler service.
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
	fetchesTotal               *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	itemsTotal                 *prometheus.CounterVec
	filesDownloadedTotal       prometheus.Counter
	runsTotal                  *prometheus.CounterVec
	runActive                  prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_fetches_total",
				Help: "Total number of catalog fetches, labeled by site and result.",
			},
			[]string{"site", "result"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "catalog_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies excluding the politeness delay.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_items_total",
				Help: "Total number of processed codes and names, labeled by kind and status.",
			},
			[]string{"kind", "status"},
		)

		filesDownloadedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "catalog_files_downloaded_total",
				Help: "Total number of files stored in the object store.",
			},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_runs_total",
				Help: "Total number of crawl runs, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		runActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "catalog_run_active",
				Help: "1 while a crawl run is in progress.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "catalog_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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

// ObserveFetch records one fetch attempt. ok=false counts as absent.
func ObserveFetch(site string, ok bool, bytesFetched int, duration time.Duration) {
	Init()
	sanitized := SanitizeSite(site)
	result := "absent"
	if ok {
		result = "ok"
	}
	fetchesTotal.WithLabelValues(sanitized, result).Inc()
	fetchDurationSeconds.WithLabelValues(sanitized).Observe(duration.Seconds())
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitized).Add(float64(bytesFetched))
	}
}

// ObserveItem increments the processed counter for a code or name.
func ObserveItem(kind, status string) {
	Init()
	itemsTotal.WithLabelValues(kind, status).Inc()
}

// ObserveFileDownloaded increments the stored-file counter.
func ObserveFileDownloaded() {
	Init()
	filesDownloadedTotal.Inc()
}

// ObserveRun increments the run counter for the given outcome.
func ObserveRun(outcome string) {
	Init()
	runsTotal.WithLabelValues(outcome).Inc()
}

// SetRunActive flips the active-run gauge.
func SetRunActive(active bool) {
	Init()
	if active {
		runActive.Set(1)
		return
	}
	runActive.Set(0)
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
