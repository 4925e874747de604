// Package metrics exposes Prometheus collectors for the scrape service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scrapePagesTotal           *prometheus.CounterVec
	scrapeMediaTotal           *prometheus.CounterVec
	scrapeJobsTotal            *prometheus.CounterVec
	scrapeCacheOpsTotal        *prometheus.CounterVec
	scrapeDeadLettersTotal     prometheus.Counter
	scrapeBrowserRestartsTotal prometheus.Counter
	queueWaiting               prometheus.Gauge
	queueActive                prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scrapePagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_pages_total",
				Help: "Total number of pages scraped, labeled by scraper and outcome.",
			},
			[]string{"scraper", "outcome"},
		)

		scrapeMediaTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_media_total",
				Help: "Total number of media assets extracted, labeled by type.",
			},
			[]string{"type"},
		)

		scrapeJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_jobs_total",
				Help: "Total number of jobs reaching a terminal status.",
			},
			[]string{"status"},
		)

		scrapeCacheOpsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_cache_ops_total",
				Help: "Cache lookups, labeled by result (hit, miss).",
			},
			[]string{"result"},
		)

		scrapeDeadLettersTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scrape_dead_letters_total",
				Help: "Total queue items that exhausted their attempts.",
			},
		)

		scrapeBrowserRestartsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scrape_browser_restarts_total",
				Help: "Total headless browser relaunches.",
			},
		)

		queueWaiting = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrape_queue_waiting",
				Help: "Items currently waiting in the scrape queue.",
			},
		)

		queueActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrape_queue_active",
				Help: "Items currently leased by workers.",
			},
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage increments the page counter for the given scraper and outcome.
func ObservePage(scraper, outcome string) {
	scrapePagesTotal.WithLabelValues(scraper, outcome).Inc()
}

// ObserveMedia adds extracted media counts by type.
func ObserveMedia(mediaType string, count int) {
	if count > 0 {
		scrapeMediaTotal.WithLabelValues(mediaType).Add(float64(count))
	}
}

// ObserveJob increments the job counter for the given terminal status.
func ObserveJob(status string) {
	scrapeJobsTotal.WithLabelValues(status).Inc()
}

// ObserveCacheHit records a cache lookup result.
func ObserveCacheHit(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	scrapeCacheOpsTotal.WithLabelValues(result).Inc()
}

// ObserveDeadLetter increments the dead-letter counter.
func ObserveDeadLetter() {
	scrapeDeadLettersTotal.Inc()
}

// ObserveBrowserRestart increments the browser relaunch counter.
func ObserveBrowserRestart() {
	scrapeBrowserRestartsTotal.Inc()
}

// SetQueueDepth updates the queue gauges from a stats snapshot.
func SetQueueDepth(waiting, active int64) {
	queueWaiting.Set(float64(waiting))
	queueActive.Set(float64(active))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
