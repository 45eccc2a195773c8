// Package metrics exposes Prometheus collectors for crawl and sync runs.
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
	pagesTotal           *prometheus.CounterVec
	itemsTotal           *prometheus.CounterVec
	rowWritesTotal       *prometheus.CounterVec
	batchesTotal         *prometheus.CounterVec
	lockRetriesTotal     *prometheus.CounterVec
	sessionRefreshTotal  prometheus.Counter
	activeWorkers        prometheus.Gauge
	stopPage             prometheus.Gauge
	fetchDurationSeconds prometheus.Histogram
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalogsync_pages_total",
				Help: "Listing pages processed, labeled by outcome.",
			},
			[]string{"status"},
		)

		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalogsync_items_total",
				Help: "Observed items fed to reconciliation, labeled by classification.",
			},
			[]string{"classification"},
		)

		rowWritesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalogsync_row_writes_total",
				Help: "Inventory row writes, labeled by column and result.",
			},
			[]string{"column", "result"},
		)

		batchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalogsync_batches_total",
				Help: "Update batches, labeled by final state.",
			},
			[]string{"state"},
		)

		lockRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalogsync_lock_retries_total",
				Help: "Retry attempts for rows that existed but did not update.",
			},
			[]string{"column"},
		)

		sessionRefreshTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "catalogsync_session_refresh_total",
				Help: "Fetch session refresh cycles.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "catalogsync_active_workers",
				Help: "Workers currently fetching or parsing a page.",
			},
		)

		stopPage = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "catalogsync_stop_page",
				Help: "Page at which the current crawl recorded its stop condition.",
			},
		)

		fetchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "catalogsync_fetch_duration_seconds",
				Help:    "Histogram of page fetch latencies.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalogsync_http_requests_total",
				Help: "Ops server requests, labeled by method, route and status code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "catalogsync_http_request_duration_seconds",
				Help:    "Ops server request latencies.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage counts one processed page.
func ObservePage(status string) {
	Init()
	pagesTotal.WithLabelValues(status).Inc()
}

// ObserveFetch records a fetch latency in seconds.
func ObserveFetch(seconds float64) {
	Init()
	fetchDurationSeconds.Observe(seconds)
}

// ObserveItems counts classified items.
func ObserveItems(classification string, n int) {
	if n <= 0 {
		return
	}
	Init()
	itemsTotal.WithLabelValues(classification).Add(float64(n))
}

// ObserveRowWrites counts row-level write outcomes.
func ObserveRowWrites(column, result string, n int) {
	if n <= 0 {
		return
	}
	Init()
	rowWritesTotal.WithLabelValues(column, result).Add(float64(n))
}

// ObserveBatch counts a finished batch by state.
func ObserveBatch(state string) {
	Init()
	batchesTotal.WithLabelValues(state).Inc()
}

// ObserveLockRetry counts one lock retry attempt.
func ObserveLockRetry(column string) {
	Init()
	lockRetriesTotal.WithLabelValues(column).Inc()
}

// ObserveSessionRefresh counts one refresh cycle.
func ObserveSessionRefresh() {
	Init()
	sessionRefreshTotal.Inc()
}

// SetStopPage publishes the recorded stop page.
func SetStopPage(page int) {
	Init()
	stopPage.Set(float64(page))
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

// ObserveHTTPRequest records one ops server request.
func ObserveHTTPRequest(method, route string, status int, elapsed time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
