// Package metrics exposes Prometheus collectors for the scraper service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seriesfetch_jobs_total",
			Help: "Total number of jobs finished, labeled by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	jobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "seriesfetch_job_duration_seconds",
			Help:    "Histogram of job execution time, labeled by kind.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"kind"},
	)

	queueJobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "seriesfetch_queue_jobs",
			Help: "Jobs currently held by the queue, labeled by state.",
		},
		[]string{"state"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "seriesfetch_active_workers",
			Help: "Number of workers currently processing a job.",
		},
	)

	imagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seriesfetch_images_total",
			Help: "Total number of image acquisitions, labeled by asset class and result.",
		},
		[]string{"class", "result"},
	)

	imageBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "seriesfetch_image_bytes_total",
			Help: "Total number of bytes written to the image store.",
		},
	)

	pagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seriesfetch_pages_total",
			Help: "Total number of browser page loads, labeled by source and status.",
		},
		[]string{"source", "status"},
	)

	proxyRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seriesfetch_proxy_requests_total",
			Help: "Total number of sessions opened per proxy endpoint.",
		},
		[]string{"label"},
	)

	proxyFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seriesfetch_proxy_failures_total",
			Help: "Total number of failures reported per proxy endpoint.",
		},
		[]string{"label"},
	)

	dataQualityTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seriesfetch_data_quality_events_total",
			Help: "Extraction anomalies, labeled by kind.",
		},
		[]string{"kind"},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "seriesfetch_rate_limit_delay_seconds",
			Help:    "Histogram of per-host pacing waits.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"host"},
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
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob records a finished job attempt.
func ObserveJob(kind, outcome string, duration time.Duration) {
	jobsTotal.WithLabelValues(kind, outcome).Inc()
	jobDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// SetQueueDepth publishes the queue snapshot gauges.
func SetQueueDepth(waiting, active, completed, failed int) {
	queueJobs.WithLabelValues("waiting").Set(float64(waiting))
	queueJobs.WithLabelValues("active").Set(float64(active))
	queueJobs.WithLabelValues("completed").Set(float64(completed))
	queueJobs.WithLabelValues("failed").Set(float64(failed))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveImage records one image acquisition result.
func ObserveImage(class, result string, bytesWritten int64) {
	imagesTotal.WithLabelValues(class, result).Inc()
	if bytesWritten > 0 {
		imageBytesTotal.Add(float64(bytesWritten))
	}
}

// ObservePage records one browser page load.
func ObservePage(source string, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	pagesTotal.WithLabelValues(source, status).Inc()
}

// ObserveProxyRequest counts a session opened through an endpoint.
func ObserveProxyRequest(label string) {
	proxyRequestsTotal.WithLabelValues(label).Inc()
}

// ObserveProxyFailure counts a failure reported against an endpoint.
func ObserveProxyFailure(label string) {
	proxyFailuresTotal.WithLabelValues(label).Inc()
}

// ObserveDataQuality counts an extraction anomaly such as a missing stable id.
func ObserveDataQuality(kind string) {
	dataQualityTotal.WithLabelValues(kind).Inc()
}

// ObserveRateLimitDelay records the duration of a pacing wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
