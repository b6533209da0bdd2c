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
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	sslErrorsTotal             prometheus.Counter
	sslFallbackUsedTotal       prometheus.Counter
	httpFallbackUsedTotal      prometheus.Counter
	robotsDisallowedTotal      prometheus.Counter
	cacheHitsTotal             *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	pdfPagesExtractedTotal     prometheus.Counter
	pdfsSkippedTotal           *prometheus.CounterVec
	candidatesTotal            *prometheus.CounterVec
	proceduresSavedTotal       prometheus.Counter
	proceduresSkippedTotal     *prometheus.CounterVec
	jobsProcessedTotal         *prometheus.CounterVec
	jobDurationSeconds         *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_http_requests_total",
				Help: "Total number of outbound HTTP requests, labeled by host and status code.",
			},
			[]string{"host", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawl_http_request_duration_seconds",
				Help:    "Histogram of outbound HTTP request latencies, labeled by host.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		sslErrorsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawl_ssl_errors_total",
				Help: "Total TLS failures on first attempts.",
			},
		)

		sslFallbackUsedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawl_ssl_fallback_used_total",
				Help: "Total fetches that succeeded only with verification disabled for an allowlisted host.",
			},
		)

		httpFallbackUsedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawl_http_fallback_used_total",
				Help: "Total RIS fetches that fell back from https to plain http.",
			},
		)

		robotsDisallowedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawl_robots_disallowed_total",
				Help: "Total requests refused because robots.txt disallows the path.",
			},
		)

		cacheHitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_cache_hits_total",
				Help: "Total cache hits, labeled by cache kind (http, robots, pdf_text).",
			},
			[]string{"kind"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawl_rate_limit_delays_seconds",
				Help:    "Histogram of politeness wait durations per host.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		pdfPagesExtractedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawl_pdf_pages_extracted_total",
				Help: "Total PDF pages run through text extraction.",
			},
		)

		pdfsSkippedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_pdfs_skipped_total",
				Help: "Total PDFs skipped before download, labeled by reason.",
			},
			[]string{"reason"},
		)

		candidatesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_candidates_total",
				Help: "Total discovered candidates, labeled by source type.",
			},
			[]string{"source"},
		)

		proceduresSavedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawl_procedures_saved_total",
				Help: "Total procedures upserted.",
			},
		)

		proceduresSkippedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_procedures_skipped_total",
				Help: "Total extraction results rejected, labeled by skip reason.",
			},
			[]string{"reason"},
		)

		jobsProcessedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_jobs_processed_total",
				Help: "Total queue jobs processed, labeled by job type and outcome.",
			},
			[]string{"type", "status"},
		)

		jobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawl_job_duration_seconds",
				Help:    "Histogram of job processing durations, labeled by job type.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"type"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawl_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)
	})
}

// SanitizeHost extracts a lowercase hostname for use as a label value.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
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

// ObserveHTTPRequest records one outbound request.
func ObserveHTTPRequest(host string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(SanitizeHost(host), strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(SanitizeHost(host)).Observe(duration.Seconds())
}

// ObserveSSLError counts a TLS failure on a first attempt.
func ObserveSSLError() { sslErrorsTotal.Inc() }

// ObserveSSLFallback counts a successful insecure-TLS retry.
func ObserveSSLFallback() { sslFallbackUsedTotal.Inc() }

// ObserveHTTPFallback counts a successful https-to-http RIS fallback.
func ObserveHTTPFallback() { httpFallbackUsedTotal.Inc() }

// ObserveRobotsDisallowed counts a request refused by robots.txt.
func ObserveRobotsDisallowed() { robotsDisallowedTotal.Inc() }

// ObserveCacheHit counts a hit in the named cache.
func ObserveCacheHit(kind string) { cacheHitsTotal.WithLabelValues(kind).Inc() }

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(SanitizeHost(host)).Observe(duration.Seconds())
}

// ObservePDFPages counts pages run through text extraction.
func ObservePDFPages(n int) {
	if n > 0 {
		pdfPagesExtractedTotal.Add(float64(n))
	}
}

// ObservePDFSkipped counts a PDF skipped before download.
func ObservePDFSkipped(reason string) { pdfsSkippedTotal.WithLabelValues(reason).Inc() }

// ObserveCandidates counts discovered candidates for a source type.
func ObserveCandidates(source string, n int) {
	if n > 0 {
		candidatesTotal.WithLabelValues(source).Add(float64(n))
	}
}

// ObserveProcedureSaved counts an upserted procedure.
func ObserveProcedureSaved() { proceduresSavedTotal.Inc() }

// ObserveProcedureSkipped counts a rejected extraction result.
func ObserveProcedureSkipped(reason string) { proceduresSkippedTotal.WithLabelValues(reason).Inc() }

// ObserveJob records one processed job with its outcome and duration.
func ObserveJob(jobType, status string, duration time.Duration) {
	jobsProcessedTotal.WithLabelValues(jobType, status).Inc()
	jobDurationSeconds.WithLabelValues(jobType).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() { activeWorkers.Inc() }

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() { activeWorkers.Dec() }
