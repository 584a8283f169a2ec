// Package metrics defines the Prometheus metrics exported by stampstore.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for body size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stampstore_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stampstore_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize observes response body size in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stampstore_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// Retrieval metrics.
var (
	// TierLookupsTotal counts lookups per tier by result (hit, miss, error).
	TierLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stampstore_tier_lookups_total",
			Help: "Record lookups by tier and result",
		},
		[]string{"tier", "result"},
	)

	// WritebacksTotal counts write-backs into faster tiers by status.
	WritebacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stampstore_writebacks_total",
			Help: "Write-backs into faster tiers by tier and status",
		},
		[]string{"tier", "status"},
	)

	// UploadsTotal counts records stored through the upload endpoint.
	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stampstore_uploads_total",
			Help: "Uploaded records by survey and status",
		},
		[]string{"survey", "status"},
	)

	// RenderDuration observes FITS to PNG rendering latency by cutout type.
	RenderDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stampstore_render_duration_seconds",
			Help:    "Cutout rendering latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPResponseSize,
			TierLookupsTotal,
			WritebacksTotal,
			UploadsTotal,
			RenderDuration,
		)
	})
}

// NormalizePath maps request paths to metric labels. Only the fixed routes
// are kept; anything else collapses to "other" so scanners cannot inflate
// label cardinality.
func NormalizePath(path string) string {
	switch path {
	case "/get_stamp", "/get_avro_info", "/get_avro", "/put_avro",
		"/health", "/healthz", "/readyz", "/metrics", "/openapi.json":
		return path
	case "/docs", "/docs/":
		return "/docs"
	case "/", "":
		return "/"
	}
	return "other"
}
