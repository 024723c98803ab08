package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Redis Operations Metrics
var (
	// RedisOpsTotal tracks total Redis operations by operation type and status
	RedisOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shotframe_redis_operations_total",
			Help: "Total Redis operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	// RedisOpDuration tracks Redis operation latency in seconds
	RedisOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shotframe_redis_operation_duration_seconds",
			Help:    "Redis operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	// RedisConnectionErrors tracks Redis connection errors
	RedisConnectionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shotframe_redis_connection_errors_total",
			Help: "Total Redis connection errors",
		},
	)
)

// Image Loading Metrics
var (
	// ImageFetchTotal counts image fetches by source kind (http/file/data) and result
	ImageFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shotframe_image_fetch_total",
			Help: "Image fetches by source kind and result",
		},
		[]string{"kind", "result"},
	)

	ImageFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shotframe_image_fetch_duration_seconds",
			Help:    "Image fetch duration in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"kind"},
	)

	// ImageCacheTotal counts byte cache lookups by result (hit/miss/error)
	ImageCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shotframe_image_cache_total",
			Help: "Image byte cache lookups by result",
		},
		[]string{"result"},
	)
)

// Rendering Metrics
var (
	// RenderDuration tracks full compositor renders by label position
	RenderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shotframe_render_duration_seconds",
			Help:    "Compositor render duration in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"label_position"},
	)

	RenderedBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shotframe_rendered_bytes",
			Help:    "Size of encoded renders in bytes",
			Buckets: prometheus.ExponentialBuckets(64<<10, 2, 8),
		},
	)

	// RenderErrorsTotal counts encode failures absorbed by render tasks
	RenderErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shotframe_render_errors_total",
			Help: "Render tasks whose encode failed",
		},
	)
)

// Task Queue Metrics
var (
	QueueTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shotframe_queue_tasks_total",
			Help: "Tasks finished per queue by result (ok/error/cancelled)",
		},
		[]string{"queue", "result"},
	)

	QueueRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shotframe_queue_running",
			Help: "Currently running tasks per queue",
		},
		[]string{"queue"},
	)
)

// Upload Metrics
var (
	// UploadAttemptsTotal counts upload transfers by result (ok/retry/failed/no_id)
	UploadAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shotframe_upload_attempts_total",
			Help: "Upload transfer attempts by result",
		},
		[]string{"result"},
	)

	UploadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shotframe_upload_duration_seconds",
			Help:    "Upload transfer duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)
)

// Export Metrics
var (
	ExportsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shotframe_exports_active",
			Help: "Exports currently in progress",
		},
	)

	// ExportsTotal counts exports reaching a terminal state (ready/failed/aborted)
	ExportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shotframe_exports_total",
			Help: "Exports by terminal state",
		},
		[]string{"state"},
	)

	BundlePollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shotframe_bundle_polls_total",
			Help: "Bundle status polls by reported status",
		},
		[]string{"status"},
	)
)

// HTTP Metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shotframe_http_requests_total",
			Help: "HTTP requests by route and status code",
		},
		[]string{"route", "code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shotframe_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)
