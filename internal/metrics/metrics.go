package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pass outcome labels.
const (
	ResultSuccess = "success"
	ResultPartial = "partial_success"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

var (
	// Pass metrics, labelled by stage (export, process, cleanup)
	PassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventvault_passes_total",
			Help: "Total number of pipeline passes by stage and result",
		},
		[]string{"stage", "result"},
	)

	PassDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventvault_pass_duration_seconds",
			Help:    "Duration of pipeline passes in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"stage"},
	)

	// Export metrics
	ExportedEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventvault_export_events_total",
			Help: "Total number of events written to raw export objects",
		},
	)

	ExportSkippedEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventvault_export_skipped_events_total",
			Help: "Total number of events left unexported because their payload exceeded the size cap",
		},
	)

	ExportBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventvault_export_bytes_total",
			Help: "Total bytes uploaded as raw export objects",
		},
	)

	// Compliance processing metrics
	ProcessedObjectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventvault_process_objects_total",
			Help: "Raw objects handled by the compliance processor by result",
		},
		[]string{"result"},
	)

	PublishedEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventvault_process_published_events_total",
			Help: "Events published to processed objects by privacy level",
		},
		[]string{"privacy_level"},
	)

	TenantLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventvault_tenant_config_lookups_total",
			Help: "Tenant configuration lookups by result (hit, fetched, default)",
		},
		[]string{"result"},
	)

	SearchIndexFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventvault_search_index_failures_total",
			Help: "Processed events that failed to index into the search mirror",
		},
	)

	// Retention metrics
	CleanupDeletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventvault_cleanup_deleted_rows_total",
			Help: "Total number of rows deleted by the retention cleaner",
		},
	)

	CleanupAbortsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventvault_cleanup_aborts_total",
			Help: "Cleanup passes aborted before deleting, by reason",
		},
		[]string{"reason"},
	)

	// Retry metrics
	RetryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventvault_retry_attempts_total",
			Help: "Retried attempts of network operations",
		},
		[]string{"operation"},
	)

	RetryExhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventvault_retry_exhausted_total",
			Help: "Network operations that failed after exhausting all attempts",
		},
		[]string{"operation"},
	)

	// HTTP API metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventvault_http_requests_total",
			Help: "Total number of ops API requests",
		},
		[]string{"route", "status"},
	)
)
