package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label value constants to prevent typos
const (
	// Results
	ResultSuccess   = "success"
	ResultFailure   = "failure"
	ResultTransient = "transient"
	ResultPermanent = "permanent"
	ResultEmpty     = "empty"
	ResultCached    = "cached"

	// Sync skip reasons
	SkipInFlight    = "in_flight"
	SkipCircuitOpen = "circuit_open"

	// HTTP endpoints
	EndpointOAuthStart     = "oauth_start"
	EndpointOAuthCallback  = "oauth_callback"
	EndpointSync           = "sync"
	EndpointSyncState      = "sync_state"
	EndpointSnapshot       = "snapshot"
	EndpointUpload         = "upload"
	EndpointDeviceSample   = "device_sample"
	EndpointLifecycleEvent = "lifecycle_event"
	EndpointUpstreamChange = "upstream_change"
	EndpointDisconnect     = "disconnect"
	EndpointHealth         = "health"

	// Provider API operations
	OpAggregate       = "aggregate"
	OpListSessions    = "list_sessions"
	OpSessionDistance = "session_distance"
	OpExchangeCode    = "exchange_code"

	// Token refresh paths
	RefreshPathService = "service"
	RefreshPathDirect  = "direct"

	// Trigger backends
	BackendHTTP  = "http"
	BackendKafka = "kafka"
	BackendLog   = "log"

	// Database operations
	DBOpGetCredential    = "get_credential"
	DBOpSaveCredential   = "save_credential"
	DBOpDeleteCredential = "delete_credential"
	DBOpSetConnected     = "set_connected"
	DBOpIsConnected      = "is_connected"
	DBOpListConnections  = "list_connections"
	DBOpGetSnapshot      = "get_snapshot"
	DBOpUpsertSnapshot   = "upsert_snapshot"
	DBOpUpsertSessions   = "upsert_sessions"
	DBOpListSessions     = "list_sessions"
	DBOpSaveUpload       = "save_upload"
	DBOpLatestUpload     = "latest_upload"
	DBOpSaveDeviceSample = "save_device_sample"
	DBOpGetDeviceSample  = "get_device_sample"
)

// HTTP Metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"endpoint", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint", "status_code"},
	)
)

// Provider API Metrics
var (
	ProviderRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_api_requests_total",
			Help: "Total number of activity provider API requests",
		},
		[]string{"provider", "operation", "status_code"},
	)

	ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_api_request_duration_seconds",
			Help:    "Activity provider API latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider", "operation"},
	)
)

// Token Metrics
var (
	TokenRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_refresh_total",
			Help: "Token refresh attempts by path and result",
		},
		[]string{"provider", "path", "result"},
	)

	TokenRefreshCollapsedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_refresh_collapsed_total",
			Help: "Refreshes skipped because a concurrent caller already refreshed",
		},
		[]string{"provider"},
	)

	TokenRevalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_revalidations_total",
			Help: "Background token revalidation passes by trigger",
		},
		[]string{"trigger"},
	)
)

// Sync Metrics
var (
	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_runs_total",
			Help: "Completed sync runs by winning source and result",
		},
		[]string{"source", "result"},
	)

	SyncSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_skipped_total",
			Help: "Sync requests that returned without doing work",
		},
		[]string{"reason"},
	)

	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sync_duration_seconds",
			Help:    "Wall time of a single sync run",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	AuthRetryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_auth_retry_total",
			Help: "Forced-refresh retries after an expired token, by result",
		},
		[]string{"result"},
	)

	ClassifiedSessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classified_sessions_total",
			Help: "Sessions seen by the classifier, by decision",
		},
		[]string{"decision"},
	)

	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "device_uploads_total",
			Help: "Device file uploads by result",
		},
		[]string{"result"},
	)

	SchedulerActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_scheduler_active",
			Help: "Whether the sync scheduler is currently active (1) or not (0)",
		},
	)

	ConnectedUsers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "connected_users",
			Help: "Users with a connected provider",
		},
		[]string{"provider"},
	)
)

// Database Metrics
var (
	DBOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_operation_duration_seconds",
			Help:    "Database operation latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)

	DBOperationErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_operation_errors_total",
			Help: "Total number of database operation errors",
		},
		[]string{"operation"},
	)

	SessionBatchFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "session_batch_failures_total",
			Help: "Session upsert batches that failed",
		},
	)
)

// Trigger Metrics
var (
	TriggerInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trigger_invocations_total",
			Help: "Downstream recompute invocations by function, backend and result",
		},
		[]string{"function", "backend", "result"},
	)

	TriggerDebounceCoalescedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trigger_debounce_coalesced_total",
			Help: "Upstream change notifications absorbed by a pending debounce timer",
		},
	)
)
