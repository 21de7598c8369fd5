// Package monitoring declares the Prometheus metrics the gateway exports
// on /metrics. Collectors are package-level so any layer can record
// without carrying a registry around.
package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP 请求指标
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gcliproxy_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status_class"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gcliproxy_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"method", "path", "status_class"},
	)

	HTTPInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gcliproxy_http_inflight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// 凭证相关指标
	CredentialRotationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gcliproxy_credential_rotations_total",
			Help: "Total number of rotation cursor advances",
		},
	)

	CredentialErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gcliproxy_credential_errors_total",
			Help: "Total number of upstream errors recorded per credential",
		},
		[]string{"credential", "error_code"},
	)

	CredentialRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gcliproxy_credential_refreshes_total",
			Help: "Total number of credential token refreshes",
		},
		[]string{"credential", "status"},
	)

	CredentialsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gcliproxy_credentials",
			Help: "Number of pool credentials per status",
		},
		[]string{"status"},
	)

	// 上游调用指标
	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gcliproxy_upstream_requests_total",
			Help: "Total number of upstream API attempts",
		},
		[]string{"model", "status_class"},
	)

	UpstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gcliproxy_upstream_request_duration_seconds",
			Help:    "Upstream API attempt latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model"},
	)

	UpstreamRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gcliproxy_upstream_retries_total",
			Help: "Retries and failovers by reason",
		},
		[]string{"reason"},
	)

	// 流式与抗截断指标
	StreamingRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gcliproxy_streaming_requests_total",
			Help: "Streaming responses by delivery mode",
		},
		[]string{"mode"},
	)

	AntiTruncationRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gcliproxy_anti_truncation_retries_total",
			Help: "Continuation rounds issued by the anti-truncation loop",
		},
		[]string{"model"},
	)

	// 存储后端指标
	StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gcliproxy_storage_operation_duration_seconds",
			Help:    "Storage backend operation latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 5},
		},
		[]string{"backend", "operation"},
	)

	StorageOperationErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gcliproxy_storage_operation_errors_total",
			Help: "Storage backend operation failures",
		},
		[]string{"backend", "operation"},
	)
)

// StatusClass buckets an HTTP status code as "2xx", "4xx" and so on.
func StatusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}

// RecordStorageOperation tracks one storage backend call.
func RecordStorageOperation(backend, operation string, duration time.Duration, err error) {
	StorageOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	if err != nil {
		StorageOperationErrorsTotal.WithLabelValues(backend, operation).Inc()
	}
}

// RecordUpstreamAttempt tracks one upstream HTTP attempt.
func RecordUpstreamAttempt(model string, statusCode int, duration time.Duration) {
	UpstreamRequestsTotal.WithLabelValues(model, StatusClass(statusCode)).Inc()
	UpstreamRequestDuration.WithLabelValues(model).Observe(duration.Seconds())
}
