package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics contains all Prometheus metrics of the service
type PrometheusMetrics struct {
	// Action metrics
	ActionsTotal   *prometheus.CounterVec
	ActionDuration *prometheus.HistogramVec
	ActiveRuns     prometheus.Gauge
	SitesProcessed *prometheus.CounterVec

	// Ledger metrics
	CreditsReserved prometheus.Counter
	CreditsRefunded prometheus.Counter
	CreditsUsed     prometheus.Counter
	SettleFailures  prometheus.Counter

	// Gateway metrics
	GatewayRequestsTotal   *prometheus.CounterVec
	GatewayRequestDuration *prometheus.HistogramVec
	TokenRefreshesTotal    *prometheus.CounterVec

	// Storage metrics
	DatabaseOperationsTotal   *prometheus.CounterVec
	DatabaseOperationDuration *prometheus.HistogramVec

	// Notification metrics
	NotificationsSentTotal    *prometheus.CounterVec
	NotificationFailuresTotal *prometheus.CounterVec
	NotificationDuration      *prometheus.HistogramVec

	// API metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Application health metrics
	ApplicationUptime prometheus.Gauge
	ComponentHealth   *prometheus.GaugeVec
	MemoryUsage       prometheus.Gauge
	GoroutineCount    prometheus.Gauge
}

// NewPrometheusMetrics creates all metrics and registers them with reg
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		ActionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexcheck_actions_total",
				Help: "Total number of finished actions by kind and terminal status",
			},
			[]string{"action", "status"},
		),

		ActionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "indexcheck_action_duration_seconds",
				Help:    "Wall time of an action from reservation to settlement",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"action"},
		),

		ActiveRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "indexcheck_active_runs",
				Help: "Number of actions currently executing",
			},
		),

		SitesProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexcheck_sites_processed_total",
				Help: "Total number of per-site executions by outcome",
			},
			[]string{"action", "outcome"},
		),

		CreditsReserved: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "indexcheck_credits_reserved_total",
				Help: "Credits debited by reservations",
			},
		),

		CreditsRefunded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "indexcheck_credits_refunded_total",
				Help: "Credits returned when reservations settled below their amount",
			},
		),

		CreditsUsed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "indexcheck_credits_used_total",
				Help: "Credits actually charged by settled reservations",
			},
		),

		SettleFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "indexcheck_settle_failures_total",
				Help: "Settlements that exhausted their retries and need reconciliation",
			},
		),

		GatewayRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexcheck_gateway_requests_total",
				Help: "Total number of requests to the external indexing API",
			},
			[]string{"operation", "outcome"},
		),

		GatewayRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "indexcheck_gateway_request_duration_seconds",
				Help:    "Duration of requests to the external indexing API",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		TokenRefreshesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexcheck_token_refreshes_total",
				Help: "OAuth token refresh attempts by result",
			},
			[]string{"result"},
		),

		DatabaseOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexcheck_database_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "table", "status"},
		),

		DatabaseOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "indexcheck_database_operation_duration_seconds",
				Help:    "Duration of database operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "table"},
		),

		NotificationsSentTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexcheck_notifications_sent_total",
				Help: "Total number of notifications sent",
			},
			[]string{"channel", "type"},
		),

		NotificationFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexcheck_notification_failures_total",
				Help: "Total number of notification failures",
			},
			[]string{"channel", "type", "error_type"},
		),

		NotificationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "indexcheck_notification_duration_seconds",
				Help:    "Time spent sending notifications",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"channel", "type"},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexcheck_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "indexcheck_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		ApplicationUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "indexcheck_application_uptime_seconds",
				Help: "Application uptime in seconds",
			},
		),

		ComponentHealth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "indexcheck_component_health",
				Help: "Health status of application components (1 = healthy, 0 = unhealthy)",
			},
			[]string{"component"},
		),

		MemoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "indexcheck_memory_usage_bytes",
				Help: "Current memory usage in bytes",
			},
		),

		GoroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "indexcheck_goroutines",
				Help: "Current number of goroutines",
			},
		),
	}
}

// RecordAction records a finished action
func (m *PrometheusMetrics) RecordAction(action, status string, duration time.Duration) {
	m.ActionsTotal.WithLabelValues(action, status).Inc()
	m.ActionDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordSiteProcessed records the outcome of one site within an action
func (m *PrometheusMetrics) RecordSiteProcessed(action, outcome string) {
	m.SitesProcessed.WithLabelValues(action, outcome).Inc()
}

// RecordReservation records credits debited by a reservation
func (m *PrometheusMetrics) RecordReservation(amount int64) {
	m.CreditsReserved.Add(float64(amount))
}

// RecordSettlement records the charged and refunded parts of a settlement
func (m *PrometheusMetrics) RecordSettlement(used, refunded int64) {
	m.CreditsUsed.Add(float64(used))
	m.CreditsRefunded.Add(float64(refunded))
}

// RecordSettleFailure records a settlement that needs manual reconciliation
func (m *PrometheusMetrics) RecordSettleFailure() {
	m.SettleFailures.Inc()
}

// RecordGatewayRequest records a request to the external API
func (m *PrometheusMetrics) RecordGatewayRequest(operation, outcome string, duration time.Duration) {
	m.GatewayRequestsTotal.WithLabelValues(operation, outcome).Inc()
	m.GatewayRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordTokenRefresh records a token refresh attempt
func (m *PrometheusMetrics) RecordTokenRefresh(result string) {
	m.TokenRefreshesTotal.WithLabelValues(result).Inc()
}

// RecordDatabaseOperation records a database operation
func (m *PrometheusMetrics) RecordDatabaseOperation(operation, table, status string, duration time.Duration) {
	m.DatabaseOperationsTotal.WithLabelValues(operation, table, status).Inc()
	m.DatabaseOperationDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordNotificationSent records a successful notification
func (m *PrometheusMetrics) RecordNotificationSent(channel, notificationType string, duration time.Duration) {
	m.NotificationsSentTotal.WithLabelValues(channel, notificationType).Inc()
	m.NotificationDuration.WithLabelValues(channel, notificationType).Observe(duration.Seconds())
}

// RecordNotificationFailure records a failed notification
func (m *PrometheusMetrics) RecordNotificationFailure(channel, notificationType, errorType string) {
	m.NotificationFailuresTotal.WithLabelValues(channel, notificationType, errorType).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *PrometheusMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// UpdateApplicationUptime updates the application uptime
func (m *PrometheusMetrics) UpdateApplicationUptime(startTime time.Time) {
	m.ApplicationUptime.Set(time.Since(startTime).Seconds())
}

// UpdateComponentHealth updates component health status
func (m *PrometheusMetrics) UpdateComponentHealth(component string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.ComponentHealth.WithLabelValues(component).Set(value)
}

// UpdateMemoryUsage updates memory usage
func (m *PrometheusMetrics) UpdateMemoryUsage(bytes uint64) {
	m.MemoryUsage.Set(float64(bytes))
}

// UpdateGoroutineCount updates goroutine count
func (m *PrometheusMetrics) UpdateGoroutineCount(count int) {
	m.GoroutineCount.Set(float64(count))
}
