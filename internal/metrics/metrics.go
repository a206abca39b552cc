package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded cardinality constants for metric labels.
// These ensure metrics don't have unbounded label values which can cause memory issues.
const (
	// Check task results (bounded set)
	CheckResultChanged      = "changed"
	CheckResultNoChange     = "no_change"
	CheckResultInsufficient = "insufficient_data"
	CheckResultUnavailable  = "predictor_unavailable"
	CheckResultInflight     = "skipped_inflight"
	CheckResultError        = "error"

	// Delivery suppression reasons (bounded set)
	SuppressDisabled   = "notifications_disabled"
	SuppressFilter     = "policy_filter"
	SuppressConfidence = "below_min_confidence"
	SuppressMLOnly     = "ml_only"
	SuppressMute       = "mute_window"
	SuppressCooldown   = "cooldown"
	SuppressQuota      = "daily_quota"
	SuppressDedup      = "dedup_window"
	SuppressLevel      = "level_not_better"

	// Fetch error categories (bounded set)
	FetchErrorTimeout    = "timeout"
	FetchErrorRateLimit  = "rate_limit"
	FetchErrorAuth       = "authentication"
	FetchErrorNetwork    = "network"
	FetchErrorInvalidReq = "invalid_request"
	FetchErrorServer     = "server_error"
	FetchErrorOther      = "other"
)

// NormalizeFetchError maps arbitrary fetch errors to a bounded set
func NormalizeFetchError(err error) string {
	if err == nil {
		return ""
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return FetchErrorTimeout
	case strings.Contains(errStr, "rate") || strings.Contains(errStr, "429"):
		return FetchErrorRateLimit
	case strings.Contains(errStr, "auth") || strings.Contains(errStr, "401") || strings.Contains(errStr, "403"):
		return FetchErrorAuth
	case strings.Contains(errStr, "network") || strings.Contains(errStr, "connection"):
		return FetchErrorNetwork
	case strings.Contains(errStr, "400") || strings.Contains(errStr, "invalid"):
		return FetchErrorInvalidReq
	case strings.Contains(errStr, "500") || strings.Contains(errStr, "502") || strings.Contains(errStr, "503"):
		return FetchErrorServer
	default:
		return FetchErrorOther
	}
}

// Market Cache Metrics
var (
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxadvisor_market_cache_hits_total",
		Help: "Candle cache hits by timeframe",
	}, []string{"timeframe"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxadvisor_market_cache_misses_total",
		Help: "Candle cache misses by timeframe",
	}, []string{"timeframe"})

	StaleServes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fxadvisor_market_stale_serves_total",
		Help: "Reads answered from cache past the freshness horizon",
	})

	CandleFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxadvisor_market_fetches_total",
		Help: "External candle fetches by outcome",
	}, []string{"status"})

	CandleFetchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fxadvisor_market_fetch_latency_ms",
		Help:    "External candle fetch latency in milliseconds",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 15000},
	})

	FetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxadvisor_market_fetch_errors_total",
		Help: "External candle fetch errors by category",
	}, []string{"error_type"})
)

// Predictor Metrics
var (
	PredictionRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxadvisor_predictions_total",
		Help: "Predictor RPC calls by outcome",
	}, []string{"status"})

	PredictionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fxadvisor_prediction_latency_ms",
		Help:    "Predictor RPC latency in milliseconds",
		Buckets: []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000},
	})

	PredictorBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fxadvisor_predictor_breaker_open",
		Help: "Predictor circuit breaker state (1 = open, 0 = closed)",
	})

	PredictorInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fxadvisor_predictor_inflight",
		Help: "Predictor calls currently holding a concurrency slot",
	})
)

// Signal Monitor Metrics
var (
	CheckTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxadvisor_signal_checks_total",
		Help: "Signal check tasks by result",
	}, []string{"result"})

	CheckDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fxadvisor_signal_check_duration_ms",
		Help:    "Single check task duration in milliseconds",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
	})

	SignalChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxadvisor_signal_changes_total",
		Help: "Detected signal changes by new direction",
	}, []string{"direction"})

	MonitoredKeys = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fxadvisor_monitored_keys",
		Help: "Distinct (pair, timeframe) keys enumerated on the last tick",
	})
)

// Delivery Metrics
var (
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxadvisor_notifications_sent_total",
		Help: "Notifications accepted by a transport, by channel and level",
	}, []string{"channel", "level"})

	NotificationsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxadvisor_notifications_suppressed_total",
		Help: "Notifications suppressed before transport, by reason",
	}, []string{"reason"})

	DeliveryRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fxadvisor_delivery_retries_total",
		Help: "Transport send retries",
	})

	DeliveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxadvisor_delivery_failures_total",
		Help: "Permanent transport failures by channel",
	}, []string{"channel"})

	DeliveryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fxadvisor_delivery_latency_ms",
		Help:    "Transport send latency in milliseconds",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 10000},
	})

	DeliveryQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fxadvisor_delivery_queue_depth",
		Help: "Events waiting in the delivery queue",
	})

	DeliveryQueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fxadvisor_delivery_queue_dropped_total",
		Help: "Events dropped because the delivery queue was full",
	})
)

// Position Monitor Metrics
var (
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fxadvisor_open_positions",
		Help: "Open positions seen on the last evaluation tick",
	})

	PositionEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxadvisor_position_evaluations_total",
		Help: "Position evaluations by recommendation",
	}, []string{"recommendation"})

	TrailingAdjustments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fxadvisor_trailing_adjustments_total",
		Help: "Stop-loss moves applied by trailing rules",
	})

	PositionAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxadvisor_position_alerts_total",
		Help: "Position notifications by urgency level",
	}, []string{"level"})

	PositionEvalDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fxadvisor_position_eval_duration_ms",
		Help:    "Single position evaluation duration in milliseconds",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 30000},
	})
)

// Learning Metrics
var (
	TrainingRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxadvisor_training_runs_total",
		Help: "Training runs by type and outcome",
	}, []string{"type", "status"})

	TrainingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fxadvisor_training_duration_seconds",
		Help:    "Training run duration in seconds",
		Buckets: []float64{30, 60, 300, 900, 1800, 3600, 7200},
	}, []string{"type"})

	ModelPromotions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxadvisor_model_promotions_total",
		Help: "Model promotions by trigger",
	}, []string{"trigger"})

	ABTestsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fxadvisor_ab_tests_running",
		Help: "A/B tests currently routing traffic",
	})
)

// Scheduler Metrics
var (
	DriverTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxadvisor_driver_ticks_total",
		Help: "Scheduler ticks fired by driver",
	}, []string{"driver"})

	DriverTicksDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxadvisor_driver_ticks_dropped_total",
		Help: "Key dispatches dropped because the previous run was still in flight",
	}, []string{"driver"})

	DriverTasksActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fxadvisor_driver_tasks_active",
		Help: "Tasks currently running per driver",
	}, []string{"driver"})

	DriverEnumerationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxadvisor_driver_enumeration_errors_total",
		Help: "Failures listing the key set for a tick",
	}, []string{"driver"})
)

// System Metrics
var (
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxadvisor_events_published_total",
		Help: "Bus events published by topic",
	}, []string{"topic"})

	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxadvisor_events_received_total",
		Help: "Bus events received by topic",
	}, []string{"topic"})

	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fxadvisor_database_connections_active",
		Help: "Number of active database connections",
	})

	DatabaseConnectionsIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fxadvisor_database_connections_idle",
		Help: "Number of idle database connections",
	})

	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fxadvisor_database_query_duration_ms",
		Help:    "Database query duration in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	}, []string{"query_type"})

	RedisOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxadvisor_redis_operations_total",
		Help: "Total number of Redis operations by type",
	}, []string{"operation"})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxadvisor_errors_total",
		Help: "Total number of errors by kind and component",
	}, []string{"kind", "component"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fxadvisor_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status_code"})

	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fxadvisor_api_request_duration_ms",
		Help:    "API request duration in milliseconds",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"method", "path", "status_code"})
)

// Helper functions to update metrics

// RecordCacheRead records a cache hit or miss
func RecordCacheRead(timeframe string, hit bool) {
	if hit {
		CacheHits.WithLabelValues(timeframe).Inc()
	} else {
		CacheMisses.WithLabelValues(timeframe).Inc()
	}
}

// RecordCandleFetch records an external fetch with its outcome
func RecordCandleFetch(durationMs float64, err error) {
	CandleFetchLatency.Observe(durationMs)
	if err != nil {
		CandleFetches.WithLabelValues("error").Inc()
		FetchErrors.WithLabelValues(NormalizeFetchError(err)).Inc()
		return
	}
	CandleFetches.WithLabelValues("ok").Inc()
}

// RecordPrediction records a predictor RPC outcome
func RecordPrediction(status string, durationMs float64) {
	PredictionRequests.WithLabelValues(status).Inc()
	PredictionLatency.Observe(durationMs)
}

// SetBreakerOpen sets the predictor circuit breaker gauge
func SetBreakerOpen(open bool) {
	if open {
		PredictorBreakerState.Set(1)
	} else {
		PredictorBreakerState.Set(0)
	}
}

// RecordCheckTask records a signal check task result
func RecordCheckTask(result string, durationMs float64) {
	CheckTasks.WithLabelValues(result).Inc()
	if result != CheckResultInflight {
		CheckDuration.Observe(durationMs)
	}
}

// RecordSignalChange records a detected signal change
func RecordSignalChange(direction string) {
	SignalChanges.WithLabelValues(direction).Inc()
}

// RecordNotificationSent records an accepted notification
func RecordNotificationSent(channel, level string, durationMs float64) {
	NotificationsSent.WithLabelValues(channel, level).Inc()
	DeliveryLatency.Observe(durationMs)
}

// RecordSuppression records a suppressed notification
func RecordSuppression(reason string) {
	NotificationsSuppressed.WithLabelValues(reason).Inc()
}

// RecordDeliveryFailure records a permanent transport failure
func RecordDeliveryFailure(channel string) {
	DeliveryFailures.WithLabelValues(channel).Inc()
}

// RecordPositionEvaluation records an evaluation and its recommendation
func RecordPositionEvaluation(recommendation string, durationMs float64) {
	PositionEvaluations.WithLabelValues(recommendation).Inc()
	PositionEvalDuration.Observe(durationMs)
}

// RecordPositionAlert records a position notification by level
func RecordPositionAlert(level string) {
	PositionAlerts.WithLabelValues(level).Inc()
}

// RecordTrainingRun records a completed or failed training run
func RecordTrainingRun(trainType, status string, durationSec float64) {
	TrainingRuns.WithLabelValues(trainType, status).Inc()
	TrainingDuration.WithLabelValues(trainType).Observe(durationSec)
}

// RecordPromotion records a model promotion
func RecordPromotion(trigger string) {
	ModelPromotions.WithLabelValues(trigger).Inc()
}

// RecordEventPublished records a published bus event
func RecordEventPublished(topic string) {
	EventsPublished.WithLabelValues(topic).Inc()
}

// RecordEventReceived records a received bus event
func RecordEventReceived(topic string) {
	EventsReceived.WithLabelValues(topic).Inc()
}

// UpdateDatabaseConnections updates database connection metrics
func UpdateDatabaseConnections(active, idle int32) {
	DatabaseConnectionsActive.Set(float64(active))
	DatabaseConnectionsIdle.Set(float64(idle))
}

// RecordDatabaseQuery records a database query
func RecordDatabaseQuery(queryType string, durationMs float64) {
	DatabaseQueryDuration.WithLabelValues(queryType).Observe(durationMs)
}

// RecordRedisOperation records a Redis operation
func RecordRedisOperation(operation string) {
	RedisOperations.WithLabelValues(operation).Inc()
}

// RecordError records an error by kind and component
func RecordError(kind, component string) {
	Errors.WithLabelValues(kind, component).Inc()
}

// RecordAPIRequest records an API request with duration
func RecordAPIRequest(method, path, statusCode string, durationMs float64) {
	APIRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationMs)
	HTTPRequests.WithLabelValues(method, path, statusCode).Inc()
}

// RecordDriverTick records one scheduler tick
func RecordDriverTick(driver string) {
	DriverTicks.WithLabelValues(driver).Inc()
}

// RecordTickDropped records a key skipped because its previous run
// had not finished
func RecordTickDropped(driver string) {
	DriverTicksDropped.WithLabelValues(driver).Inc()
}
