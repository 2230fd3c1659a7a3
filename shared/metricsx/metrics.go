// Package metricsx holds the Prometheus collectors shared by every binary.
package metricsx

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pond"

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	commandTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_command_transitions_total",
			Help:      "Device command status transitions by command type and target status.",
		},
		[]string{"command_type", "status"},
	)
	executionOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "automation_execution_outcomes_total",
			Help:      "Automation execution outcomes by action.",
		},
		[]string{"action", "outcome"},
	)
	executionDeferrals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "automation_execution_deferrals_total",
			Help:      "Admission deferrals by reason.",
		},
		[]string{"reason"},
	)
	executionLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "automation_execution_duration_seconds",
			Help:      "Time spent inside the execution engine per call.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"action"},
	)
	bridgeMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_messages_total",
			Help:      "Bridge messages by logical channel and direction.",
		},
		[]string{"channel", "direction"},
	)
	bridgePublishFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_publish_failures_total",
			Help:      "Bridge publish failures by logical channel.",
		},
		[]string{"channel"},
	)
	bridgeReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_reconnects_total",
			Help:      "Bridge subscription reconnect attempts.",
		},
	)
	thresholdViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threshold_violations_total",
			Help:      "Threshold violations by parameter.",
		},
		[]string{"parameter"},
	)
	sensorRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_readings_rejected_total",
			Help:      "Sensor readings dropped for being out of the physical range.",
		},
		[]string{"parameter"},
	)
	sweepRepairs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_repairs_total",
			Help:      "Records repaired by cleanup sweeps.",
		},
		[]string{"sweep"},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "influx_write_failures_total",
			Help:      "Total InfluxDB write failures.",
		},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "asynq_queue_depth",
			Help:      "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
)

var registerOnce sync.Once

// Register adds the collectors to the default registry. Repeat calls are
// no-ops.
func Register() {
	registerOnce.Do(register)
}

func register() {
	prometheus.MustRegister(
		httpRequests, httpLatency,
		commandTransitions, executionOutcomes, executionDeferrals, executionLatency,
		bridgeMessages, bridgePublishFailures, bridgeReconnects,
		thresholdViolations, sensorRejected, sweepRepairs,
		influxWriteFailures, asynqQueueDepth,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		route := routeLabel(r.URL.Path)
		httpRequests.WithLabelValues(r.Method, route, status).Inc()
		httpLatency.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

// routeLabel collapses resource ids so the path label stays bounded:
// /api/v1/ponds/<uuid>/commands becomes /api/v1/ponds/{id}/commands.
func routeLabel(path string) string {
	switch path {
	case "/healthz", "/readyz", "/metrics":
		return path
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 || parts[0] != "api" || parts[1] != "v1" {
		return "unmatched"
	}
	if len(parts) > 3 {
		parts[3] = "{id}"
	}
	if len(parts) > 5 {
		parts = parts[:5]
	}
	return "/" + strings.Join(parts, "/")
}

func IncCommandTransition(commandType string, status string) {
	commandTransitions.WithLabelValues(commandType, status).Inc()
}

func IncExecutionOutcome(action string, outcome string) {
	executionOutcomes.WithLabelValues(action, outcome).Inc()
}

func IncExecutionDeferral(reason string) {
	executionDeferrals.WithLabelValues(reason).Inc()
}

func ObserveExecutionLatency(action string, d time.Duration) {
	executionLatency.WithLabelValues(action).Observe(d.Seconds())
}

func IncBridgeMessage(channel string, direction string) {
	bridgeMessages.WithLabelValues(channel, direction).Inc()
}

func IncBridgePublishFailure(channel string) {
	bridgePublishFailures.WithLabelValues(channel).Inc()
}

func IncBridgeReconnect() {
	bridgeReconnects.Inc()
}

func IncThresholdViolation(parameter string) {
	thresholdViolations.WithLabelValues(parameter).Inc()
}

func IncSensorRejected(parameter string) {
	sensorRejected.WithLabelValues(parameter).Inc()
}

func AddSweepRepairs(sweep string, n int) {
	if n > 0 {
		sweepRepairs.WithLabelValues(sweep).Add(float64(n))
	}
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
