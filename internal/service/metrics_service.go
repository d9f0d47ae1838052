package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/auth-core-api/internal/models"
)

// Auth outcome labels reported by AuthService.
const (
	OutcomeSuccess      = "success"
	OutcomeInvalid      = "invalid_credentials"
	OutcomeThrottled    = "throttled"
	OutcomeEmailTaken   = "email_taken"
	OutcomeReuse        = "reuse_detected"
	OutcomeInvalidToken = "invalid_refresh_token"
	OutcomeError        = "error"
)

// MetricsService encapsulates Prometheus instrumentation and provides lightweight snapshots for API consumption.
type MetricsService struct {
	registry           *prometheus.Registry
	handler            http.Handler
	requestDuration    *prometheus.HistogramVec
	requestTotal       *prometheus.CounterVec
	authOutcomes       *prometheus.CounterVec
	reuseDetections    prometheus.Counter
	eventWriteFailures prometheus.Counter
	passwordHashTime   prometheus.Histogram

	requestCount         uint64
	requestDurationTotal uint64
	reuseCount           uint64
	eventFailureCount    uint64

	mu            sync.Mutex
	outcomeCounts map[string]uint64
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	authOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_operations_total",
		Help: "Authentication operations by operation and outcome",
	}, []string{"operation", "outcome"})

	reuseDetections := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_refresh_reuse_detected_total",
		Help: "Refresh token replays that revoked a token family",
	})

	eventWriteFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_security_event_write_failures_total",
		Help: "Security events that could not be persisted",
	})

	passwordHashTime := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "auth_password_hash_seconds",
		Help:    "Time spent hashing or verifying passwords",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, authOutcomes, reuseDetections, eventWriteFailures, passwordHashTime, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:           registry,
		handler:            handler,
		requestDuration:    requestDuration,
		requestTotal:       requestTotal,
		authOutcomes:       authOutcomes,
		reuseDetections:    reuseDetections,
		eventWriteFailures: eventWriteFailures,
		passwordHashTime:   passwordHashTime,
		outcomeCounts:      make(map[string]uint64),
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics and aggregates simple stats for snapshots.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
	atomic.AddUint64(&m.requestDurationTotal, uint64(duration.Nanoseconds()))
}

// RecordAuthOutcome counts one finished auth operation.
func (m *MetricsService) RecordAuthOutcome(operation, outcome string) {
	if m == nil {
		return
	}
	m.authOutcomes.WithLabelValues(operation, outcome).Inc()
	m.mu.Lock()
	m.outcomeCounts[operation+":"+outcome]++
	m.mu.Unlock()
}

// RecordReuseDetected counts a revoked family caused by a replayed token.
func (m *MetricsService) RecordReuseDetected() {
	if m == nil {
		return
	}
	m.reuseDetections.Inc()
	atomic.AddUint64(&m.reuseCount, 1)
}

// RecordSecurityEventFailure counts a security event that was not persisted.
func (m *MetricsService) RecordSecurityEventFailure() {
	if m == nil {
		return
	}
	m.eventWriteFailures.Inc()
	atomic.AddUint64(&m.eventFailureCount, 1)
}

// ObservePasswordHash tracks the cost of a hash or verify call.
func (m *MetricsService) ObservePasswordHash(duration time.Duration) {
	if m == nil {
		return
	}
	m.passwordHashTime.Observe(duration.Seconds())
}

// Snapshot returns aggregated metrics suitable for the JSON metrics endpoint.
func (m *MetricsService) Snapshot() models.MetricsSnapshot {
	if m == nil {
		return models.MetricsSnapshot{}
	}
	requests := atomic.LoadUint64(&m.requestCount)
	reqDuration := atomic.LoadUint64(&m.requestDurationTotal)

	var avgRequestMs float64
	if requests > 0 {
		avgRequestMs = float64(reqDuration) / float64(requests) / float64(time.Millisecond)
	}

	m.mu.Lock()
	outcomes := make(map[string]uint64, len(m.outcomeCounts))
	for k, v := range m.outcomeCounts {
		outcomes[k] = v
	}
	m.mu.Unlock()

	return models.MetricsSnapshot{
		RequestsTotal:            requests,
		AverageRequestDurationMs: avgRequestMs,
		AuthOutcomes:             outcomes,
		ReuseDetections:          atomic.LoadUint64(&m.reuseCount),
		SecurityEventFailures:    atomic.LoadUint64(&m.eventFailureCount),
		Goroutines:               runtime.NumGoroutine(),
		GeneratedAt:              time.Now().UTC(),
	}
}
