// Package metrics provides Prometheus metrics collection for the passkey service
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "passkeys",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "passkeys",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "passkeys",
			Name:      "http_requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
	)
)

// Ceremony and OTP metrics
var (
	ceremoniesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "passkeys",
			Name:      "ceremonies_total",
			Help:      "Total number of WebAuthn ceremony completions",
		},
		[]string{"ceremony", "outcome"}, // ceremony: registration, authentication; outcome: success, failure
	)

	ceremonyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "passkeys",
			Name:      "ceremony_duration_seconds",
			Help:      "Time between ceremony begin and complete",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"ceremony"},
	)

	otpCodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "passkeys",
			Name:      "otp_codes_total",
			Help:      "Total number of one-time code operations",
		},
		[]string{"operation", "outcome"}, // operation: issue, validate; outcome: success, failure, expired
	)

	credentialOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "passkeys",
			Name:      "credential_operations_total",
			Help:      "Total number of credential management operations",
		},
		[]string{"operation", "outcome"}, // operation: toggle, delete; outcome: success, forbidden, not_found
	)

	// ActiveSessionsGauge tracks active login sessions.
	ActiveSessionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "passkeys",
			Name:      "active_sessions",
			Help:      "Number of active login sessions",
		},
	)
)

// Middleware returns a gin middleware that records HTTP metrics
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}

		// Skip metrics endpoint itself to avoid recursion
		if path == "/metrics" {
			c.Next()
			return
		}

		httpRequestsInFlight.Inc()
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method

		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpRequestDuration.WithLabelValues(method, path).Observe(duration)
		httpRequestsInFlight.Dec()
	}
}

// Handler returns a gin.HandlerFunc that serves Prometheus metrics.
// Register this on the "/metrics" route.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordCeremony records a completed WebAuthn ceremony
func RecordCeremony(ceremony, outcome string) {
	ceremoniesTotal.WithLabelValues(ceremony, outcome).Inc()
}

// RecordCeremonyDuration records the time a ceremony took from begin to complete
func RecordCeremonyDuration(ceremony string, duration time.Duration) {
	ceremonyDuration.WithLabelValues(ceremony).Observe(duration.Seconds())
}

// RecordOTP records a one-time code operation
func RecordOTP(operation, outcome string) {
	otpCodesTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordCredentialOperation records a credential toggle or delete
func RecordCredentialOperation(operation, outcome string) {
	credentialOperationsTotal.WithLabelValues(operation, outcome).Inc()
}
