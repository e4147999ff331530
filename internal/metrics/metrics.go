// Package metrics provides Prometheus instrumentation for the webhook delivery engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "alancoin",
			Subsystem: "webhook",
			Name:      "http_requests_total",
			Help:      "Total admin API requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "alancoin",
			Subsystem: "webhook",
			Name:      "http_request_duration_seconds",
			Help:      "Admin API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// WebhookDeliveriesTotal counts delivery attempts by terminal/interim result.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "alancoin",
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Total webhook delivery attempts by outcome.",
		},
		[]string{"outcome"}, // success | retriable | terminal | payload_too_large | breaker_open
	)

	// WebhookDeliveryDuration observes outbound POST latency.
	WebhookDeliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "alancoin",
		Subsystem: "webhook",
		Name:      "delivery_duration_seconds",
		Help:      "Outbound webhook POST duration in seconds.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	// WebhookEmitHandoffDroppedTotal counts fresh emissions that fell back to the scheduler sweep.
	WebhookEmitHandoffDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "alancoin",
		Subsystem: "webhook",
		Name:      "emit_handoff_dropped_total",
		Help:      "Total fresh-emission handoffs dropped because the dispatch channel was saturated.",
	})

	// WebhookSchedulerClaimedTotal counts rows claimed per scheduler tick.
	WebhookSchedulerClaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "alancoin",
		Subsystem: "webhook",
		Name:      "scheduler_claimed_total",
		Help:      "Total delivery attempts claimed by the retry scheduler.",
	})

	// WebhookSchedulerReclaimedTotal counts stuck InFlight rows forcibly reset to Pending.
	WebhookSchedulerReclaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "alancoin",
		Subsystem: "webhook",
		Name:      "scheduler_reclaimed_total",
		Help:      "Total stuck InFlight rows reclaimed by the retry scheduler.",
	})

	// CircuitBreakerStateChanges counts breaker transitions by new state.
	CircuitBreakerStateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "alancoin",
			Subsystem: "webhook",
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total circuit breaker state transitions by new state.",
		},
		[]string{"state"},
	)

	// ActiveWebSocketClients tracks connected live-feed WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "alancoin",
			Subsystem: "webhook",
			Name:      "active_feed_clients",
			Help:      "Number of currently connected live delivery feed clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "alancoin", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "alancoin", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "alancoin", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "alancoin", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "alancoin", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "alancoin", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		WebhookDeliveriesTotal,
		WebhookDeliveryDuration,
		WebhookEmitHandoffDroppedTotal,
		WebhookSchedulerClaimedTotal,
		WebhookSchedulerReclaimedTotal,
		CircuitBreakerStateChanges,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
