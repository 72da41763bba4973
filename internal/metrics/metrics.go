// Package metrics provides Prometheus instrumentation for the tonguard platform.
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
			Namespace: "tonguard",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tonguard",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AuthorizationsTotal counts authorization runs by final decision.
	AuthorizationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tonguard",
			Name:      "authorizations_total",
			Help:      "Total authorization pipeline runs by final decision.",
		},
		[]string{"decision"},
	)

	// AuthorizationDuration observes full-pipeline latency.
	AuthorizationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tonguard",
			Name:      "authorization_duration_seconds",
			Help:      "Authorization pipeline duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// LayerChecksTotal counts per-layer evaluations by layer and decision.
	LayerChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tonguard",
			Name:      "layer_checks_total",
			Help:      "Total authorization layer evaluations by layer and decision.",
		},
		[]string{"layer", "decision"},
	)

	// CustodyOpsTotal counts custody provider operations by mode, op, and result.
	CustodyOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tonguard",
			Name:      "custody_operations_total",
			Help:      "Total custody operations by custody mode, operation, and result.",
		},
		[]string{"mode", "op", "result"},
	)

	// KeyRotationsTotal counts key rotations by reason.
	KeyRotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tonguard",
			Name:      "key_rotations_total",
			Help:      "Total key rotations by reason (revoke, recovery).",
		},
		[]string{"reason"},
	)

	// ActiveWallets tracks currently active custody wallets.
	ActiveWallets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tonguard",
			Name:      "active_wallets",
			Help:      "Number of currently active custody wallets.",
		},
	)

	// ActiveWebSocketClients tracks connected event-stream clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tonguard",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// SecurityEventsTotal counts published security events by type.
	SecurityEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tonguard",
			Name:      "security_events_total",
			Help:      "Total security events published by event type.",
		},
		[]string{"type"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tonguard", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tonguard", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tonguard", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AuthorizationsTotal,
		AuthorizationDuration,
		LayerChecksTotal,
		CustodyOpsTotal,
		KeyRotationsTotal,
		ActiveWallets,
		ActiveWebSocketClients,
		SecurityEventsTotal,
		DBOpenConnections,
		DBInUseConnections,
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
			DBInUseConnections.Set(float64(stats.InUse))
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
