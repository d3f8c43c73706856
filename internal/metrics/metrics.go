// Package metrics provides Prometheus instrumentation for the lottery tooling.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lottery",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lottery",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ChainTransactionsTotal counts submitted transactions by contract method and outcome.
	ChainTransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lottery",
			Name:      "chain_transactions_total",
			Help:      "Transactions submitted by method and status (ok, reverted, error).",
		},
		[]string{"method", "status"},
	)

	// ChainCallsTotal counts read-only calls by contract method and outcome.
	ChainCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lottery",
			Name:      "chain_calls_total",
			Help:      "Read-only contract calls by method and status.",
		},
		[]string{"method", "status"},
	)

	// ReceiptWait observes time spent waiting for transactions to be mined.
	ReceiptWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lottery",
		Name:      "receipt_wait_seconds",
		Help:      "Time from submission to mined receipt in seconds.",
		Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 15, 30, 60, 120},
	})

	// RoundsTotal counts lottery rounds by outcome.
	RoundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lottery",
			Name:      "rounds_total",
			Help:      "Lottery rounds by status (requested, resolved, rejected).",
		},
		[]string{"status"},
	)

	// Players tracks the number of entries in the current round.
	Players = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lottery",
		Name:      "players",
		Help:      "Players entered in the current round.",
	})

	// PotWei tracks the contract balance at the last observation.
	PotWei = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lottery",
		Name:      "pot_wei",
		Help:      "Lottery contract balance in wei at the last observation.",
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lottery",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ChainTransactionsTotal,
		ChainCallsTotal,
		ReceiptWait,
		RoundsTotal,
		Players,
		PotWei,
		ActiveWebSocketClients,
	)
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
