package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewMetrics returns a new set of Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"code", "method", "path"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of latencies for HTTP requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"code", "method", "path"},
		),
		DirectoryOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "directory_operations_total",
				Help: "Total number of directory operations.",
			},
			[]string{"operation", "outcome"},
		),
		DirectoryOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "directory_operation_duration_seconds",
				Help:    "Histogram of latencies for directory operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
	prometheus.MustRegister(m.RequestsTotal)
	prometheus.MustRegister(m.RequestDuration)
	prometheus.MustRegister(m.DirectoryOpsTotal)
	prometheus.MustRegister(m.DirectoryOpDuration)
	return m
}

// Metrics holds the Prometheus metrics.
type Metrics struct {
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	DirectoryOpsTotal   *prometheus.CounterVec
	DirectoryOpDuration *prometheus.HistogramVec
}

// ObserveDirectoryOp records one directory operation.
func (m *Metrics) ObserveDirectoryOp(operation string, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.DirectoryOpsTotal.WithLabelValues(operation, outcome).Inc()
	m.DirectoryOpDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// PoolStats reports the state of a connection pool.
type PoolStats struct {
	Open int
	Idle int
}

// RegisterPoolGauges exposes connection pool state as gauges. The stats
// function is called on every scrape.
func (m *Metrics) RegisterPoolGauges(stats func() PoolStats) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "directory_pool_open_connections",
			Help: "Number of open directory connections.",
		},
		func() float64 { return float64(stats().Open) },
	))
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "directory_pool_idle_connections",
			Help: "Number of idle directory connections.",
		},
		func() float64 { return float64(stats().Idle) },
	))
}

// PrometheusMiddleware returns a Gin middleware that records Prometheus metrics for HTTP requests.
func PrometheusMiddleware(metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		statusCode := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method

		metrics.RequestsTotal.WithLabelValues(statusCode, method, path).Inc()
		metrics.RequestDuration.WithLabelValues(statusCode, method, path).Observe(time.Since(start).Seconds())
	}
}

// PrometheusHandler returns an http.Handler for the Prometheus metrics.
func PrometheusHandler() http.Handler {
	return promhttp.Handler()
}
