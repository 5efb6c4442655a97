package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sweftRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sweft_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	sweftRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sweft_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	sweftUnitsStoredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sweft_units_stored_total",
		Help: "Total units accepted through the submit endpoint.",
	})

	sweftPeersKnown = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sweft_peers_known",
		Help: "Number of peers currently known to this node.",
	})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		sweftRequestsTotal.WithLabelValues(method, path, status).Inc()
		sweftRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordUnitStored records one accepted unit submission.
func RecordUnitStored() {
	sweftUnitsStoredTotal.Inc()
}

// SetPeersGauge sets the known-peer count gauge.
func SetPeersGauge(count float64) {
	sweftPeersKnown.Set(count)
}
