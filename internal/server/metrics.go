package server

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tfRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tf_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	tfRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tf_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	tfEventsAppendedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tf_events_appended_total",
		Help: "Total ledger events appended through the HTTP surface.",
	})

	tfAppendRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tf_append_rejections_total",
		Help: "Total rejected appends by reason.",
	}, []string{"reason"})

	tfBatchesFlushedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tf_batches_flushed_total",
		Help: "Total aggregation batches flushed.",
	})

	tfLedgerCorrupted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tf_ledger_corrupted",
		Help: "1 when the ledger's last continuity scan found corruption.",
	})
)

// PrometheusMiddleware records per-request metrics.
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

		tfRequestsTotal.WithLabelValues(method, path, status).Inc()
		tfRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func recordAppend() {
	tfEventsAppendedTotal.Inc()
}

func recordAppendRejection(reason string) {
	tfAppendRejectionsTotal.WithLabelValues(reason).Inc()
}

func recordBatchFlush() {
	tfBatchesFlushedTotal.Inc()
}

func setCorruptedGauge(corrupted bool) {
	if corrupted {
		tfLedgerCorrupted.Set(1)
	} else {
		tfLedgerCorrupted.Set(0)
	}
}
