package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	LiveSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vibe_live_subscriptions",
		Help: "Current number of open live-query subscriptions",
	})
	SnapshotsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vibe_snapshots_total",
		Help: "Total number of snapshots published by feeds",
	}, []string{"feed"})
	SubscriptionErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vibe_subscription_errors_total",
		Help: "Total number of live-query errors swallowed by feeds",
	}, []string{"feed"})
	StoreWritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vibe_store_writes_total",
		Help: "Total number of document store writes issued by managers",
	}, []string{"op", "result"})
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vibe_sessions_active",
		Help: "Current number of signed-in sessions with running managers",
	})
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vibe_ws_connections",
		Help: "Current number of active websocket connections",
	})
	WsCommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vibe_ws_commands_total",
		Help: "Total number of commands received over websocket",
	}, []string{"type"})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		LiveSubscriptions, SnapshotsTotal, SubscriptionErrorsTotal, StoreWritesTotal,
		SessionsActive, WsConnections, WsCommandsTotal, HttpRequestsTotal, HttpRequestDuration,
	)
}

// ObserveWrite 记录一次写操作的结果。
func ObserveWrite(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	StoreWritesTotal.WithLabelValues(op, result).Inc()
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
