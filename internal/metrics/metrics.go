package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Current number of active websocket connections",
	})
	WsEventsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_ws_events_dropped_total",
		Help: "Live events dropped because a chat hub buffer was full",
	})
	MessagesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_sent_total",
		Help: "Total number of chat messages stored",
	})
	ChatsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_chats_created_total",
		Help: "Total number of two-party chats created",
	})
	ChatCreateConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_create_conflicts_total",
		Help: "Chat creations that lost the race on the participant pair and returned the existing chat",
	})
	PresenceErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_presence_errors_total",
		Help: "Presence cache failures absorbed by degrading to defaults",
	}, []string{"op"})
	LastMessageDegradedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_last_message_degraded_total",
		Help: "Chat listings served without last messages because aggregation failed",
	})
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
		WsConnections,
		WsEventsDroppedTotal,
		MessagesSentTotal,
		ChatsCreatedTotal,
		ChatCreateConflictsTotal,
		PresenceErrorsTotal,
		LastMessageDegradedTotal,
		HttpRequestsTotal,
		HttpRequestDuration,
	)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。路径使用路由模板，避免 ID 造成高基数。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
