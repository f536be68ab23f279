package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matcha_ws_connections",
		Help: "Current number of active websocket connections",
	})
	WsEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matcha_ws_events_total",
		Help: "Total number of websocket events received, by event name",
	}, []string{"event"})
	WsDroppedClients = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "matcha_ws_dropped_clients_total",
		Help: "Clients disconnected because their send buffer was full",
	})
	CallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matcha_calls_total",
		Help: "Call signalling outcomes",
	}, []string{"outcome"}) // ringing, busy, connected, declined, missed, ended, cancelled
	ActiveCalls = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matcha_call_registry_users",
		Help: "Users currently ringing or in a call",
	})
	MatchTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matcha_match_transitions_total",
		Help: "Match activations and deactivations",
	}, []string{"transition"})
	RelayMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matcha_relay_messages_total",
		Help: "Room events exchanged with other instances",
	}, []string{"direction"})
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
		WsEventsTotal,
		WsDroppedClients,
		CallsTotal,
		ActiveCalls,
		MatchTransitions,
		RelayMessagesTotal,
		HttpRequestsTotal,
		HttpRequestDuration,
	)
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
