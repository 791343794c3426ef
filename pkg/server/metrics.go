package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	sessionsCreated prometheus.Counter
	messagesRelayed prometheus.Counter
	authFailures    prometheus.Counter
	activeStreams   prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		authFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "mcp_auth_failures_total",
			Help: "Requests rejected by the bearer-token gate.",
		}),
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "mcp_sessions_created_total",
			Help: "Number of MCP sessions established.",
		}),
		messagesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mcp_messages_relayed_total",
			Help: "Number of client messages relayed toward MCP servers.",
		}),
		activeStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mcp_active_sse_streams",
			Help: "Currently open SSE streams.",
		}),
	}
}
