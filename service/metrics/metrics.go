package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "orgchat"

var (
	OnlineConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "online_connections",
		Help:      "Registered live connections on this node.",
	})

	Broadcasts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "org_broadcast_total",
		Help:      "Organization scoped broadcast events by type.",
	}, []string{"type"})

	PushFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "push_failures_total",
		Help:      "Writes to a live handle that failed and evicted it.",
	}, []string{"type"})

	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_sent_total",
		Help:      "Messages persisted by the delivery pipeline.",
	})

	// status: delivered | read
	StatusTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "message_status_transitions_total",
		Help:      "Message status transitions.",
	}, []string{"status"})

	DecryptFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decrypt_failures_total",
		Help:      "Messages returned with a placeholder body.",
	})

	Frames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_frames_total",
		Help:      "Inbound websocket frames by type and result.",
	}, []string{"type", "result"})
)

func init() {
	prometheus.MustRegister(
		OnlineConnections,
		Broadcasts,
		PushFailures,
		MessagesSent,
		StatusTransitions,
		DecryptFailures,
		Frames,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
