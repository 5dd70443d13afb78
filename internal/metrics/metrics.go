// Package metrics provides Prometheus instrumentation for the relay chat
// server. It exposes gauges for connections, sessions and relay jobs, and
// counters for frame outcomes, stored messages and relay throughput.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relaychat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// SessionsActive tracks the number of live sessions in the registry.
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relaychat_sessions_active",
		Help: "Current number of live sessions",
	})

	// FramesTotal counts inbound client frames by outcome:
	// "accepted", "rate_limited", "content_rejected", "name_error" or "malformed".
	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relaychat_frames_total",
		Help: "Inbound client frames by outcome",
	}, []string{"outcome"})

	// MessagesStored counts committed messages by source: "user" or "relay".
	MessagesStored = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relaychat_messages_stored_total",
		Help: "Committed chat messages",
	}, []string{"source"})

	// MessagesSwept counts messages removed by the retention sweeper.
	MessagesSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relaychat_messages_swept_total",
		Help: "Messages removed by retention",
	})

	// FanoutDropped counts frames dropped because a connection's send queue was full.
	FanoutDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relaychat_fanout_dropped_total",
		Help: "Frames dropped for slow consumers",
	})

	// RelayJobs tracks relay jobs currently being played.
	RelayJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relaychat_relay_jobs",
		Help: "Relay jobs in flight",
	})

	// RelayFrames counts keystroke frames emitted by the relay scheduler.
	RelayFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relaychat_relay_frames_total",
		Help: "Keystroke frames emitted by relay jobs",
	})

	// RelayCompleted counts relay jobs that finished and were committed.
	RelayCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relaychat_relay_completed_total",
		Help: "Relay jobs that completed",
	})

	// RelayIngest counts ingestion attempts by result:
	// "accepted", "replaced", "duplicate", "invalid", "unauthorized" or "throttled".
	RelayIngest = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relaychat_relay_ingest_total",
		Help: "Relay ingestion attempts by result",
	}, []string{"result"})

	// TickDuration records how long one relay tick takes.
	TickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relaychat_relay_tick_seconds",
		Help:    "Relay scheduler tick duration in seconds",
		Buckets: []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		SessionsActive,
		FramesTotal,
		MessagesStored,
		MessagesSwept,
		FanoutDropped,
		RelayJobs,
		RelayFrames,
		RelayCompleted,
		RelayIngest,
		TickDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
