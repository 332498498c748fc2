package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "mcpjam_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "bridge"},
		},
		[]string{"date", "sha", "version"},
	)

	rpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpjam_rpc_requests_total",
			Help: "Number of dispatched JSON-RPC requests",
		},
		[]string{"server", "method", "mode", "outcome"},
	)

	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpjam_rpc_duration_seconds",
			Help:    "JSON-RPC dispatch duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "mode"},
	)

	sessionsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpjam_sse_sessions_opened_total",
			Help: "SSE sessions opened per server",
		},
		[]string{"server"},
	)

	sessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpjam_sse_sessions_closed_total",
			Help: "SSE sessions closed per server",
		},
		[]string{"server"},
	)

	sessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcpjam_sse_sessions_active",
			Help: "Currently open SSE sessions per server",
		},
		[]string{"server"},
	)

	droppedSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpjam_sse_dropped_sends_total",
			Help: "SSE events dropped because no session could receive them",
		},
		[]string{"server"},
	)

	upstreamConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcpjam_upstream_connected",
			Help: "Whether an upstream MCP server connection is live",
		},
		[]string{"server"},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, rpcRequests, rpcDuration, sessionsOpened, sessionsClosed, sessionsActive, droppedSends, upstreamConnected)
}

// SetBuildInfo sets the build info metric for the bridge.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// RecordRPCRequest increments the dispatch counter.
func RecordRPCRequest(server, method, mode string, success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	rpcRequests.WithLabelValues(server, method, mode, outcome).Inc()
}

// ObserveRPCDuration records the duration of a dispatched request.
func ObserveRPCDuration(method, mode string, d time.Duration) {
	rpcDuration.WithLabelValues(method, mode).Observe(d.Seconds())
}

// RecordSessionOpened increments the opened-session counter and active gauge.
func RecordSessionOpened(server string) {
	sessionsOpened.WithLabelValues(server).Inc()
	sessionsActive.WithLabelValues(server).Inc()
}

// RecordSessionClosed increments the closed-session counter and lowers the active gauge.
func RecordSessionClosed(server string) {
	sessionsClosed.WithLabelValues(server).Inc()
	sessionsActive.WithLabelValues(server).Dec()
}

// RecordDroppedSend increments the dropped-send counter.
func RecordDroppedSend(server string) {
	droppedSends.WithLabelValues(server).Inc()
}

// SetUpstreamConnected records whether a server connection is live.
func SetUpstreamConnected(server string, connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	upstreamConnected.WithLabelValues(server).Set(v)
}
