package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Disconnect reasons
const (
	DisconnectReasonReadError      = "read_error"
	DisconnectReasonWriteError     = "write_error"
	DisconnectReasonClientClose    = "client_close"
	DisconnectReasonSlowClient     = "slow_client"
	DisconnectReasonProtocol       = "protocol_errors"
	DisconnectReasonServerShutdown = "server_shutdown"
)

// Prometheus metrics for the gateway.
// All names share the ws_ prefix so existing dashboards keep working.
var (
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_active",
		Help: "Current number of live WebSocket connections",
	})

	connectionsAuthenticated = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_authenticated",
		Help: "Current number of authenticated WebSocket connections",
	})

	handshakeRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_handshake_rejections_total",
		Help: "Upgrade requests rejected before the WebSocket handshake, by reason",
	}, []string{"reason"})

	disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_disconnects_total",
		Help: "Total disconnections by reason",
	}, []string{"reason"})

	connectionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ws_connection_duration_seconds",
		Help:    "Connection duration before disconnect",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
	}, []string{"reason"})

	authResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_authentications_total",
		Help: "Authentication attempts by result",
	}, []string{"result"})

	subscriptionResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_subscriptions_total",
		Help: "Channel subscription decisions by result and reason",
	}, []string{"result", "reason"})

	rateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_rate_limited_total",
		Help: "Operations refused by the rate limiter, by scope",
	}, []string{"scope"})

	protocolErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_protocol_errors_total",
		Help: "Inbound frames rejected by the protocol layer, by code",
	}, []string{"code"})

	messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_sent_total",
		Help: "Total number of frames written to clients",
	})

	messagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_received_total",
		Help: "Total number of frames received from clients",
	})

	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_bytes_sent_total",
		Help: "Total number of bytes sent to clients",
	})

	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_bytes_received_total",
		Help: "Total number of bytes received from clients",
	})

	broadcastsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_broadcasts_total",
		Help: "Fan-out operations by target kind",
	}, []string{"target"})

	broadcastRecipients = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ws_broadcast_recipients",
		Help:    "Number of connections a fan-out was queued to",
		Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000, 5000},
	}, []string{"target"})

	droppedFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_dropped_frames_total",
		Help: "Outbound frames dropped, by reason",
	}, []string{"reason"})

	slowClientsDisconnected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_slow_clients_disconnected_total",
		Help: "Total number of slow clients disconnected",
	})

	reauthRevocations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_reauth_revocations_total",
		Help: "Subscriptions removed by periodic re-authorization",
	})

	ingestMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_ingest_messages_total",
		Help: "Upstream broadcast requests by source and result",
	}, []string{"source", "result"})

	tenantConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_tenants_connected",
		Help: "Number of tenants with at least one authenticated connection",
	})

	memoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_memory_bytes",
		Help: "Process resident memory in bytes",
	})

	cpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_cpu_usage_percent",
		Help: "Host CPU usage percentage",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_goroutines_active",
		Help: "Current number of goroutines",
	})

	// PanicsRecovered counts goroutine panics caught by RecoverPanic
	PanicsRecovered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_panics_recovered_total",
		Help: "Goroutine panics recovered, by goroutine",
	}, []string{"goroutine"})
)

func init() {
	prometheus.MustRegister(
		connectionsTotal,
		connectionsActive,
		connectionsAuthenticated,
		handshakeRejections,
		disconnectsTotal,
		connectionDuration,
		authResults,
		subscriptionResults,
		rateLimited,
		protocolErrors,
		messagesSent,
		messagesReceived,
		bytesSent,
		bytesReceived,
		broadcastsTotal,
		broadcastRecipients,
		droppedFrames,
		slowClientsDisconnected,
		reauthRevocations,
		ingestMessages,
		tenantConnections,
		memoryUsageBytes,
		cpuUsagePercent,
		goroutinesActive,
		PanicsRecovered,
	)
}

// HandleMetrics serves the Prometheus scrape endpoint
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// RecordConnectionOpened tracks a new socket entering the registry
func RecordConnectionOpened() {
	connectionsTotal.Inc()
	connectionsActive.Inc()
}

// RecordDisconnect tracks a socket leaving the registry
func RecordDisconnect(reason string, authenticated bool, duration time.Duration) {
	connectionsActive.Dec()
	if authenticated {
		connectionsAuthenticated.Dec()
	}
	disconnectsTotal.WithLabelValues(reason).Inc()
	connectionDuration.WithLabelValues(reason).Observe(duration.Seconds())
}

// RecordHandshakeRejection tracks an upgrade refused before the handshake
func RecordHandshakeRejection(reason string) {
	handshakeRejections.WithLabelValues(reason).Inc()
}

// RecordAuthentication tracks an authenticate attempt; result is "success" or a failure reason
func RecordAuthentication(result string) {
	authResults.WithLabelValues(result).Inc()
	if result == "success" {
		connectionsAuthenticated.Inc()
	}
}

// RecordSubscription tracks one per-channel subscribe decision
func RecordSubscription(allowed bool, reason string) {
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	subscriptionResults.WithLabelValues(result, reason).Inc()
}

// RecordRateLimited tracks a refusal by scope: connection, tenant, tenant_connections, handshake_ip, handshake_global, ingest
func RecordRateLimited(scope string) {
	rateLimited.WithLabelValues(scope).Inc()
}

// RecordProtocolError tracks a rejected inbound frame
func RecordProtocolError(code string) {
	protocolErrors.WithLabelValues(code).Inc()
}

// RecordFrameReceived tracks an inbound frame
func RecordFrameReceived(size int) {
	messagesReceived.Inc()
	bytesReceived.Add(float64(size))
}

// RecordFrameSent tracks an outbound frame written to the socket
func RecordFrameSent(size int) {
	messagesSent.Inc()
	bytesSent.Add(float64(size))
}

// RecordBroadcast tracks one fan-out and its recipient count
func RecordBroadcast(target string, recipients int) {
	broadcastsTotal.WithLabelValues(target).Inc()
	broadcastRecipients.WithLabelValues(target).Observe(float64(recipients))
}

// RecordDroppedFrame tracks an outbound frame that never reached the socket
func RecordDroppedFrame(reason string) {
	droppedFrames.WithLabelValues(reason).Inc()
}

// IncrementSlowClientDisconnects tracks slow consumer evictions
func IncrementSlowClientDisconnects() {
	slowClientsDisconnected.Inc()
}

// RecordReauthRevocation tracks a subscription dropped by re-authorization
func RecordReauthRevocation() {
	reauthRevocations.Inc()
}

// RecordIngest tracks an upstream broadcast request
func RecordIngest(source, result string) {
	ingestMessages.WithLabelValues(source, result).Inc()
}

// SetTenantsConnected publishes the number of tenants with live connections
func SetTenantsConnected(n int) {
	tenantConnections.Set(float64(n))
}
