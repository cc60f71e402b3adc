package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the pub/sub server, scraped at /prometheus.
var (
	// Connection metrics
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pubsub_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pubsub_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	connectionsMax = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pubsub_connections_max",
		Help: "Maximum allowed WebSocket connections",
	})

	disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pubsub_disconnects_total",
		Help: "Total disconnections by reason and who initiated",
	}, []string{"reason", "initiated_by"})

	connectionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pubsub_connection_duration_seconds",
		Help:    "Connection duration before disconnect",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
	}, []string{"reason"})

	// Frame metrics
	framesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pubsub_frames_sent_total",
		Help: "Total number of frames sent to clients",
	})

	framesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pubsub_frames_received_total",
		Help: "Total number of frames received from clients",
	})

	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pubsub_bytes_sent_total",
		Help: "Total number of bytes sent to clients",
	})

	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pubsub_bytes_received_total",
		Help: "Total number of bytes received from clients",
	})

	// Reliability metrics
	slowSubscribersDetached = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pubsub_slow_subscribers_detached_total",
		Help: "Total number of subscribers detached for missing the send timeout",
	})

	rateLimitedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pubsub_rate_limited_frames_total",
		Help: "Total number of inbound frames rejected by the session rate limit",
	})

	replayMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pubsub_replay_messages_total",
		Help: "Total number of messages served from replay history",
	})

	// Broker metrics (set from registry snapshots)
	topicsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pubsub_topics_active",
		Help: "Current number of topics",
	})

	subscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pubsub_subscriptions_active",
		Help: "Current number of subscriptions across all topics",
	})

	messagesPublished = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pubsub_messages_published_total",
		Help: "Total messages published across all topics",
	})

	messagesDelivered = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pubsub_messages_delivered_total",
		Help: "Total messages delivered across all topics",
	})

	messagesDropped = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pubsub_messages_dropped_total",
		Help: "Total messages dropped on full ingest queues",
	})

	// System metrics
	memoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pubsub_memory_bytes",
		Help: "Current process RSS in bytes",
	})

	memoryLimitBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pubsub_memory_limit_bytes",
		Help: "Configured memory budget in bytes",
	})

	cpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pubsub_cpu_usage_percent",
		Help: "Current CPU usage percentage",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pubsub_goroutines_active",
		Help: "Current number of active goroutines",
	})

	// Capacity metrics
	capacityMaxConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pubsub_capacity_max_connections",
		Help: "Configured maximum connections",
	})

	capacityCPUThreshold = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pubsub_capacity_cpu_threshold_percent",
		Help: "CPU threshold for rejecting new connections",
	})

	capacityRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pubsub_capacity_rejections_total",
		Help: "Total connection rejections by reason",
	}, []string{"reason"})

	// NATS bridge metrics
	natsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pubsub_nats_connected",
		Help: "NATS bridge status (1=connected, 0=disconnected)",
	})

	natsMessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pubsub_nats_messages_received_total",
		Help: "Total number of messages ingested from NATS",
	})

	// Error tracking
	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pubsub_errors_total",
		Help: "Total errors by type and severity",
	}, []string{"type", "severity"})
)

func init() {
	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(connectionsMax)
	prometheus.MustRegister(disconnectsTotal)
	prometheus.MustRegister(connectionDuration)

	prometheus.MustRegister(framesSent)
	prometheus.MustRegister(framesReceived)
	prometheus.MustRegister(bytesSent)
	prometheus.MustRegister(bytesReceived)

	prometheus.MustRegister(slowSubscribersDetached)
	prometheus.MustRegister(rateLimitedFrames)
	prometheus.MustRegister(replayMessages)

	prometheus.MustRegister(topicsActive)
	prometheus.MustRegister(subscriptionsActive)
	prometheus.MustRegister(messagesPublished)
	prometheus.MustRegister(messagesDelivered)
	prometheus.MustRegister(messagesDropped)

	prometheus.MustRegister(memoryUsageBytes)
	prometheus.MustRegister(memoryLimitBytes)
	prometheus.MustRegister(cpuUsagePercent)
	prometheus.MustRegister(goroutinesActive)

	prometheus.MustRegister(capacityMaxConnections)
	prometheus.MustRegister(capacityCPUThreshold)
	prometheus.MustRegister(capacityRejections)

	prometheus.MustRegister(natsConnected)
	prometheus.MustRegister(natsMessagesReceived)

	prometheus.MustRegister(errorsTotal)
}

// RecordConnection counts an accepted connection.
func RecordConnection(active int64) {
	connectionsTotal.Inc()
	connectionsActive.Set(float64(active))
}

// Disconnect reasons.
const (
	DisconnectReasonReadError       = "read_error"
	DisconnectReasonWriteError      = "write_error"
	DisconnectReasonPingTimeout     = "ping_timeout"
	DisconnectReasonServerShutdown  = "server_shutdown"
	DisconnectReasonClientInitiated = "client_initiated"
)

// Who initiated the disconnect.
const (
	DisconnectInitiatedByClient = "client"
	DisconnectInitiatedByServer = "server"
)

// RecordDisconnect tracks a disconnect with reason, initiator and the
// connection's lifetime.
func RecordDisconnect(active int64, reason, initiatedBy string, duration time.Duration) {
	connectionsActive.Set(float64(active))
	disconnectsTotal.WithLabelValues(reason, initiatedBy).Inc()
	connectionDuration.WithLabelValues(reason).Observe(duration.Seconds())
}

// UpdateFrameMetrics counts frames moved over sessions.
func UpdateFrameMetrics(sent, received int64) {
	if sent > 0 {
		framesSent.Add(float64(sent))
	}
	if received > 0 {
		framesReceived.Add(float64(received))
	}
}

// UpdateBytesMetrics counts bytes moved over sessions.
func UpdateBytesMetrics(sent, received int64) {
	if sent > 0 {
		bytesSent.Add(float64(sent))
	}
	if received > 0 {
		bytesReceived.Add(float64(received))
	}
}

// IncrementSlowSubscriberDetached counts a send-timeout detach.
func IncrementSlowSubscriberDetached() {
	slowSubscribersDetached.Inc()
}

// IncrementRateLimitedFrames counts a frame rejected by the session
// rate limit.
func IncrementRateLimitedFrames() {
	rateLimitedFrames.Inc()
}

// AddReplayMessages counts messages served from replay history.
func AddReplayMessages(n int) {
	if n > 0 {
		replayMessages.Add(float64(n))
	}
}

// UpdateBrokerMetrics publishes registry totals to Prometheus.
func UpdateBrokerMetrics(topics, subscriptions int, published, delivered, dropped int64) {
	topicsActive.Set(float64(topics))
	subscriptionsActive.Set(float64(subscriptions))
	messagesPublished.Set(float64(published))
	messagesDelivered.Set(float64(delivered))
	messagesDropped.Set(float64(dropped))
}

// UpdateCapacityMetrics publishes the configured admission limits.
func UpdateCapacityMetrics(maxConnections int, cpuThreshold float64) {
	capacityMaxConnections.Set(float64(maxConnections))
	connectionsMax.Set(float64(maxConnections))
	capacityCPUThreshold.Set(cpuThreshold)
}

// IncrementCapacityRejection records a connection rejection with reason.
func IncrementCapacityRejection(reason string) {
	capacityRejections.WithLabelValues(reason).Inc()
}

// SetNATSConnected flags the bridge connection state.
func SetNATSConnected(connected bool) {
	if connected {
		natsConnected.Set(1)
	} else {
		natsConnected.Set(0)
	}
}

// IncrementNATSMessages counts a message ingested from NATS.
func IncrementNATSMessages() {
	natsMessagesReceived.Inc()
}

// Error severity levels.
const (
	ErrorSeverityWarning  = "warning"
	ErrorSeverityCritical = "critical"
)

// Error types.
const (
	ErrorTypeSession       = "session"
	ErrorTypeSerialization = "serialization"
	ErrorTypeNATS          = "nats"
	ErrorTypeHTTP          = "http"
)

// RecordError tracks an error occurrence by type and severity.
func RecordError(errorType, severity string) {
	errorsTotal.WithLabelValues(errorType, severity).Inc()
}
