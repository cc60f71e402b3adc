package broker

// TopicMetrics is the per-topic slice of the observability snapshot.
// Field order matches the wire shape the dashboard consumes.
type TopicMetrics struct {
	QueueDepth        int            `json:"queue_depth"`
	QueueMaxSize      int            `json:"queue_max_size"`
	BatchSizeAvg      float64        `json:"batch_size_avg"`
	MessagesPublished int64          `json:"messages_published"`
	MessagesDelivered int64          `json:"messages_delivered"`
	MessagesDropped   int64          `json:"messages_dropped"`
	SubscriberCount   int            `json:"subscriber_count"`
	LatencyMS         LatencySummary `json:"latency_ms"`
}

// LatencySummary aggregates the rolling latency window in milliseconds.
// Percentiles reflect at most the last SampleCap observations.
type LatencySummary struct {
	Avg float64 `json:"avg"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// TopicStats is the per-topic slice of the /stats response.
type TopicStats struct {
	MessageCount    int64 `json:"message_count"`
	SubscriberCount int   `json:"subscriber_count"`
}

// GlobalMetrics totals the per-topic counters across the registry.
type GlobalMetrics struct {
	ActiveTopics      int   `json:"active_topics"`
	ActiveSubscribers int   `json:"active_subscribers"`
	TotalPublished    int64 `json:"total_published"`
	TotalDelivered    int64 `json:"total_delivered"`
	TotalDropped      int64 `json:"total_dropped"`
}

// MetricsSnapshot is the full observability snapshot served by the
// control surface and polled by the dashboard.
type MetricsSnapshot struct {
	UptimeSeconds float64                 `json:"uptime_seconds"`
	Topics        map[string]TopicMetrics `json:"topics"`
	Global        GlobalMetrics           `json:"global"`
}

// SnapshotMetrics samples this topic's counters and rolling windows.
func (t *Topic) SnapshotMetrics() TopicMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	return TopicMetrics{
		QueueDepth:        len(t.queue),
		QueueMaxSize:      cap(t.queue),
		BatchSizeAvg:      t.batchSizes.avg(),
		MessagesPublished: t.published,
		MessagesDelivered: t.delivered,
		MessagesDropped:   t.dropped,
		SubscriberCount:   len(t.subscribers),
		LatencyMS: LatencySummary{
			Avg: t.latency.avg(),
			P95: t.latency.percentile(0.95),
			P99: t.latency.percentile(0.99),
		},
	}
}

// Stats samples the cheap counters for the /stats response.
func (t *Topic) Stats() TopicStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	return TopicStats{
		MessageCount:    t.published,
		SubscriberCount: len(t.subscribers),
	}
}
