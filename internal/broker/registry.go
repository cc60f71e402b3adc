package broker

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Registry maps topic names to live topics and owns the application
// clock used for uptime reporting.
//
// Its mutex guards only the name map; topic operations (attach,
// publish, shutdown) always run outside it, so a busy or draining topic
// cannot stall registry lookups.
type Registry struct {
	mu     sync.Mutex
	topics map[string]*Topic

	cfg       TopicConfig
	logger    zerolog.Logger
	startedAt time.Time

	// draining blocks Create once ShutdownAll has run, so a straggling
	// ingest or request cannot resurrect topics mid-teardown.
	draining atomic.Bool
}

// NewRegistry creates an empty registry. All topics it creates share
// cfg.
func NewRegistry(cfg TopicConfig, logger zerolog.Logger) *Registry {
	return &Registry{
		topics:    make(map[string]*Topic),
		cfg:       cfg,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Uptime reports how long the registry has been serving.
func (r *Registry) Uptime() time.Duration {
	return time.Since(r.startedAt)
}

// Create validates the name and creates the topic, starting its
// delivery worker. Idempotent: creating an existing topic succeeds and
// leaves its counters and replay history untouched. Returns
// ErrShuttingDown once ShutdownAll has run.
func (r *Registry) Create(name string) error {
	if r.draining.Load() {
		return ErrShuttingDown
	}
	if err := ValidateTopicName(name); err != nil {
		return err
	}

	r.mu.Lock()
	_, exists := r.topics[name]
	if !exists {
		r.topics[name] = newTopic(name, r.cfg, r.logger)
	}
	r.mu.Unlock()

	if !exists {
		r.logger.Info().Str("topic", name).Msg("Topic created")
	}
	return nil
}

// Delete removes the topic from the map, then shuts it down outside the
// registry mutex. Once Delete returns, no subscribe or publish can bind
// to the old topic; a fresh Create starts from empty state.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	topic, ok := r.topics[name]
	if ok {
		delete(r.topics, name)
	}
	r.mu.Unlock()

	if !ok {
		return ErrTopicNotFound
	}
	topic.Shutdown()
	r.logger.Info().Str("topic", name).Msg("Topic deleted")
	return nil
}

// Lookup returns the topic registered under name.
func (r *Registry) Lookup(name string) (*Topic, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.topics[name]
	return t, ok
}

// Exists reports whether a topic is registered under name.
func (r *Registry) Exists(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.topics[name]
	return ok
}

// List returns all topic names, sorted.
func (r *Registry) List() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.topics))
	for name := range r.topics {
		names = append(names, name)
	}
	r.mu.Unlock()

	sort.Strings(names)
	return names
}

// Subscribe attaches clientID to the named topic through sink and
// returns the replay prefix.
func (r *Registry) Subscribe(name, clientID string, sink Sink, lastN int) ([]*Message, error) {
	topic, ok := r.Lookup(name)
	if !ok {
		return nil, ErrTopicNotFound
	}
	return topic.Attach(clientID, sink, lastN), nil
}

// Unsubscribe detaches clientID from the named topic. Reports false
// when the topic does not exist or the client was not attached to it.
func (r *Registry) Unsubscribe(name, clientID string) bool {
	topic, ok := r.Lookup(name)
	if !ok {
		return false
	}
	return topic.Detach(clientID)
}

// Publish forwards data to the named topic and returns its subscriber
// count at publish time.
func (r *Registry) Publish(name string, data json.RawMessage) (int, error) {
	topic, ok := r.Lookup(name)
	if !ok {
		return 0, ErrTopicNotFound
	}
	return topic.Publish(data), nil
}

// CleanupClient detaches clientID from every topic. Called when a
// session terminates, whatever the client was subscribed to.
func (r *Registry) CleanupClient(clientID string) {
	removed := 0
	for _, topic := range r.snapshot() {
		if topic.Detach(clientID) {
			removed++
		}
	}
	if removed > 0 {
		r.logger.Debug().
			Str("client_id", clientID).
			Int("topics", removed).
			Msg("Cleaned up client subscriptions")
	}
}

// snapshot copies the current topic set out from under the mutex.
func (r *Registry) snapshot() []*Topic {
	r.mu.Lock()
	defer r.mu.Unlock()

	topics := make([]*Topic, 0, len(r.topics))
	for _, t := range r.topics {
		topics = append(topics, t)
	}
	return topics
}

// TopicCount returns the number of registered topics.
func (r *Registry) TopicCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics)
}

// TotalSubscribers sums subscriber counts across all topics.
func (r *Registry) TotalSubscribers() int {
	total := 0
	for _, topic := range r.snapshot() {
		total += topic.SubscriberCount()
	}
	return total
}

// Stats assembles the per-topic /stats payload.
func (r *Registry) Stats() map[string]TopicStats {
	stats := make(map[string]TopicStats)
	for _, topic := range r.snapshot() {
		stats[topic.Name()] = topic.Stats()
	}
	return stats
}

// Snapshot assembles the full observability snapshot.
func (r *Registry) Snapshot() MetricsSnapshot {
	topics := r.snapshot()

	snap := MetricsSnapshot{
		UptimeSeconds: r.Uptime().Seconds(),
		Topics:        make(map[string]TopicMetrics, len(topics)),
	}
	for _, topic := range topics {
		tm := topic.SnapshotMetrics()
		snap.Topics[topic.Name()] = tm
		snap.Global.TotalPublished += tm.MessagesPublished
		snap.Global.TotalDelivered += tm.MessagesDelivered
		snap.Global.TotalDropped += tm.MessagesDropped
		snap.Global.ActiveSubscribers += tm.SubscriberCount
	}
	snap.Global.ActiveTopics = len(topics)
	return snap
}

// ShutdownAll removes every topic and shuts them down concurrently.
// Used at process exit; each topic flushes its pending batch before its
// subscribers are closed. Further Create calls fail with
// ErrShuttingDown.
func (r *Registry) ShutdownAll() {
	r.draining.Store(true)

	r.mu.Lock()
	topics := make([]*Topic, 0, len(r.topics))
	for _, t := range r.topics {
		topics = append(topics, t)
	}
	r.topics = make(map[string]*Topic)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, topic := range topics {
		wg.Add(1)
		go func(t *Topic) {
			defer wg.Done()
			t.Shutdown()
		}(topic)
	}
	wg.Wait()

	r.logger.Info().Int("topics", len(topics)).Msg("All topics shut down")
}
