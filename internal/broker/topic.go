package broker

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TopicConfig bounds one topic's buffers and delivery behavior.
type TopicConfig struct {
	RingCapacity  int
	QueueCapacity int
	BatchSize     int
	BatchTimeout  time.Duration
	SendTimeout   time.Duration
	SampleCap     int
}

// DefaultTopicConfig returns the production defaults.
func DefaultTopicConfig() TopicConfig {
	return TopicConfig{
		RingCapacity:  100,
		QueueCapacity: 10000,
		BatchSize:     10,
		BatchTimeout:  20 * time.Millisecond,
		SendTimeout:   500 * time.Millisecond,
		SampleCap:     1000,
	}
}

// minWait floors the delivery worker's wait so a stale flush timestamp
// cannot produce a zero or negative timer.
const minWait = time.Millisecond

// workerBackoff is how long the delivery worker pauses after recovering
// from a panic before resuming.
const workerBackoff = 50 * time.Millisecond

// Topic owns the full delivery path for one named channel: the
// subscriber set, the replay ring, the bounded ingest queue, one
// background delivery worker, and the topic's counters.
//
// Publish order is delivery order: the ingest queue serializes
// producers, the single worker drains it in order, and batches preserve
// order within and between flushes. One slow subscriber cannot delay
// its peers; it is detached after the send timeout instead.
type Topic struct {
	name   string
	cfg    TopicConfig
	logger zerolog.Logger

	// mu guards the subscriber map, the ring, the publish sequence,
	// the counters and the rolling samples. It is held only for short
	// critical sections, never across a sink send.
	mu          sync.Mutex
	subscribers map[string]*Subscriber
	lastSeq     uint64
	published   int64
	delivered   int64
	dropped     int64
	ring        *ReplayRing
	latency     *rollingSample
	batchSizes  *rollingSample

	queue    chan *Message
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// newTopic constructs a topic and starts its delivery worker.
func newTopic(name string, cfg TopicConfig, logger zerolog.Logger) *Topic {
	t := &Topic{
		name:        name,
		cfg:         cfg,
		logger:      logger.With().Str("topic", name).Logger(),
		subscribers: make(map[string]*Subscriber),
		ring:        NewReplayRing(cfg.RingCapacity),
		latency:     newRollingSample(cfg.SampleCap),
		batchSizes:  newRollingSample(cfg.SampleCap),
		queue:       make(chan *Message, cfg.QueueCapacity),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go t.deliveryLoop()
	return t
}

// Name returns the topic name.
func (t *Topic) Name() string { return t.name }

// Attach registers a subscriber and returns its replay prefix: up to
// lastN of the most recent messages, snapshotted at the moment of
// attach. Taking the topic mutex for the ring read and the map insert
// together is what keeps the prefix disjoint from the live stream.
// Re-attaching an existing client id replaces the previous handle.
func (t *Topic) Attach(clientID string, sink Sink, lastN int) []*Message {
	t.mu.Lock()
	replay := t.ring.LastN(lastN)
	sub := newSubscriber(clientID, t.name, sink, t.lastSeq)
	if prev, ok := t.subscribers[clientID]; ok {
		prev.Close()
	}
	t.subscribers[clientID] = sub
	t.mu.Unlock()

	t.logger.Debug().
		Str("client_id", clientID).
		Int("replay_count", len(replay)).
		Msg("Subscriber attached")
	return replay
}

// Detach removes the handle for clientID and closes it. Reports whether
// a handle was removed.
func (t *Topic) Detach(clientID string) bool {
	t.mu.Lock()
	sub, ok := t.subscribers[clientID]
	if ok {
		delete(t.subscribers, clientID)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	sub.Close()
	t.logger.Debug().Str("client_id", clientID).Msg("Subscriber detached")
	return true
}

// detachHandle removes sub only while it is still the registered handle
// for its client id. A flush result must not evict a handle that
// re-attached while the batch was in flight.
func (t *Topic) detachHandle(sub *Subscriber) {
	t.mu.Lock()
	if cur, ok := t.subscribers[sub.clientID]; ok && cur == sub {
		delete(t.subscribers, sub.clientID)
	}
	t.mu.Unlock()
	sub.Close()
}

// Publish stamps data with a fresh message id, appends it to the replay
// ring and offers it to the ingest queue without blocking. A full queue
// drops the message and counts the drop. Returns the subscriber count
// at publish time; the caller never waits on delivery.
func (t *Topic) Publish(data json.RawMessage) int {
	msg := newMessage(t.name, data)

	t.mu.Lock()
	t.lastSeq++
	msg.seq = t.lastSeq
	t.ring.Append(msg)
	t.published++
	count := len(t.subscribers)
	t.mu.Unlock()

	select {
	case t.queue <- msg:
	default:
		t.mu.Lock()
		t.dropped++
		t.mu.Unlock()
		t.logger.Warn().
			Str("message_id", msg.ID).
			Int("queue_capacity", t.cfg.QueueCapacity).
			Msg("Ingest queue full, dropping message")
	}
	return count
}

// Replay returns the lastN most recent messages without attaching.
func (t *Topic) Replay(lastN int) []*Message {
	return t.ring.LastN(lastN)
}

// SubscriberCount returns the number of attached subscribers.
func (t *Topic) SubscriberCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subscribers)
}

// MessageCount returns how many messages were published to this topic.
func (t *Topic) MessageCount() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.published
}

// Shutdown stops the delivery worker, letting it flush the batch it has
// accumulated, then closes and removes every subscriber. Idempotent;
// once it returns, no further messages are delivered for this topic.
func (t *Topic) Shutdown() {
	t.stopOnce.Do(func() { close(t.stop) })
	<-t.done

	t.mu.Lock()
	subs := make([]*Subscriber, 0, len(t.subscribers))
	for _, sub := range t.subscribers {
		subs = append(subs, sub)
	}
	t.subscribers = make(map[string]*Subscriber)
	t.mu.Unlock()

	for _, sub := range subs {
		sub.notifyClosed()
		sub.Close()
	}
	t.logger.Info().Int("subscribers_closed", len(subs)).Msg("Topic shut down")
}

// deliveryLoop drains the ingest queue into a working batch, flushing
// when the batch is full, when it has aged past the batch timeout, or
// on shutdown. An idle timeout with an empty batch does not reset the
// flush clock, so the first message after a quiet period flushes almost
// immediately instead of waiting out a full batch window.
func (t *Topic) deliveryLoop() {
	defer close(t.done)

	batch := make([]*Message, 0, t.cfg.BatchSize)
	lastFlush := time.Now()
	timer := time.NewTimer(t.cfg.BatchTimeout)
	defer timer.Stop()

	for {
		remaining := t.cfg.BatchTimeout - time.Since(lastFlush)
		if remaining < minWait {
			remaining = minWait
		}
		timer.Reset(remaining)

		select {
		case msg := <-t.queue:
			batch = append(batch, msg)
			if len(batch) >= t.cfg.BatchSize {
				t.flushSafe(batch)
				batch = batch[:0]
				lastFlush = time.Now()
			}

		case <-timer.C:
			if len(batch) > 0 {
				t.flushSafe(batch)
				batch = batch[:0]
				lastFlush = time.Now()
			}

		case <-t.stop:
			if len(batch) > 0 {
				t.flushSafe(batch)
			}
			return
		}
	}
}

// flushSafe wraps flush with panic recovery so a misbehaving sink
// cannot kill the worker; the loop resumes after a short backoff.
func (t *Topic) flushSafe(batch []*Message) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("Delivery worker recovered from panic")
			time.Sleep(workerBackoff)
		}
	}()
	t.flush(batch)
}

// flush fans the batch out to every attached subscriber concurrently,
// each send bounded by the configured send timeout. Failed or timed-out
// subscribers are detached; each successful subscriber adds the number
// of messages it accepted to the delivered counter.
func (t *Topic) flush(batch []*Message) {
	t.mu.Lock()
	t.batchSizes.add(float64(len(batch)))
	subs := make([]*Subscriber, 0, len(t.subscribers))
	for _, sub := range t.subscribers {
		if !sub.IsClosed() {
			subs = append(subs, sub)
		}
	}
	t.mu.Unlock()

	if len(subs) == 0 {
		return
	}

	sent := make([]int, len(subs))
	errs := make([]error, len(subs))
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub *Subscriber) {
			defer wg.Done()
			sent[i], errs[i] = t.send(sub, batch)
		}(i, sub)
	}
	wg.Wait()

	now := time.Now()
	var deliveredTotal int64
	for i, sub := range subs {
		if errs[i] != nil {
			t.logger.Warn().
				Err(errs[i]).
				Str("client_id", sub.ClientID()).
				Dur("send_timeout", t.cfg.SendTimeout).
				Msg("Subscriber send failed, detaching")
			t.detachHandle(sub)
			continue
		}
		deliveredTotal += int64(sent[i])
	}

	t.mu.Lock()
	t.delivered += deliveredTotal
	for _, msg := range batch {
		t.latency.add(float64(now.Sub(msg.PublishedAt)) / float64(time.Millisecond))
	}
	t.mu.Unlock()
}

// send delivers the portion of batch this subscriber has not already
// seen through its replay prefix, bounded by the send timeout. Returns
// how many messages were accepted.
func (t *Topic) send(sub *Subscriber, batch []*Message) (int, error) {
	msgs := batch
	if len(batch) > 0 && batch[0].seq <= sub.joinSeq {
		msgs = make([]*Message, 0, len(batch))
		for _, m := range batch {
			if m.seq > sub.joinSeq {
				msgs = append(msgs, m)
			}
		}
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.SendTimeout)
	defer cancel()

	if err := sub.SendBatch(ctx, msgs); err != nil {
		return 0, err
	}
	return len(msgs), nil
}
