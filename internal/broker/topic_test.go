package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chanSink hands every accepted batch to the test over a channel.
type chanSink struct {
	batches chan []*Message
}

func newChanSink() *chanSink {
	return &chanSink{batches: make(chan []*Message, 64)}
}

func (s *chanSink) SendBatch(_ context.Context, msgs []*Message) error {
	out := make([]*Message, len(msgs))
	copy(out, msgs)
	s.batches <- out
	return nil
}

// gateSink signals when a send starts, then blocks until the send
// context expires. Used to simulate a stuck consumer.
type gateSink struct {
	entered chan struct{}
}

func newGateSink() *gateSink {
	return &gateSink{entered: make(chan struct{}, 1)}
}

func (s *gateSink) SendBatch(ctx context.Context, _ []*Message) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return ctx.Err()
}

func collectMessages(t *testing.T, sink *chanSink, n int, timeout time.Duration) []*Message {
	t.Helper()
	deadline := time.After(timeout)
	var all []*Message
	for len(all) < n {
		select {
		case batch := <-sink.batches:
			all = append(all, batch...)
		case <-deadline:
			t.Fatalf("timed out collecting messages: got %d, want %d", len(all), n)
		}
	}
	require.Len(t, all, n, "received more messages than published")
	return all
}

func assertNoMessages(t *testing.T, sink *chanSink, wait time.Duration) {
	t.Helper()
	select {
	case batch := <-sink.batches:
		t.Fatalf("unexpected delivery of %d message(s)", len(batch))
	case <-time.After(wait):
	}
}

// fastTopicConfig flushes aggressively so delivery tests finish quickly.
func fastTopicConfig() TopicConfig {
	return TopicConfig{
		RingCapacity:  100,
		QueueCapacity: 100,
		BatchSize:     10,
		BatchTimeout:  15 * time.Millisecond,
		SendTimeout:   200 * time.Millisecond,
		SampleCap:     100,
	}
}

// holdTopicConfig never flushes on its own below BatchSize, so the only
// remaining flush triggers are batch size and shutdown.
func holdTopicConfig(batchSize int) TopicConfig {
	cfg := fastTopicConfig()
	cfg.BatchSize = batchSize
	cfg.BatchTimeout = time.Hour
	return cfg
}

func payload(n int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"n":%d}`, n))
}

func TestTopic_DeliversInOrder(t *testing.T) {
	topic := newTopic("orders", fastTopicConfig(), zerolog.Nop())
	defer topic.Shutdown()

	sink := newChanSink()
	topic.Attach("client-1", sink, 0)

	const total = 25
	for i := 0; i < total; i++ {
		topic.Publish(payload(i))
	}

	got := collectMessages(t, sink, total, 2*time.Second)
	for i, msg := range got {
		assert.Equal(t, payload(i), msg.Data, "message %d out of order", i)
		assert.Equal(t, "orders", msg.Topic)
		assert.NotEmpty(t, msg.ID)
	}

	require.Eventually(t, func() bool {
		return topic.SnapshotMetrics().MessagesDelivered == total
	}, 2*time.Second, 10*time.Millisecond, "delivered counter should reach %d", total)
}

func TestTopic_FlushesOnBatchSize(t *testing.T) {
	topic := newTopic("batchy", holdTopicConfig(5), zerolog.Nop())
	defer topic.Shutdown()

	sink := newChanSink()
	topic.Attach("client-1", sink, 0)

	for i := 0; i < 5; i++ {
		topic.Publish(payload(i))
	}

	select {
	case batch := <-sink.batches:
		assert.Len(t, batch, 5, "full batch should flush without waiting for the timer")
	case <-time.After(time.Second):
		t.Fatal("full batch was never flushed")
	}

	// A partial batch stays pending until shutdown forces it out.
	topic.Publish(payload(5))
	topic.Publish(payload(6))
	assertNoMessages(t, sink, 100*time.Millisecond)

	// Let the worker move both messages from the queue into its batch;
	// shutdown flushes the batch but discards anything still queued.
	require.Eventually(t, func() bool {
		return topic.SnapshotMetrics().QueueDepth == 0
	}, time.Second, 5*time.Millisecond)

	topic.Shutdown()
	got := collectMessages(t, sink, 2, time.Second)
	assert.Equal(t, payload(5), got[0].Data)
	assert.Equal(t, payload(6), got[1].Data)
}

func TestTopic_FlushesOnTimeout(t *testing.T) {
	cfg := fastTopicConfig()
	cfg.BatchSize = 1000
	cfg.BatchTimeout = 25 * time.Millisecond
	topic := newTopic("timed", cfg, zerolog.Nop())
	defer topic.Shutdown()

	sink := newChanSink()
	topic.Attach("client-1", sink, 0)

	topic.Publish(payload(0))
	topic.Publish(payload(1))
	topic.Publish(payload(2))

	select {
	case batch := <-sink.batches:
		assert.Len(t, batch, 3, "timer flush should carry the whole pending batch")
	case <-time.After(time.Second):
		t.Fatal("batch timer never fired")
	}
}

func TestTopic_ReplayDisjointFromLive(t *testing.T) {
	topic := newTopic("seam", holdTopicConfig(1000), zerolog.Nop())

	topic.Publish(payload(0))
	topic.Publish(payload(1))

	sink := newChanSink()
	replay := topic.Attach("client-1", sink, 10)
	require.Len(t, replay, 2)
	assert.Equal(t, payload(0), replay[0].Data)
	assert.Equal(t, payload(1), replay[1].Data)

	topic.Publish(payload(2))
	topic.Publish(payload(3))

	require.Eventually(t, func() bool {
		return topic.SnapshotMetrics().QueueDepth == 0
	}, time.Second, 5*time.Millisecond)

	// Shutdown forces the pending batch out. The two messages already
	// handed over as replay must not ride along on the live stream.
	topic.Shutdown()

	got := collectMessages(t, sink, 2, time.Second)
	assert.Equal(t, payload(2), got[0].Data)
	assert.Equal(t, payload(3), got[1].Data)

	assert.Equal(t, int64(2), topic.SnapshotMetrics().MessagesDelivered)
}

func TestTopic_AttachWithoutReplay(t *testing.T) {
	topic := newTopic("fresh", fastTopicConfig(), zerolog.Nop())
	defer topic.Shutdown()

	sink := newChanSink()
	assert.Nil(t, topic.Attach("client-1", sink, 0), "last_n 0 requests no replay")

	empty := newTopic("empty", fastTopicConfig(), zerolog.Nop())
	defer empty.Shutdown()
	assert.Nil(t, empty.Attach("client-2", newChanSink(), 50), "empty topic has nothing to replay")
}

func TestTopic_SlowSubscriberDetached(t *testing.T) {
	cfg := fastTopicConfig()
	cfg.BatchSize = 1
	cfg.BatchTimeout = 10 * time.Millisecond
	cfg.SendTimeout = 100 * time.Millisecond
	topic := newTopic("mixed", cfg, zerolog.Nop())
	defer topic.Shutdown()

	fast := newChanSink()
	slow := newGateSink()
	topic.Attach("fast", fast, 0)
	topic.Attach("slow", slow, 0)

	topic.Publish(payload(0))

	// The fast peer gets the batch even while the slow one is stuck.
	got := collectMessages(t, fast, 1, time.Second)
	assert.Equal(t, payload(0), got[0].Data)

	require.Eventually(t, func() bool {
		return topic.SubscriberCount() == 1
	}, 2*time.Second, 10*time.Millisecond, "slow subscriber should be detached after the send timeout")
	assert.False(t, topic.Detach("slow"), "slow subscriber already removed")

	topic.Publish(payload(1))
	got = collectMessages(t, fast, 1, time.Second)
	assert.Equal(t, payload(1), got[0].Data)
}

func TestTopic_QueueOverflowDrops(t *testing.T) {
	cfg := fastTopicConfig()
	cfg.QueueCapacity = 8
	cfg.BatchSize = 1
	cfg.BatchTimeout = 10 * time.Millisecond
	cfg.SendTimeout = 300 * time.Millisecond
	topic := newTopic("crowded", cfg, zerolog.Nop())
	defer topic.Shutdown()

	stuck := newGateSink()
	topic.Attach("stuck", stuck, 0)

	topic.Publish(payload(0))
	select {
	case <-stuck.entered:
	case <-time.After(time.Second):
		t.Fatal("delivery worker never started the send")
	}

	// With the worker stuck in a send, the queue fills and the excess
	// is dropped at publish time.
	for i := 1; i <= 11; i++ {
		topic.Publish(payload(i))
	}

	metrics := topic.SnapshotMetrics()
	assert.Equal(t, int64(12), metrics.MessagesPublished)
	assert.Equal(t, int64(3), metrics.MessagesDropped)
	assert.Equal(t, cfg.QueueCapacity, metrics.QueueMaxSize)
}

func TestTopic_ReattachReplacesHandle(t *testing.T) {
	topic := newTopic("reattach", fastTopicConfig(), zerolog.Nop())
	defer topic.Shutdown()

	first := newChanSink()
	second := newChanSink()
	topic.Attach("client-1", first, 0)
	topic.Attach("client-1", second, 0)
	require.Equal(t, 1, topic.SubscriberCount())

	topic.Publish(payload(0))

	got := collectMessages(t, second, 1, time.Second)
	assert.Equal(t, payload(0), got[0].Data)
	assertNoMessages(t, first, 100*time.Millisecond)
}

func TestTopic_DetachStopsDelivery(t *testing.T) {
	topic := newTopic("leaver", fastTopicConfig(), zerolog.Nop())
	defer topic.Shutdown()

	sink := newChanSink()
	topic.Attach("client-1", sink, 0)

	topic.Publish(payload(0))
	collectMessages(t, sink, 1, time.Second)

	assert.True(t, topic.Detach("client-1"))
	assert.False(t, topic.Detach("client-1"), "second detach finds nothing")

	topic.Publish(payload(1))
	assertNoMessages(t, sink, 100*time.Millisecond)
}

func TestTopic_ShutdownNotifiesSubscriptionClosers(t *testing.T) {
	topic := newTopic("closing", holdTopicConfig(1000), zerolog.Nop())

	closer := &closeRecorder{}
	topic.Attach("client-1", closer, 0)
	topic.Shutdown()

	assert.Equal(t, []string{"closing"}, closer.closed())

	// A client that detached on its own is not notified.
	topic2 := newTopic("quiet", holdTopicConfig(1000), zerolog.Nop())
	closer2 := &closeRecorder{}
	topic2.Attach("client-2", closer2, 0)
	topic2.Detach("client-2")
	topic2.Shutdown()
	assert.Empty(t, closer2.closed())
}

func TestTopic_ShutdownIdempotent(t *testing.T) {
	topic := newTopic("twice", fastTopicConfig(), zerolog.Nop())
	assert.NotPanics(t, func() {
		topic.Shutdown()
		topic.Shutdown()
	})
}

func TestTopic_PublishReturnsSubscriberCount(t *testing.T) {
	topic := newTopic("counted", fastTopicConfig(), zerolog.Nop())
	defer topic.Shutdown()

	assert.Equal(t, 0, topic.Publish(payload(0)))

	topic.Attach("a", newChanSink(), 0)
	topic.Attach("b", newChanSink(), 0)
	assert.Equal(t, 2, topic.Publish(payload(1)))
}

func TestTopic_SnapshotMetrics(t *testing.T) {
	cfg := fastTopicConfig()
	topic := newTopic("observed", cfg, zerolog.Nop())
	defer topic.Shutdown()

	sink := newChanSink()
	topic.Attach("client-1", sink, 0)

	const total = 7
	for i := 0; i < total; i++ {
		topic.Publish(payload(i))
	}
	collectMessages(t, sink, total, 2*time.Second)

	require.Eventually(t, func() bool {
		return topic.SnapshotMetrics().MessagesDelivered == total
	}, 2*time.Second, 10*time.Millisecond)

	metrics := topic.SnapshotMetrics()
	assert.Equal(t, int64(total), metrics.MessagesPublished)
	assert.Equal(t, int64(0), metrics.MessagesDropped)
	assert.Equal(t, 1, metrics.SubscriberCount)
	assert.Equal(t, cfg.QueueCapacity, metrics.QueueMaxSize)
	assert.Greater(t, metrics.BatchSizeAvg, 0.0)
	assert.GreaterOrEqual(t, metrics.LatencyMS.P99, metrics.LatencyMS.P95)

	stats := topic.Stats()
	assert.Equal(t, int64(total), stats.MessageCount)
	assert.Equal(t, 1, stats.SubscriberCount)
}
