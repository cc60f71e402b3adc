package natsbridge

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/pubsub/internal/broker"
)

func testBridge(t *testing.T) (*Bridge, *broker.Registry) {
	t.Helper()
	registry := broker.NewRegistry(broker.TopicConfig{
		RingCapacity:  100,
		QueueCapacity: 100,
		BatchSize:     10,
		BatchTimeout:  15 * time.Millisecond,
		SendTimeout:   200 * time.Millisecond,
		SampleCap:     100,
	}, zerolog.Nop())
	t.Cleanup(registry.ShutdownAll)

	return &Bridge{
		registry: registry,
		logger:   zerolog.Nop(),
		prefix:   "pubsub.",
	}, registry
}

func TestIngestCreatesTopicAndPublishes(t *testing.T) {
	bridge, registry := testBridge(t)

	bridge.ingest("pubsub.orders", []byte(`{"price":42}`))

	require.True(t, registry.Exists("orders"))
	assert.Equal(t, int64(1), registry.Stats()["orders"].MessageCount)
}

func TestIngestKeepsDottedSubjectSuffix(t *testing.T) {
	bridge, registry := testBridge(t)

	bridge.ingest("pubsub.market.stats", []byte(`{}`))

	assert.True(t, registry.Exists("market.stats"))
	assert.False(t, registry.Exists("market"))
}

func TestIngestIsIdempotentOnTopic(t *testing.T) {
	bridge, registry := testBridge(t)

	bridge.ingest("pubsub.orders", []byte(`{"n":1}`))
	bridge.ingest("pubsub.orders", []byte(`{"n":2}`))

	assert.Equal(t, 1, registry.TopicCount())
	assert.Equal(t, int64(2), registry.Stats()["orders"].MessageCount)
}

func TestIngestDropsInvalidTopicName(t *testing.T) {
	bridge, registry := testBridge(t)

	bridge.ingest("pubsub.bad~name", []byte(`{}`))

	assert.Zero(t, registry.TopicCount())
}

func TestIngestDropsNonJSONPayload(t *testing.T) {
	bridge, registry := testBridge(t)

	bridge.ingest("pubsub.orders", []byte("\x01\x02 not json"))

	assert.False(t, registry.Exists("orders"))
}

func TestIngestPreservesPayloadBytes(t *testing.T) {
	bridge, registry := testBridge(t)

	payload := []byte(`{"nested":{"a":[1,2,3]},"s":"x"}`)
	bridge.ingest("pubsub.orders", payload)

	topic, ok := registry.Lookup("orders")
	require.True(t, ok)
	replay := topic.Replay(1)
	require.Len(t, replay, 1)
	assert.Equal(t, json.RawMessage(payload), replay[0].Data)
}

func TestIngestAfterRegistryShutdownDrops(t *testing.T) {
	bridge, registry := testBridge(t)

	bridge.ingest("pubsub.orders", []byte(`{"n":1}`))
	registry.ShutdownAll()

	bridge.ingest("pubsub.orders", []byte(`{"n":2}`))
	assert.Zero(t, registry.TopicCount(), "late ingest must not resurrect topics")
}

func TestNewFailsFastWhenUnreachable(t *testing.T) {
	_, registry := testBridge(t)

	bridge, err := New("nats://127.0.0.1:1", "pubsub.", registry, zerolog.Nop())
	require.Error(t, err)
	assert.Nil(t, bridge)
	assert.Contains(t, err.Error(), "failed to connect to NATS")
}
