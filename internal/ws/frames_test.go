package ws

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/pubsub/internal/broker"
)

func intPtr(n int) *int { return &n }

func TestSubscribeRequest_Validate(t *testing.T) {
	longName := strings.Repeat("a", maxTopicFieldLength+1)

	tests := []struct {
		name      string
		req       subscribeRequest
		wantField string
	}{
		{"valid", subscribeRequest{Topic: "news"}, ""},
		{"valid with last_n", subscribeRequest{Topic: "news", LastN: intPtr(100)}, ""},
		{"last_n zero", subscribeRequest{Topic: "news", LastN: intPtr(0)}, ""},
		{"last_n at cap", subscribeRequest{Topic: "news", LastN: intPtr(maxReplayLimit)}, ""},
		{"missing topic", subscribeRequest{}, "topic"},
		{"topic too long", subscribeRequest{Topic: longName}, "topic"},
		{"last_n negative", subscribeRequest{Topic: "news", LastN: intPtr(-1)}, "last_n"},
		{"last_n over cap", subscribeRequest{Topic: "news", LastN: intPtr(maxReplayLimit + 1)}, "last_n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := tt.req.validate()
			if tt.wantField == "" {
				assert.Empty(t, errs)
				return
			}
			require.Len(t, errs, 1)
			assert.Equal(t, tt.wantField, errs[0].Field)
		})
	}
}

func TestSubscribeRequest_LastNDefaultsToZero(t *testing.T) {
	assert.Equal(t, 0, subscribeRequest{Topic: "news"}.lastN())
	assert.Equal(t, 7, subscribeRequest{Topic: "news", LastN: intPtr(7)}.lastN())
}

func TestPublishRequest_Validate(t *testing.T) {
	tests := []struct {
		name      string
		req       publishRequest
		wantField string
	}{
		{"valid", publishRequest{Topic: "news", Data: json.RawMessage(`{"k":1}`)}, ""},
		{"explicit null payload", publishRequest{Topic: "news", Data: json.RawMessage(`null`)}, ""},
		{"missing data", publishRequest{Topic: "news"}, "data"},
		{"missing topic", publishRequest{Data: json.RawMessage(`1`)}, "topic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := tt.req.validate()
			if tt.wantField == "" {
				assert.Empty(t, errs)
				return
			}
			require.Len(t, errs, 1)
			assert.Equal(t, tt.wantField, errs[0].Field)
		})
	}
}

func TestUnsubscribeRequest_Validate(t *testing.T) {
	assert.Empty(t, unsubscribeRequest{Topic: "news"}.validate())
	require.Len(t, unsubscribeRequest{}.validate(), 1)
}

func TestEncodeEvent(t *testing.T) {
	msg := &broker.Message{
		Topic:       "news",
		Data:        json.RawMessage(`{"seq":4}`),
		ID:          "msg-4",
		PublishedAt: time.Now(),
	}

	raw, err := encodeEvent(msg)
	require.NoError(t, err)

	var frame map[string]any
	require.NoError(t, json.Unmarshal(raw, &frame))
	assert.Equal(t, "event", frame["type"])
	assert.Equal(t, "news", frame["topic"])
	assert.Equal(t, "msg-4", frame["message_id"])
	assert.Equal(t, map[string]any{"seq": float64(4)}, frame["data"])
}
