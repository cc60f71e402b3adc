package ws

import (
	"encoding/json"
	"fmt"

	"github.com/adred-codev/pubsub/internal/broker"
)

// Inbound frame types.
const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	framePublish     = "publish"
	framePing        = "ping"
)

// Outbound frame types.
const (
	frameInfo  = "info"
	frameAck   = "ack"
	frameError = "error"
	framePong  = "pong"
	frameEvent = "event"
)

// Error codes carried on error frames.
const (
	codeTopicNotFound      = "TOPIC_NOT_FOUND"
	codeNotSubscribed      = "NOT_SUBSCRIBED"
	codeInvalidJSON        = "INVALID_JSON"
	codeInvalidMessage     = "INVALID_MESSAGE"
	codeValidationError    = "VALIDATION_ERROR"
	codeUnknownMessageType = "UNKNOWN_MESSAGE_TYPE"
	codeInternal           = "INTERNAL"
	codeRateLimited        = "RATE_LIMIT_EXCEEDED"
)

// maxReplayLimit bounds the last_n field on subscribe frames.
const maxReplayLimit = 1000

// maxTopicFieldLength bounds the topic field on inbound frames. Charset
// is not checked here; unknown names surface as TOPIC_NOT_FOUND.
const maxTopicFieldLength = 255

type infoFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type ackFrame struct {
	Type        string `json:"type"`
	RequestType string `json:"request_type"`
	Topic       string `json:"topic,omitempty"`
	Message     string `json:"message"`
}

type errorFrame struct {
	Type    string         `json:"type"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type pongFrame struct {
	Type string `json:"type"`
}

type eventFrame struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Data      json.RawMessage `json:"data"`
	MessageID string          `json:"message_id"`
}

// encodeEvent renders one delivered message as an event frame.
func encodeEvent(m *broker.Message) ([]byte, error) {
	return json.Marshal(eventFrame{
		Type:      frameEvent,
		Topic:     m.Topic,
		Data:      m.Data,
		MessageID: m.ID,
	})
}

// fieldError describes one failed validation on an inbound frame,
// carried under details.errors on VALIDATION_ERROR frames.
type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func validationDetails(errs []fieldError) map[string]any {
	return map[string]any{"errors": errs}
}

type subscribeRequest struct {
	Topic string `json:"topic"`
	LastN *int   `json:"last_n"`
}

func (r subscribeRequest) validate() []fieldError {
	errs := topicFieldErrors(r.Topic)
	if r.LastN != nil && (*r.LastN < 0 || *r.LastN > maxReplayLimit) {
		errs = append(errs, fieldError{Field: "last_n", Message: fmt.Sprintf("must be between 0 and %d", maxReplayLimit)})
	}
	return errs
}

func (r subscribeRequest) lastN() int {
	if r.LastN == nil {
		return 0
	}
	return *r.LastN
}

type unsubscribeRequest struct {
	Topic string `json:"topic"`
}

func (r unsubscribeRequest) validate() []fieldError {
	return topicFieldErrors(r.Topic)
}

type publishRequest struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

func (r publishRequest) validate() []fieldError {
	errs := topicFieldErrors(r.Topic)
	// Data nil means the field was absent; an explicit JSON null is the
	// non-nil payload "null" and publishes fine.
	if r.Data == nil {
		errs = append(errs, fieldError{Field: "data", Message: "field required"})
	}
	return errs
}

func topicFieldErrors(topic string) []fieldError {
	if topic == "" {
		return []fieldError{{Field: "topic", Message: "field required"}}
	}
	if len(topic) > maxTopicFieldLength {
		return []fieldError{{Field: "topic", Message: fmt.Sprintf("must be at most %d characters", maxTopicFieldLength)}}
	}
	return nil
}
