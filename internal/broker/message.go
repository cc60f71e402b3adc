// Package broker implements the in-memory topic delivery engine: named
// topics with bounded replay history, a per-topic ingest queue drained
// by a background delivery worker, batched concurrent fan-out with
// per-subscriber send timeouts, and the registry that coordinates topic
// lifecycle under concurrency.
package broker

import (
	"encoding/json"
	"errors"
	"regexp"
	"time"

	"github.com/nats-io/nuid"
)

// Errors surfaced to the session layer and the control endpoints.
var (
	ErrInvalidTopicName = errors.New("invalid topic name")
	ErrTopicNotFound    = errors.New("topic not found")
	ErrShuttingDown     = errors.New("broker shutting down")
)

const maxTopicNameLength = 255

var topicNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ValidateTopicName checks the topic name grammar: alphanumeric plus
// underscore, hyphen and dot, 1 to 255 characters.
func ValidateTopicName(name string) error {
	if name == "" || len(name) > maxTopicNameLength {
		return ErrInvalidTopicName
	}
	if !topicNamePattern.MatchString(name) {
		return ErrInvalidTopicName
	}
	return nil
}

// Message is the immutable envelope for one published payload. The
// payload is opaque bytes to the broker; nothing on the delivery path
// decodes it.
type Message struct {
	Topic       string
	Data        json.RawMessage
	ID          string
	PublishedAt time.Time

	// seq orders messages within one topic. Assigned under the topic
	// mutex at publish time and compared against a subscriber's join
	// watermark so its replay prefix stays disjoint from the live
	// stream.
	seq uint64
}

func newMessage(topic string, data json.RawMessage) *Message {
	return &Message{
		Topic:       topic,
		Data:        data,
		ID:          nuid.Next(),
		PublishedAt: time.Now(),
	}
}
