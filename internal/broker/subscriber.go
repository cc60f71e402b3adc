package broker

import (
	"context"
	"errors"
	"sync/atomic"
)

// Sink is the outbound side of one subscription. SendBatch must accept
// every message in order or fail the batch as a whole. Implementations
// must be safe to call from the topic's delivery worker; the worker
// never issues more than one SendBatch to the same sink at a time.
type Sink interface {
	SendBatch(ctx context.Context, msgs []*Message) error
}

// SubscriptionCloser is optionally implemented by sinks that want to be
// told when the broker side of a subscription goes away, e.g. because
// the topic was deleted. Implementations must not block.
type SubscriptionCloser interface {
	SubscriptionClosed(topic string)
}

// ErrSubscriberClosed reports a send attempted on a closed handle.
var ErrSubscriberClosed = errors.New("subscriber closed")

// Subscriber binds one client id to one topic through an outbound sink.
// Created on attach, destroyed on detach; a handle is never reused.
type Subscriber struct {
	clientID string
	topic    string
	sink     Sink

	// joinSeq is the topic's newest publish sequence at attach time.
	// The delivery worker only sends messages above this watermark, so
	// the replay prefix handed out at attach cannot be repeated on the
	// live stream.
	joinSeq uint64

	closed atomic.Bool
}

func newSubscriber(clientID, topic string, sink Sink, joinSeq uint64) *Subscriber {
	return &Subscriber{
		clientID: clientID,
		topic:    topic,
		sink:     sink,
		joinSeq:  joinSeq,
	}
}

// ClientID returns the session-assigned client id.
func (s *Subscriber) ClientID() string { return s.clientID }

// Topic returns the topic this handle is attached to.
func (s *Subscriber) Topic() string { return s.topic }

// SendBatch forwards msgs to the sink. Any sink failure marks the
// handle closed and is returned to the caller, which is expected to
// detach the handle.
func (s *Subscriber) SendBatch(ctx context.Context, msgs []*Message) error {
	if s.closed.Load() {
		return ErrSubscriberClosed
	}
	if err := s.sink.SendBatch(ctx, msgs); err != nil {
		s.closed.Store(true)
		return err
	}
	return nil
}

// Close marks the handle closed. Idempotent; does not touch the sink.
func (s *Subscriber) Close() {
	s.closed.Store(true)
}

// IsClosed reports whether the handle was closed.
func (s *Subscriber) IsClosed() bool {
	return s.closed.Load()
}

// notifyClosed tells interested sinks the broker dropped this
// subscription. Fired on topic shutdown, not on send failures the sink
// already observed itself.
func (s *Subscriber) notifyClosed() {
	if sc, ok := s.sink.(SubscriptionCloser); ok {
		sc.SubscriptionClosed(s.topic)
	}
}
