package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/pubsub/internal/broker"
	"github.com/adred-codev/pubsub/internal/monitoring"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 5 * time.Second

	// Time allowed to read the next frame from the peer.
	pongWait = 30 * time.Second

	// Send protocol pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Outbound frame buffer. A full replay prefix plus its ack fits.
	sendBufferSize = 1024
)

var errSessionClosed = errors.New("session closed")

// Session is one WebSocket client: a read pump decoding and routing
// inbound frames, a write pump owning the connection writer, and a
// broker sink carrying delivered events onto the outbound channel.
type Session struct {
	id      string
	conn    net.Conn
	handler *Handler
	logger  zerolog.Logger

	limiter *rate.Limiter

	send   chan []byte
	closed chan struct{}

	// sendSem serializes multi-frame enqueue sequences so a replay
	// prefix is never interleaved with a live batch.
	sendSem chan struct{}

	closeOnce   sync.Once
	connectedAt time.Time
}

func newSession(id string, conn net.Conn, h *Handler, limiter *rate.Limiter, logger zerolog.Logger) *Session {
	return &Session{
		id:          id,
		conn:        conn,
		handler:     h,
		logger:      logger.With().Str("client_id", id).Logger(),
		limiter:     limiter,
		send:        make(chan []byte, sendBufferSize),
		closed:      make(chan struct{}),
		sendSem:     make(chan struct{}, 1),
		connectedAt: time.Now(),
	}
}

// ClientID returns the server-assigned session identifier.
func (s *Session) ClientID() string {
	return s.id
}

// acquireSend takes the enqueue slot, giving up when ctx expires or the
// session dies.
func (s *Session) acquireSend(ctx context.Context) error {
	select {
	case s.sendSem <- struct{}{}:
		return nil
	case <-s.closed:
		return errSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) releaseSend() {
	<-s.sendSem
}

// enqueue queues one frame, blocking until the write pump drains room
// or the session dies.
func (s *Session) enqueue(frame []byte) bool {
	select {
	case s.send <- frame:
		return true
	case <-s.closed:
		return false
	}
}

// SendBatch implements broker.Sink. Frames are queued in order; the
// whole batch is bounded by ctx, and an expired ctx means the topic
// worker is about to detach this session as a slow consumer.
func (s *Session) SendBatch(ctx context.Context, msgs []*broker.Message) error {
	frames := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		frame, err := encodeEvent(m)
		if err != nil {
			monitoring.RecordError(monitoring.ErrorTypeSerialization, monitoring.ErrorSeverityWarning)
			return err
		}
		frames = append(frames, frame)
	}

	if err := s.acquireSend(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			monitoring.IncrementSlowSubscriberDetached()
		}
		return err
	}
	defer s.releaseSend()

	for _, frame := range frames {
		select {
		case s.send <- frame:
		case <-s.closed:
			return errSessionClosed
		case <-ctx.Done():
			monitoring.IncrementSlowSubscriberDetached()
			return ctx.Err()
		}
	}
	return nil
}

// SubscriptionClosed implements broker.SubscriptionCloser. Called from
// topic shutdown; best effort so deletion never blocks on a backed-up
// session.
func (s *Session) SubscriptionClosed(topic string) {
	frame, err := json.Marshal(errorFrame{
		Type:    frameError,
		Code:    codeTopicNotFound,
		Message: "Topic '" + topic + "' was deleted",
	})
	if err != nil {
		return
	}
	select {
	case s.send <- frame:
	case <-s.closed:
	default:
	}
}

// terminate tears the session down exactly once: connection closed,
// broker handles detached, accounting recorded.
func (s *Session) terminate(reason, initiatedBy string) {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()

		s.handler.removeSession(s)
		s.handler.registry.CleanupClient(s.id)

		duration := time.Since(s.connectedAt)
		remaining := s.handler.guard.ConnectionClosed(reason, initiatedBy, duration)

		s.logger.Info().
			Str("reason", reason).
			Str("initiated_by", initiatedBy).
			Dur("connection_duration", duration).
			Int64("current_connections", remaining).
			Int("send_buffer_len", len(s.send)).
			Msg("Session closed")
	})
}
