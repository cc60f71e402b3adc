// Package natsbridge ingests messages published on NATS subjects into
// broker topics, so upstream services can feed the broker without
// holding a session. A message on subject <prefix><topic> lands on the
// topic of that name, creating it on first use.
package natsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/pubsub/internal/broker"
	"github.com/adred-codev/pubsub/internal/monitoring"
)

const reconnectWait = 2 * time.Second

// Bridge owns one NATS connection and one wildcard subscription under
// the configured subject prefix.
type Bridge struct {
	registry *broker.Registry
	logger   zerolog.Logger
	prefix   string

	conn   *nats.Conn
	sub    *nats.Subscription
	closed chan struct{}
}

// New connects to NATS and starts the ingest subscription. The caller
// decides whether the bridge runs at all; an empty URL never reaches
// here.
func New(url, prefix string, registry *broker.Registry, logger zerolog.Logger) (*Bridge, error) {
	b := &Bridge{
		registry: registry,
		logger:   logger.With().Str("component", "natsbridge").Logger(),
		prefix:   prefix,
		closed:   make(chan struct{}),
	}

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			monitoring.SetNATSConnected(false)
			if err != nil {
				b.logger.Warn().Err(err).Msg("Disconnected from NATS")
				monitoring.RecordError(monitoring.ErrorTypeNATS, monitoring.ErrorSeverityWarning)
			} else {
				b.logger.Info().Msg("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			monitoring.SetNATSConnected(true)
			b.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			monitoring.SetNATSConnected(false)
			b.logger.Info().Msg("NATS connection closed")
			close(b.closed)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			b.logger.Error().Err(err).Msg("NATS async error")
			monitoring.RecordError(monitoring.ErrorTypeNATS, monitoring.ErrorSeverityWarning)
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	b.conn = conn
	monitoring.SetNATSConnected(true)

	subject := prefix + ">"
	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		b.ingest(msg.Subject, msg.Data)
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	b.sub = sub

	b.logger.Info().
		Str("url", url).
		Str("subject", subject).
		Msg("NATS ingest bridge started")
	return b, nil
}

// ingest maps one NATS message onto a topic publish. Topics are created
// on first use; subjects that do not form a valid topic name and
// payloads that are not JSON are dropped.
func (b *Bridge) ingest(subject string, data []byte) {
	topic := strings.TrimPrefix(subject, b.prefix)

	if !json.Valid(data) {
		b.logger.Warn().Str("subject", subject).Msg("Dropping non-JSON NATS payload")
		monitoring.RecordError(monitoring.ErrorTypeNATS, monitoring.ErrorSeverityWarning)
		return
	}

	if err := b.registry.Create(topic); err != nil {
		b.logger.Warn().Err(err).Str("subject", subject).Str("topic", topic).Msg("Dropping NATS message")
		monitoring.RecordError(monitoring.ErrorTypeNATS, monitoring.ErrorSeverityWarning)
		return
	}

	if _, err := b.registry.Publish(topic, json.RawMessage(data)); err != nil {
		b.logger.Warn().Err(err).Str("topic", topic).Msg("NATS ingest publish failed")
		monitoring.RecordError(monitoring.ErrorTypeNATS, monitoring.ErrorSeverityWarning)
		return
	}
	monitoring.IncrementNATSMessages()
}

// Connected reports the connection state, for diagnostics.
func (b *Bridge) Connected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// Shutdown drains the subscription and closes the connection, bounded
// by ctx. Runs before registry teardown so in-flight ingests still land
// on live topics.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.logger.Info().Msg("Draining NATS ingest bridge")
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	select {
	case <-b.closed:
		return nil
	case <-ctx.Done():
		b.conn.Close()
		return ctx.Err()
	}
}
