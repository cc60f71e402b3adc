package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/adred-codev/pubsub/internal/broker"
	"github.com/adred-codev/pubsub/internal/monitoring"
)

// handleFrame parses and routes one inbound frame. Bad frames produce
// error frames and never close the session.
func (s *Session) handleFrame(raw []byte) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		if !json.Valid(raw) {
			s.sendError(codeInvalidJSON, "Message must be valid JSON", nil)
		} else {
			s.sendError(codeInvalidMessage, "Message must have a 'type' field", nil)
		}
		return
	}

	typeRaw, ok := fields["type"]
	if !ok {
		s.sendError(codeInvalidMessage, "Message must have a 'type' field", nil)
		return
	}
	var frameType string
	if err := json.Unmarshal(typeRaw, &frameType); err != nil {
		s.sendError(codeUnknownMessageType, "Unknown message type: "+string(typeRaw), nil)
		return
	}

	switch frameType {
	case frameSubscribe:
		s.handleSubscribe(raw)
	case frameUnsubscribe:
		s.handleUnsubscribe(raw)
	case framePublish:
		s.handlePublish(raw)
	case framePing:
		s.respond(pongFrame{Type: framePong})
	default:
		s.sendError(codeUnknownMessageType, "Unknown message type: "+frameType, nil)
	}
}

func (s *Session) handleSubscribe(raw []byte) {
	var req subscribeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.sendError(codeValidationError, "Invalid message format", unmarshalDetails(err))
		return
	}
	if errs := req.validate(); len(errs) > 0 {
		s.sendError(codeValidationError, "Invalid message format", validationDetails(errs))
		return
	}

	ack, err := json.Marshal(ackFrame{
		Type:        frameAck,
		RequestType: frameSubscribe,
		Topic:       req.Topic,
		Message:     "Subscribed to topic '" + req.Topic + "'",
	})
	if err != nil {
		s.internalError(err, "subscribe")
		return
	}

	// The enqueue slot is held across attach so the ack and replay
	// prefix land on the wire before any live batch for the new handle.
	if err := s.acquireSend(context.Background()); err != nil {
		return
	}

	replay, err := s.handler.registry.Subscribe(req.Topic, s.id, s, req.lastN())
	if err != nil {
		s.releaseSend()
		if errors.Is(err, broker.ErrTopicNotFound) {
			s.sendError(codeTopicNotFound, "Topic '"+req.Topic+"' does not exist", nil)
			return
		}
		s.internalError(err, "subscribe")
		return
	}

	queued := s.enqueue(ack)
	for _, m := range replay {
		if !queued {
			break
		}
		frame, err := encodeEvent(m)
		if err != nil {
			monitoring.RecordError(monitoring.ErrorTypeSerialization, monitoring.ErrorSeverityWarning)
			continue
		}
		queued = s.enqueue(frame)
	}
	s.releaseSend()

	if len(replay) > 0 {
		monitoring.AddReplayMessages(len(replay))
	}

	s.logger.Debug().
		Str("topic", req.Topic).
		Int("replay_count", len(replay)).
		Msg("Session subscribed")
}

func (s *Session) handleUnsubscribe(raw []byte) {
	var req unsubscribeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.sendError(codeValidationError, "Invalid message format", unmarshalDetails(err))
		return
	}
	if errs := req.validate(); len(errs) > 0 {
		s.sendError(codeValidationError, "Invalid message format", validationDetails(errs))
		return
	}

	if !s.handler.registry.Unsubscribe(req.Topic, s.id) {
		s.sendError(codeNotSubscribed, "Not subscribed to topic '"+req.Topic+"'", nil)
		return
	}

	s.sendAck(frameUnsubscribe, req.Topic, "Unsubscribed from topic '"+req.Topic+"'")

	s.logger.Debug().
		Str("topic", req.Topic).
		Msg("Session unsubscribed")
}

func (s *Session) handlePublish(raw []byte) {
	var req publishRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.sendError(codeValidationError, "Invalid message format", unmarshalDetails(err))
		return
	}
	if errs := req.validate(); len(errs) > 0 {
		s.sendError(codeValidationError, "Invalid message format", validationDetails(errs))
		return
	}

	count, err := s.handler.registry.Publish(req.Topic, req.Data)
	if err != nil {
		if errors.Is(err, broker.ErrTopicNotFound) {
			s.sendError(codeTopicNotFound, "Topic '"+req.Topic+"' does not exist", nil)
			return
		}
		s.internalError(err, "publish")
		return
	}

	s.sendAck(framePublish, req.Topic, fmt.Sprintf("Published to %d subscriber(s)", count))
}

// respond marshals and queues one control frame.
func (s *Session) respond(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		monitoring.RecordError(monitoring.ErrorTypeSerialization, monitoring.ErrorSeverityWarning)
		return
	}
	s.enqueue(data)
}

func (s *Session) sendInfo(message string) {
	s.respond(infoFrame{Type: frameInfo, Message: message})
}

func (s *Session) sendAck(requestType, topic, message string) {
	s.respond(ackFrame{Type: frameAck, RequestType: requestType, Topic: topic, Message: message})
}

func (s *Session) sendError(code, message string, details map[string]any) {
	s.respond(errorFrame{Type: frameError, Code: code, Message: message, Details: details})
}

func (s *Session) internalError(err error, operation string) {
	s.logger.Error().Err(err).Str("operation", operation).Msg("Frame handling failed")
	monitoring.RecordError(monitoring.ErrorTypeSession, monitoring.ErrorSeverityCritical)
	s.sendError(codeInternal, "Internal server error", nil)
}

// unmarshalDetails shapes a JSON decode failure into the details map on
// a VALIDATION_ERROR frame.
func unmarshalDetails(err error) map[string]any {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return validationDetails([]fieldError{{
			Field:   typeErr.Field,
			Message: "expected " + typeErr.Type.String(),
		}})
	}
	return validationDetails([]fieldError{{Field: "message", Message: err.Error()}})
}
