package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adred-codev/pubsub/internal/broker"
)

type topicCreateRequest struct {
	Name string `json:"name"`
}

type topicCreateResponse struct {
	Name    string `json:"name"`
	Created bool   `json:"created"`
}

type healthResponse struct {
	Status                string  `json:"status"`
	UptimeSeconds         float64 `json:"uptime_seconds"`
	TopicCount            int     `json:"topic_count"`
	ActiveSubscriberCount int     `json:"active_subscriber_count"`
}

type statsResponse struct {
	Topics map[string]broker.TopicStats `json:"topics"`
}

// POST /topics
func (s *Server) handleCreateTopic(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !s.accepting.Load() {
		renderJSONError(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	var req topicCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.registry.Create(req.Name); err != nil {
		switch {
		case errors.Is(err, broker.ErrInvalidTopicName):
			renderJSONError(w, "Invalid topic name. Use alphanumeric, underscore, hyphen, or dot only.", http.StatusBadRequest)
		case errors.Is(err, broker.ErrShuttingDown):
			renderJSONError(w, "Server is shutting down", http.StatusServiceUnavailable)
		default:
			s.logger.Error().Err(err).Str("topic", req.Name).Msg("Topic create failed")
			renderJSONError(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	renderJSON(w, topicCreateResponse{Name: req.Name, Created: true}, http.StatusCreated)
}

// DELETE /topics/:name
func (s *Server) handleDeleteTopic(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if !s.accepting.Load() {
		renderJSONError(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	name := p.ByName("name")
	if err := s.registry.Delete(name); err != nil {
		if errors.Is(err, broker.ErrTopicNotFound) {
			renderJSONError(w, fmt.Sprintf("Topic '%s' not found", name), http.StatusNotFound)
			return
		}
		s.logger.Error().Err(err).Str("topic", name).Msg("Topic delete failed")
		renderJSONError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GET /topics
func (s *Server) handleListTopics(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	renderJSON(w, s.registry.List(), http.StatusOK)
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	renderJSON(w, healthResponse{
		Status:                "healthy",
		UptimeSeconds:         s.registry.Uptime().Seconds(),
		TopicCount:            s.registry.TopicCount(),
		ActiveSubscriberCount: s.registry.TotalSubscribers(),
	}, http.StatusOK)
}

// GET /stats
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	renderJSON(w, statsResponse{Topics: s.registry.Stats()}, http.StatusOK)
}

// GET /metrics
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	renderJSON(w, s.registry.Snapshot(), http.StatusOK)
}

// GET /prometheus
func handlePrometheus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	promhttp.Handler().ServeHTTP(w, r)
}

// GET /ws
//
// The upgrade gate mirrors the mutation gate: once shutdown starts, no
// new sessions. The session layer applies its own capacity checks after
// this.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !s.accepting.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.upgrade(w, r)
}
