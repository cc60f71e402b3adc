// Package ws carries the duplex session layer: gobwas-based WebSocket
// upgrade, one read and one write pump per session, and the frame
// grammar clients speak (subscribe, unsubscribe, publish, ping).
package ws

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	gobwas "github.com/gobwas/ws"
	"github.com/nats-io/nuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/pubsub/internal/broker"
	"github.com/adred-codev/pubsub/internal/limits"
	"github.com/adred-codev/pubsub/internal/monitoring"
)

// Handler upgrades HTTP requests into broker sessions and tracks them
// for shutdown.
type Handler struct {
	registry *broker.Registry
	guard    *limits.ResourceGuard
	logger   zerolog.Logger

	shuttingDown atomic.Bool
	sessions     sync.Map // *Session -> struct{}
}

func NewHandler(registry *broker.Registry, guard *limits.ResourceGuard, logger zerolog.Logger) *Handler {
	return &Handler{
		registry: registry,
		guard:    guard,
		logger:   logger.With().Str("component", "ws").Logger(),
	}
}

// HandleUpgrade admits, upgrades and starts one session.
func (h *Handler) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	clientIP := getClientIP(r)

	if h.shuttingDown.Load() {
		h.logger.Debug().
			Str("client_ip", clientIP).
			Msg("Connection rejected: server shutting down")
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if accept, reason := h.guard.ShouldAcceptConnection(); !accept {
		h.logger.Warn().
			Str("client_ip", clientIP).
			Int64("current_connections", h.guard.CurrentConnections()).
			Str("reason", reason).
			Msg("Connection rejected by resource guard")
		http.Error(w, "Server overloaded", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := gobwas.UpgradeHTTP(r, w)
	if err != nil {
		h.logger.Error().
			Err(err).
			Str("client_ip", clientIP).
			Str("user_agent", r.Header.Get("User-Agent")).
			Msg("WebSocket upgrade failed")
		return
	}

	session := newSession(nuid.Next(), conn, h, h.guard.SessionLimiter(), h.logger)
	h.sessions.Store(session, struct{}{})
	current := h.guard.ConnectionOpened()

	h.logger.Info().
		Str("client_id", session.id).
		Str("client_ip", clientIP).
		Int64("current_connections", current).
		Msg("Session connected")

	session.sendInfo("Connected with client_id: " + session.id)

	go session.writePump()
	go session.readPump()
}

func (h *Handler) removeSession(s *Session) {
	h.sessions.Delete(s)
}

// SessionCount returns the number of live sessions.
func (h *Handler) SessionCount() int {
	n := 0
	h.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Shutdown stops accepting upgrades and closes every live session.
func (h *Handler) Shutdown() {
	h.shuttingDown.Store(true)

	closed := 0
	h.sessions.Range(func(key, _ any) bool {
		if s, ok := key.(*Session); ok {
			s.terminate(monitoring.DisconnectReasonServerShutdown, monitoring.DisconnectInitiatedByServer)
			closed++
		}
		return true
	})

	h.logger.Info().Int("sessions_closed", closed).Msg("Session layer shut down")
}

// getClientIP extracts the client IP, preferring X-Forwarded-For when a
// proxy sits in front.
func getClientIP(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
