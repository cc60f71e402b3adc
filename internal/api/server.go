// Package api serves the HTTP control surface: topic lifecycle, health,
// stats and metrics endpoints, plus the session upgrade route. All
// traffic shares one listener.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"

	"github.com/adred-codev/pubsub/internal/broker"
	"github.com/adred-codev/pubsub/internal/monitoring"
)

// Server holds the underlying http server and its routes.
type Server struct {
	*http.Server
	registry *broker.Registry
	upgrade  http.HandlerFunc
	logger   zerolog.Logger

	// accepting gates mutating routes and new session upgrades. Flipped
	// off first during shutdown; read-only routes keep serving so
	// health checks stay green through the drain.
	accepting atomic.Bool
}

// NewServer wires the control routes. upgrade handles GET /ws and is
// owned by the session layer.
func NewServer(addr string, registry *broker.Registry, upgrade http.HandlerFunc, logger zerolog.Logger) *Server {
	s := &Server{
		registry: registry,
		upgrade:  upgrade,
		logger:   logger.With().Str("component", "api").Logger(),
	}
	s.accepting.Store(true)

	s.Server = &http.Server{
		Addr:           addr,
		Handler:        s.initRouter(),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s
}

func (s *Server) initRouter() *httprouter.Router {
	router := &httprouter.Router{
		RedirectTrailingSlash:  true,
		RedirectFixedPath:      true,
		HandleMethodNotAllowed: true,
	}

	router.POST("/topics", s.handleCreateTopic)
	router.DELETE("/topics/:name", s.handleDeleteTopic)
	router.GET("/topics", s.handleListTopics)
	router.GET("/health", s.handleHealth)
	router.GET("/stats", s.handleStats)
	router.GET("/metrics", s.handleMetrics)
	router.GET("/prometheus", handlePrometheus)
	router.GET("/ws", s.handleUpgrade)

	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		renderJSONError(w, "Not Found", http.StatusNotFound)
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		renderJSONError(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	})
	router.PanicHandler = func(w http.ResponseWriter, r *http.Request, v any) {
		s.logger.Error().
			Str("path", r.URL.Path).
			Str("method", r.Method).
			Interface("panic", v).
			Msg("Handler panicked")
		monitoring.RecordError(monitoring.ErrorTypeHTTP, monitoring.ErrorSeverityCritical)
		renderJSONError(w, "Internal server error", http.StatusInternalServerError)
	}

	return router
}

// Start blocks serving the listener until Shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.Addr).Msg("Control server listening")
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control server: %w", err)
	}
	return nil
}

// StopAccepting flips the accept gate. Create, delete and upgrade
// requests get 503 from here on; reads keep serving.
func (s *Server) StopAccepting() {
	if s.accepting.CompareAndSwap(true, false) {
		s.logger.Info().Msg("Control server no longer accepting mutations")
	}
}

// Accepting reports whether mutating routes are still served.
func (s *Server) Accepting() bool {
	return s.accepting.Load()
}

// Shutdown closes the listener and waits for in-flight requests within
// the context budget.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Control server shutting down")
	return s.Server.Shutdown(ctx)
}
