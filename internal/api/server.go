// Package api serves the control plane (REST) and the chat plane
// (WebSocket). Every endpoint except health requires the bearer token
// generated at first startup.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/carapace/carapace/internal/agent"
	"github.com/carapace/carapace/internal/auth"
	"github.com/carapace/carapace/internal/config"
	"github.com/carapace/carapace/internal/gateway"
	"github.com/carapace/carapace/internal/rules"
	"github.com/carapace/carapace/internal/session"
)

// Server is the Carapace HTTP and WebSocket server.
type Server struct {
	cfgLoader  *config.Loader
	sessions   *session.Manager
	ruleStore  *rules.Store
	gw         *gateway.Gateway
	runner     *agent.Runner
	token      string
	mux        *http.ServeMux
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server.
func NewServer(
	cfgLoader *config.Loader,
	sessions *session.Manager,
	ruleStore *rules.Store,
	gw *gateway.Gateway,
	runner *agent.Runner,
	token string,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfgLoader: cfgLoader,
		sessions:  sessions,
		ruleStore: ruleStore,
		gw:        gw,
		runner:    runner,
		token:     token,
		mux:       http.NewServeMux(),
		logger:    logger.With("component", "api.Server"),
	}

	s.registerRoutes()
	return s
}

// authRequired wraps a handler with bearer token authentication.
func (s *Server) authRequired(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		presented := auth.FromAuthorizationHeader(r.Header.Get("Authorization"))
		if presented == "" {
			writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
			return
		}
		if !auth.Verify(s.token, presented) {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r)
	}
}

func (s *Server) registerRoutes() {
	// Sessions
	s.mux.HandleFunc("POST /sessions", s.authRequired(s.handleCreateSession))
	s.mux.HandleFunc("GET /sessions", s.authRequired(s.handleListSessions))
	s.mux.HandleFunc("GET /sessions/{id}", s.authRequired(s.handleGetSession))
	s.mux.HandleFunc("DELETE /sessions/{id}", s.authRequired(s.handleDeleteSession))
	s.mux.HandleFunc("POST /sessions/{id}/reset", s.authRequired(s.handleResetSession))
	s.mux.HandleFunc("GET /sessions/{id}/history", s.authRequired(s.handleSessionHistory))

	// Rules
	s.mux.HandleFunc("GET /rules", s.authRequired(s.handleListRules))
	s.mux.HandleFunc("POST /rules/reload", s.authRequired(s.handleReloadRules))

	// Health is always public.
	s.mux.HandleFunc("GET /health", s.handleHealth)

	// Chat
	s.mux.HandleFunc("GET /chat/{id}", s.handleChat)
}

// Handler returns the HTTP handler, with CORS applied when enabled.
func (s *Server) Handler() http.Handler {
	if s.cfgLoader.Get().Server.CORS {
		return corsMiddleware(s.mux)
	}
	return s.mux
}

// Start serves on addr and blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("server listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds permissive CORS headers for local tooling.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
