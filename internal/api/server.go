// Package api implements the coordinator's HTTP surface: the sync
// endpoints the CLI dispatches to, server-authoritative consensus and
// gated-merge approval.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/gitswarm/gitswarm/internal/core"
	"github.com/gitswarm/gitswarm/internal/logging"
	"github.com/gitswarm/gitswarm/internal/policy"
	"github.com/gitswarm/gitswarm/internal/store"
)

// Server is the coordinator HTTP server.
type Server struct {
	router chi.Router
	store  *store.Store
	policy *policy.Engine
	logger *logging.Logger
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a coordinator server over the shared policy store.
func NewServer(st *store.Store, pol *policy.Engine, opts ...Option) *Server {
	s := &Server{
		store:  st,
		policy: pol,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(s.loggingMiddleware)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	r.Use(corsHandler.Handler)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/ping", s.handlePing)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/repos/register", s.handleRegisterRepo)
			r.Get("/repos/{repoID}/config", s.handleRepoConfig)
			r.Post("/consensus/check", s.handleCheckConsensus)
			r.Post("/merges/request", s.handleRequestMerge)

			r.Route("/sync", func(r chi.Router) {
				r.Post("/batch", s.handleBatch)
				r.Post("/poll", s.handlePoll)
				r.Post("/stream-created", s.syncHandler("stream_created"))
				r.Post("/commit", s.syncHandler("commit"))
				r.Post("/submit-for-review", s.syncHandler("submit_for_review"))
				r.Post("/review", s.syncHandler("review"))
				r.Post("/merge-completed", s.syncHandler("merge_completed"))
				r.Post("/merge-requested", s.syncHandler("merge_requested"))
				r.Post("/stream-abandoned", s.syncHandler("stream_abandoned"))
				r.Post("/stabilization", s.syncHandler("stabilization"))
				r.Post("/promotion", s.syncHandler("promotion"))
				r.Post("/council-proposal", s.syncHandler("council_proposal"))
				r.Post("/council-vote", s.syncHandler("council_vote"))
				r.Post("/stage-progression", s.syncHandler("stage_progression"))
				r.Post("/task-submission", s.syncHandler("task_submission"))
			})
		})
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	})
}

type contextKey string

const agentKey contextKey = "agent"

// authMiddleware resolves the bearer API key to an agent. Keys are only
// ever compared as hashes.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			s.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		key := strings.TrimPrefix(header, "Bearer ")

		agent, err := s.store.AuthenticateAPIKey(r.Context(), key)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		ctx := context.WithValue(r.Context(), agentKey, agent)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func agentFrom(ctx context.Context) *core.Agent {
	agent, _ := ctx.Value(agentKey).(*core.Agent)
	return agent
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"pong": true,
		"time": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("encoding response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps a domain error onto an HTTP status.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch core.GetCategory(err) {
	case core.ErrCatNotFound:
		status = http.StatusNotFound
	case core.ErrCatValidation:
		status = http.StatusUnprocessableEntity
	case core.ErrCatPermission:
		status = http.StatusForbidden
	case core.ErrCatState, core.ErrCatConcurrency:
		status = http.StatusConflict
	case core.ErrCatConsensus:
		status = http.StatusPreconditionFailed
	case core.ErrCatTimeout:
		status = http.StatusGatewayTimeout
	}
	s.writeError(w, status, err.Error())
}
