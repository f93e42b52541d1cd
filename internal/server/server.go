// Package server exposes the builder's intake REST API: job submission,
// status, cancellation, attempt history, and attestation retrieval.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"modforge/internal/orchestrator"
	"modforge/internal/policy"
	"modforge/internal/store"
)

// Config wires the API server.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Store        *store.Store
	Profiles     *policy.ProfileSet
	Logger       *zap.Logger
	Version      string
	// APIKey enables bearer auth on the /v1 routes when non-empty.
	APIKey string
}

// Server is the intake API server.
type Server struct {
	orch     *orchestrator.Orchestrator
	store    *store.Store
	profiles *policy.ProfileSet
	logger   *zap.Logger
	version  string
	apiKey   string
	router   chi.Router
}

// New creates the API server and its router.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	s := &Server{
		orch:     cfg.Orchestrator,
		store:    cfg.Store,
		profiles: cfg.Profiles,
		logger:   cfg.Logger,
		version:  cfg.Version,
		apiKey:   cfg.APIKey,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/version", s.handleVersion)

	r.Route("/v1", func(r chi.Router) {
		if s.apiKey != "" {
			r.Use(s.bearerAuth)
		}
		r.Get("/profiles", s.handleListProfiles)
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleSubmitJob)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetJob)
				r.Post("/cancel", s.handleCancelJob)
				r.Get("/attempts", s.handleListAttempts)
				r.Get("/attestation", s.handleGetAttestation)
			})
		})
	})

	s.router = r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// bearerAuth validates the Authorization header on /v1 routes.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.apiKey {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}
