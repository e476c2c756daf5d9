// Package api provides the HTTP surface for workshopd: job submission,
// status polling, archive delivery, cleanup, live log streaming, and
// observer-session issuance.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/workshopd/internal/config"
	"github.com/ternarybob/workshopd/pkg/logbus"
	"github.com/ternarybob/workshopd/pkg/obssession"
	"github.com/ternarybob/workshopd/pkg/orchestrator"
	"github.com/ternarybob/workshopd/pkg/registry"
	"github.com/ternarybob/workshopd/pkg/scraper"
)

// Server represents the API server.
type Server struct {
	cfg      *config.Config
	router   chi.Router
	registry *registry.Registry
	orch     *orchestrator.Orchestrator
	scraper  *scraper.Scraper
	bus      *logbus.Bus
	sessions *obssession.Store
	logger   arbor.ILogger
}

// NewServer creates a new API server wired to the download pipeline.
func NewServer(cfg *config.Config, reg *registry.Registry, orch *orchestrator.Orchestrator, scr *scraper.Scraper, bus *logbus.Bus, sessions *obssession.Store, logger arbor.ILogger) *Server {
	s := &Server{
		cfg:      cfg,
		registry: reg,
		orch:     orch,
		scraper:  scr,
		bus:      bus,
		sessions: sessions,
		logger:   logger,
	}

	s.setupRouter()
	return s
}

// setupRouter configures all routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.API.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		ExposedHeaders:   []string{"Content-Range", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if s.cfg.API.APIKey != "" {
		r.Use(s.apiKeyAuth)
	}

	r.Get("/health", s.handleHealth)
	r.Get("/version", s.handleVersion)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleListJobs)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleStatus)
			r.Delete("/", s.handleCleanup)
			r.Get("/archive", s.handleFetch)
		})
	})

	r.Post("/admin/sessions", s.handleIssueSession)
	r.Get("/logs/stream", s.handleLogStream)

	s.router = r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// apiKeyAuth is middleware that validates an API key on every route except
// health/version.
func (s *Server) apiKeyAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/version" {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = r.URL.Query().Get("api_key")
		}

		if apiKey != s.cfg.API.APIKey {
			writeError(w, http.StatusUnauthorized, "Invalid or missing API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}
