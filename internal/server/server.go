// Package server provides the HTTP API for the orchestrator.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/helmsmanai/helmsman/internal/cache"
	"github.com/helmsmanai/helmsman/internal/config"
	"github.com/helmsmanai/helmsman/internal/database"
	"github.com/helmsmanai/helmsman/internal/events"
	"github.com/helmsmanai/helmsman/internal/marketcal"
	"github.com/helmsmanai/helmsman/internal/metrics"
	"github.com/helmsmanai/helmsman/internal/session"
)

// Config holds everything the HTTP layer serves.
type Config struct {
	Log      zerolog.Logger
	Cfg      *config.Config
	Orch     *session.Orchestrator
	Registry *session.Registry
	Bus      *events.Bus
	DB       *database.DB
	Cache    *cache.Multi
	Metrics  *metrics.Registry
	Calendar *marketcal.Calendar
	Port     int
	DevMode  bool
}

// Server is the HTTP server.
type Server struct {
	router   *chi.Mux
	server   *http.Server
	log      zerolog.Logger
	cfg      *config.Config
	orch     *session.Orchestrator
	registry *session.Registry
	bus      *events.Bus
	db       *database.DB
	cache    *cache.Multi
	metrics  *metrics.Registry
	calendar *marketcal.Calendar
}

// New creates the HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		log:      cfg.Log.With().Str("component", "server").Logger(),
		cfg:      cfg.Cfg,
		orch:     cfg.Orch,
		registry: cfg.Registry,
		bus:      cfg.Bus,
		db:       cfg.DB,
		cache:    cfg.Cache,
		metrics:  cfg.Metrics,
		calendar: cfg.Calendar,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler())
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/events/stream", s.handleEventStream)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleCreateSession)
			r.Get("/", s.handleListSessions)
			r.Get("/{id}", s.handleGetSession)
			r.Post("/{id}/approval", s.handleApproval)
			r.Post("/{id}/cancel", s.handleCancel)
		})

		r.Get("/system", s.handleSystem)
	})
}

// Router exposes the chi mux for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start starts the HTTP server. It blocks until shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
