// Package server provides the HTTP server and routing for Helmsman.
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

	"github.com/jvallis/helmsman/internal/aggregation"
	"github.com/jvallis/helmsman/internal/database"
	"github.com/jvallis/helmsman/internal/events"
	"github.com/jvallis/helmsman/internal/indicators"
	"github.com/jvallis/helmsman/internal/rebalancing"
)

// Config holds server configuration
type Config struct {
	Log         zerolog.Logger
	Port        int
	DevMode     bool
	DataDir     string
	SessionsDB  *database.DB
	HistoryDB   *database.DB
	Coordinator *aggregation.Coordinator
	EventBus    *events.Bus
	History     *indicators.HistoryRepository
	Targets     *rebalancing.TargetRepository
}

// Server represents the HTTP server
type Server struct {
	router         *chi.Mux
	server         *http.Server
	log            zerolog.Logger
	sessionsDB     *database.DB
	historyDB      *database.DB
	coordinator    *aggregation.Coordinator
	eventBus       *events.Bus
	history        *indicators.HistoryRepository
	targets        *rebalancing.TargetRepository
	systemHandlers *SystemHandlers
	startedAt      time.Time
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		log:         cfg.Log.With().Str("component", "server").Logger(),
		sessionsDB:  cfg.SessionsDB,
		historyDB:   cfg.HistoryDB,
		coordinator: cfg.Coordinator,
		eventBus:    cfg.EventBus,
		history:     cfg.History,
		targets:     cfg.Targets,
		startedAt:   time.Now().UTC(),
	}
	s.systemHandlers = NewSystemHandlers(cfg.Log, cfg.DataDir, []*database.DB{cfg.SessionsDB, cfg.HistoryDB}, s.startedAt)

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

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	// Health check (kept outside /api for load balancers)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		// Live event stream (websocket)
		eventsHandler := NewEventsSocketHandler(s.eventBus, s.log)
		r.Get("/events/ws", eventsHandler.ServeHTTP)

		// Aggregation sessions
		r.Post("/fanout", s.handleStartFanout)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Post("/cancel", s.handleCancelSession)
		})

		// Strategy tooling
		r.Post("/strategies/validate", s.handleValidateStrategy)

		// Price history ingestion
		r.Put("/history/{symbol}", s.handleUpsertHistory)

		// Consolidated rebalancing targets
		r.Get("/portfolio/targets", s.handleGetTargets)

		// System monitoring
		r.Get("/system/status", s.systemHandlers.HandleSystemStatus)
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// loggingMiddleware logs HTTP requests
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
