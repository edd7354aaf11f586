package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lox/coverscast/internal/forecast"
	"github.com/lox/coverscast/internal/jobs"
	"github.com/lox/coverscast/internal/store"
)

type Server struct {
	store          *store.Store
	engine         *forecast.Engine
	runner         *jobs.Runner
	port           string
	allowedOrigins []string
}

func NewServer(store *store.Store, engine *forecast.Engine, runner *jobs.Runner, port string) *Server {
	return &Server{
		store:  store,
		engine: engine,
		runner: runner,
		port:   port,
	}
}

// SetAllowedOrigins enables CORS for the given dashboard origins.
func (s *Server) SetAllowedOrigins(origins []string) {
	s.allowedOrigins = origins
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(s.allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/venues/{venue}", func(r chi.Router) {
			r.Get("/forecasts", s.handleForecasts)
			r.Get("/accuracy", s.handleAccuracy)
			r.Get("/adjustments", s.handleListAdjustments)
			r.Post("/adjustments", s.handleCreateAdjustment)
		})

		r.Post("/overrides", s.handleCreateOverride)
		r.Get("/overrides/quality", s.handleOverrideQuality)
		r.Get("/overrides/{id}", s.handleOverride)

		r.Get("/jobs/runs", s.handleJobRuns)
		r.Get("/jobs/health", s.handleJobHealth)
		r.Post("/jobs/{job}", s.handleRunJob)

		r.Get("/payloads/{id}", s.handlePayload)
	})
	return r
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
