package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snarg/callflow/internal/config"
	"github.com/snarg/callflow/internal/database"
	"github.com/snarg/callflow/internal/ingest"
	"github.com/snarg/callflow/internal/metrics"
	"github.com/snarg/callflow/internal/notify"
)

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(cfg *config.Config, db *database.DB, coord *ingest.Coordinator, notifier *notify.Notifier, mqtt ConnChecker, aiStats AIStats, version string, startTime time.Time, log zerolog.Logger) *Server {
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(log))
	r.Use(CORS)
	r.Use(metrics.InstrumentHandler)

	// Unauthenticated: liveness and scrape endpoints
	health := NewHealthHandler(db, mqtt, aiStats, version, startTime)
	r.Get("/health", health.ServeHTTP)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(cfg.AuthToken))

		calls := NewCallsHandler(coord, db)
		r.Route("/v1", calls.Routes)

		ws := NewWSHandler(notifier, log)
		r.Get("/ws/dashboard", ws.ServeHTTP)
	})

	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: log,
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
