package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/foundrymesh/foundry/pkg/auth"
	"github.com/foundrymesh/foundry/pkg/catalog"
	"github.com/foundrymesh/foundry/pkg/config"
	"github.com/foundrymesh/foundry/pkg/dispatch"
	"github.com/foundrymesh/foundry/pkg/log"
	"github.com/foundrymesh/foundry/pkg/metrics"
	"github.com/foundrymesh/foundry/pkg/objectstore"
)

// Server holds the handler dependencies and builds the HTTP router.
// It owns no goroutines; the controller wires the router into an
// http.Server and manages its lifecycle.
type Server struct {
	cfg        config.Config
	store      catalog.Store
	engine     *dispatch.Engine
	objects    *objectstore.Store
	authorizer *auth.Authorizer
	logger     zerolog.Logger
}

// NewServer creates the API server.
func NewServer(cfg config.Config, store catalog.Store, engine *dispatch.Engine, objects *objectstore.Store, authorizer *auth.Authorizer) *Server {
	return &Server{
		cfg:        cfg,
		store:      store,
		engine:     engine,
		objects:    objects,
		authorizer: authorizer,
		logger:     log.WithComponent("api"),
	}
}

// Router assembles the full route tree with middleware applied.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.recoverer)
	r.Use(s.instrument)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", metrics.ReadyHandler())
	r.Get("/live", metrics.LivenessHandler())
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/events", s.handleEvents)

		r.Route("/builds", func(r chi.Router) {
			r.Post("/submit", s.handleSubmit)
			r.Get("/active", s.handleActiveBuilds)

			r.Route("/{buildID}", func(r chi.Router) {
				r.Get("/status", s.handleBuildStatus)
				r.Get("/logs", s.handleGetLogs)
				r.Post("/logs", s.handleAppendLogs)
				r.Get("/download", s.handleDownload)
				r.Post("/cancel", s.handleCancel)
				r.Post("/retry", s.handleRetry)
				r.Get("/source", s.handleSource)
				r.Get("/certs", s.handleCerts)
				r.Get("/certs-secure", s.handleCertsSecure)
				r.Post("/heartbeat", s.handleHeartbeat)
				r.Post("/telemetry", s.handleTelemetry)
			})
		})

		r.Route("/workers", func(r chi.Router) {
			r.Post("/register", s.handleRegisterWorker)
			r.Get("/poll", s.handlePoll)
			r.Post("/upload", s.handleUpload)
		})
	})

	return r
}

// instrument logs each request and records the API metrics. Only the
// method, route pattern, status, size, and timing are recorded; headers
// and query strings never reach the log, so credentials cannot leak.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		label := r.Method + " " + route

		metrics.APIRequestsTotal.WithLabelValues(label, strconv.Itoa(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(label).Observe(elapsed.Seconds())

		s.logger.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", elapsed).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

// recoverer converts handler panics into opaque 500 responses.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().
					Interface("panic", rec).
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("path", r.URL.Path).
					Msg("handler panicked")
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
