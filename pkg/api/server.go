package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/arbiterhq/arbiter/pkg/config"
	"github.com/arbiterhq/arbiter/pkg/events"
	"github.com/arbiterhq/arbiter/pkg/log"
	"github.com/arbiterhq/arbiter/pkg/metrics"
	"github.com/arbiterhq/arbiter/pkg/registry"
	"github.com/arbiterhq/arbiter/pkg/store"
	"github.com/arbiterhq/arbiter/pkg/supervisor"
	"github.com/arbiterhq/arbiter/pkg/task"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// Server is the public HTTP surface of the orchestrator.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	registry *registry.Registry
	tasks    *task.Manager
	sup      *supervisor.Supervisor
	broker   *events.Broker
	logger   zerolog.Logger

	httpSrv *http.Server
}

// NewServer wires the HTTP surface over the core components.
func NewServer(cfg *config.Config, st *store.Store, reg *registry.Registry, tasks *task.Manager, sup *supervisor.Supervisor, broker *events.Broker) *Server {
	s := &Server{
		cfg:      cfg,
		store:    st,
		registry: reg,
		tasks:    tasks,
		sup:      sup,
		broker:   broker,
		logger:   log.WithComponent("api"),
	}
	s.httpSrv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // long polls and websockets manage their own deadlines
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 && !s.cfg.IsProduction() {
		origins = []string{"*"}
	}
	if len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/games", s.handleListGames)
		r.Post("/games", s.handleAddGame)
		r.Post("/games/upload", s.handleUploadGame)
		r.Get("/games/{id}", s.handleGetGame)
		r.Delete("/games/{id}", s.handleDeleteGame)
		r.Get("/games/{id}/as/{format}", s.handleGetGameAs)
		r.Get("/games/{id}/analyses", s.handleGameAnalyses)
		r.Post("/games/{id}/analyses", s.handleRunAnalysis)

		r.Get("/analyses", s.handleListAnalyses)

		r.Get("/tasks", s.handleListTasks)
		r.Post("/tasks", s.handleCreateTask)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Delete("/tasks/{id}", s.handleCancelTask)

		r.Get("/plugins", s.handleListPlugins)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("http server listening")
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// observe records request metrics and an access log line. Health probes are
// excluded to keep the log and the histograms meaningful.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		timer := metrics.NewTimer()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", timer.Elapsed()).
			Msg("request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
