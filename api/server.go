// Package api exposes the playbook engine over HTTP: firm-scoped CRUD
// for playbooks and incidents, the execution lifecycle operations, and
// a websocket stream of execution events.
package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"bastion/metrics"
	"bastion/service"
	"bastion/storage"
)

// Config carries the API server settings.
type Config struct {
	Addr               string
	JWTSecret          string
	RateLimitPerMinute int
	RateLimitBurst     int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
}

// Server wires the services into a mux router.
type Server struct {
	cfg        Config
	playbooks  *service.PlaybookService
	executions *service.ExecutionService
	incidents  *service.IncidentService
	db         *storage.SQLite
	hub        *Hub
	limiter    *rateLimiter
	validate   *validator.Validate
	logger     *zap.SugaredLogger

	router *mux.Router
	http   *http.Server
}

// NewServer builds the router. The hub may be shared with the event
// publisher fan-out; pass nil to disable the websocket stream.
func NewServer(
	cfg Config,
	playbooks *service.PlaybookService,
	executions *service.ExecutionService,
	incidents *service.IncidentService,
	db *storage.SQLite,
	hub *Hub,
	logger *zap.SugaredLogger,
) (*Server, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 600
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 50
	}

	s := &Server{
		cfg:        cfg,
		playbooks:  playbooks,
		executions: executions,
		incidents:  incidents,
		db:         db,
		hub:        hub,
		limiter:    newRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitBurst),
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		logger:     logger,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	r := mux.NewRouter()
	r.Use(s.observeMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authMiddleware, s.rateLimitMiddleware)

	// Playbook catalog.
	v1.HandleFunc("/playbooks", s.handleCreatePlaybook).Methods(http.MethodPost)
	v1.HandleFunc("/playbooks", s.handleListPlaybooks).Methods(http.MethodGet)
	v1.HandleFunc("/playbooks/validate", s.handleValidatePlaybook).Methods(http.MethodPost)
	v1.HandleFunc("/playbooks/{id}", s.handleGetPlaybook).Methods(http.MethodGet)
	v1.HandleFunc("/playbooks/{id}", s.handleUpdatePlaybook).Methods(http.MethodPut)
	v1.HandleFunc("/playbooks/{id}", s.handleDeletePlaybook).Methods(http.MethodDelete)
	v1.HandleFunc("/playbooks/{id}/activate", s.handleSetActive(true)).Methods(http.MethodPost)
	v1.HandleFunc("/playbooks/{id}/deactivate", s.handleSetActive(false)).Methods(http.MethodPost)
	v1.HandleFunc("/playbooks/{id}/duplicate", s.handleDuplicatePlaybook).Methods(http.MethodPost)

	// Incidents and matching.
	v1.HandleFunc("/incidents", s.handleReportIncident).Methods(http.MethodPost)
	v1.HandleFunc("/incidents/{id}", s.handleGetIncident).Methods(http.MethodGet)
	v1.HandleFunc("/incidents/{id}/match", s.handleMatchPlaybook).Methods(http.MethodGet)

	// Execution lifecycle.
	v1.HandleFunc("/executions", s.handleStartExecution).Methods(http.MethodPost)
	v1.HandleFunc("/executions", s.handleListExecutions).Methods(http.MethodGet)
	v1.HandleFunc("/executions/stats", s.handleExecutionStats).Methods(http.MethodGet)
	if s.hub != nil {
		// Registered before the {id} routes so "stream" is not read as
		// an execution ID.
		v1.HandleFunc("/executions/stream", s.handleExecutionStream).Methods(http.MethodGet)
	}
	v1.HandleFunc("/executions/{id}", s.handleGetExecution).Methods(http.MethodGet)
	v1.HandleFunc("/executions/{id}/advance", s.handleAdvanceStep).Methods(http.MethodPost)
	v1.HandleFunc("/executions/{id}/skip", s.handleSkipStep).Methods(http.MethodPost)
	v1.HandleFunc("/executions/{id}/retry", s.handleRetryStep).Methods(http.MethodPost)
	v1.HandleFunc("/executions/{id}/abort", s.handleAbortExecution).Methods(http.MethodPost)

	s.router = r
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the HTTP server until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.logger.Infow("API server listening", "addr", s.cfg.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains connections and stops background workers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.close()
	if s.hub != nil {
		_ = s.hub.Close()
	}
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.HealthCheck(); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// observeMiddleware records request metrics and logs slow requests.
func (s *Server) observeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()

		if elapsed := time.Since(start); elapsed > time.Second {
			s.logger.Warnw("Slow request",
				"method", r.Method,
				"route", route,
				"status", sw.status,
				"duration", elapsed)
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrade pass through the wrapped writer.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
