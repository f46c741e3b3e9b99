package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fentz26/ninjateam/internal/logging"
	"github.com/fentz26/ninjateam/internal/models"
	"github.com/fentz26/ninjateam/internal/observability"
)

// maxBodyBytes bounds execute and sub-build request bodies.
const maxBodyBytes = 1 << 30

// Server provides the HTTP API of a build agent.
type Server struct {
	worker  *Worker
	addr    string
	r       *chi.Mux
	server  *http.Server
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewServer creates a new HTTP server for worker.
func NewServer(worker *Worker, addr string, metrics *observability.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		worker:  worker,
		addr:    addr,
		r:       chi.NewRouter(),
		metrics: metrics,
		logger:  logging.OrDiscard(logger),
	}
	s.r.Use(middleware.RequestID)
	s.r.Use(middleware.Recoverer)
	s.routes()
	return s
}

func (s *Server) routes() {
	s.r.Get("/v1/health", s.handleHealth)
	s.r.Get("/v1/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": models.Version})
	})
	s.r.Post("/v1/execute", s.handleExecute)
	s.r.Post("/v1/build", s.handleSubBuild)
	s.r.Post("/v1/shutdown", s.handleShutdown)
	if s.metrics != nil {
		s.r.Handle("/metrics", s.metrics.Handler())
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.r }

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.r,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: execute responses stay open for the length of
		// the unit and are bounded by the request's own timeout.
	}

	s.logger.Info("starting agent", "addr", s.addr, "version", models.Version)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.worker.Health(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := decode(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
		http.Error(w, "invalid cbor: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := s.worker.Execute(r.Context(), &req)
	if err != nil {
		s.writeError(w, req.UnitID, err)
		return
	}
	writeCBOR(w, resp)
}

func (s *Server) handleSubBuild(w http.ResponseWriter, r *http.Request) {
	var req SubBuildRequest
	if err := decode(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
		http.Error(w, "invalid cbor: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := s.worker.SubBuild(r.Context(), &req)
	if err != nil {
		s.writeError(w, req.UnitID, err)
		return
	}
	writeCBOR(w, resp)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusAccepted)
	// Respond before the owner tears the listener down.
	go s.worker.Shutdown(context.Background())
}

func (s *Server) writeError(w http.ResponseWriter, unitID string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, ErrShuttingDown):
		status = http.StatusServiceUnavailable
	case errors.Is(err, ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, ErrBadPath):
		status = http.StatusBadRequest
	case errors.Is(err, ErrNoSubBuilder):
		status = http.StatusNotImplemented
	case errors.Is(err, ErrDepthExceeded):
		status = http.StatusUnprocessableEntity
	}
	s.logger.Warn("request failed", "unit", unitID, "status", status, "error", err)
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeCBOR(w http.ResponseWriter, v interface{}) {
	data, err := Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
