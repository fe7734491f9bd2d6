// Package api serves the run history and a live stream of run events over
// HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hochfrequenz/devicerun/internal/resultstore"
)

// Store is the read side of the run history
type Store interface {
	ListRuns(opts resultstore.ListOptions) ([]resultstore.Run, error)
	GetRun(idOrPrefix string) (resultstore.Run, error)
	TestResults(runID string) ([]resultstore.TestRow, error)
	FlakyTests(lastRuns, limit int) ([]resultstore.FlakyStat, error)
}

// Server is the HTTP API server
type Server struct {
	store  Store
	addr   string
	router chi.Router
	sseHub *SSEHub
	logger *slog.Logger
}

// NewServer creates a new API server
func NewServer(store Store, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:  store,
		addr:   addr,
		router: chi.NewRouter(),
		sseHub: NewSSEHub(),
		logger: logger.With("component", "api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/api/runs", s.listRunsHandler())
	s.router.Get("/api/runs/{id}", s.getRunHandler())
	s.router.Get("/api/flaky", s.flakyHandler())
	s.router.Get("/api/events", s.sseHandler())
}

// Handler returns the routes for embedding in another server
func (s *Server) Handler() http.Handler {
	return s.router
}

// Events is the listener that feeds /api/events
func (s *Server) Events() *SSEHub {
	return s.sseHub
}

// Start serves until ctx is done
func (s *Server) Start(ctx context.Context) error {
	go s.sseHub.Run(ctx)

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api listening", "addr", s.addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
