package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/decision"
	"github.com/JakeFAU/catalog-sync/internal/metrics"
	"github.com/JakeFAU/catalog-sync/internal/middleware"
	"github.com/JakeFAU/catalog-sync/internal/run"
)

// StatusProvider reports the live state of the run.
type StatusProvider interface {
	Status() run.Status
}

// DecisionBoard lists and answers pending operator decisions.
type DecisionBoard interface {
	Pending() []decision.Request
	Resolve(id, choice string) error
}

// Server wires HTTP handlers to the running sync.
type Server struct {
	router    chi.Router
	status    StatusProvider
	decisions DecisionBoard
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. decisions may be nil.
func NewServer(status StatusProvider, decisions DecisionBoard, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{status: status, decisions: decisions, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Metrics)
	r.Use(middleware.Logger(logger))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/run", s.getRun)
		r.Route("/decisions", func(r chi.Router) {
			r.Get("/", s.listDecisions)
			r.Post("/{decision_id}", s.answerDecision)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ops server started", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("ops server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops server shutdown: %w", err)
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getRun(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "no run in progress")
		return
	}
	writeJSON(w, http.StatusOK, s.status.Status())
}

func (s *Server) listDecisions(w http.ResponseWriter, _ *http.Request) {
	pending := []decision.Request{}
	if s.decisions != nil {
		pending = append(pending, s.decisions.Pending()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": pending})
}

type answerRequest struct {
	Choice string `json:"choice"`
}

func (s *Server) answerDecision(w http.ResponseWriter, r *http.Request) {
	if s.decisions == nil {
		writeError(w, http.StatusNotFound, "decision not found")
		return
	}
	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Choice == "" {
		writeError(w, http.StatusBadRequest, "missing choice")
		return
	}
	id := chi.URLParam(r, "decision_id")
	err := s.decisions.Resolve(id, req.Choice)
	switch {
	case errors.Is(err, decision.ErrNotFound):
		writeError(w, http.StatusNotFound, "decision not found")
		return
	case errors.Is(err, decision.ErrInvalidChoice):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("operator decision answered", zap.String("decision_id", id), zap.String("choice", req.Choice))
	writeJSON(w, http.StatusOK, map[string]string{"decision_id": id, "choice": req.Choice})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
