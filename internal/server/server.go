// Package server exposes the job API, the progress stream, and the
// metrics endpoint over one HTTP mux.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/clipsmith/clipsmith/internal/jobs"
	"github.com/clipsmith/clipsmith/internal/stream"
	"github.com/clipsmith/clipsmith/internal/telemetry"
)

// Server wires the HTTP surface. Jobs run in the background; clients
// follow them over the websocket stream or by polling status.
type Server struct {
	manager      *jobs.Manager
	runner       *jobs.Runner
	systemPrompt string
	logger       *slog.Logger
	mux          *http.ServeMux
	server       *http.Server
	startTime    time.Time
}

func New(manager *jobs.Manager, runner *jobs.Runner, systemPrompt string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		manager:      manager,
		runner:       runner,
		systemPrompt: systemPrompt,
		logger:       logger,
		startTime:    time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /api/jobs", s.handleCreateJob)
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", s.handleCancelJob)
	mux.Handle("GET /ws/progress", stream.NewServer(manager, logger))
	mux.Handle("GET /metrics", telemetry.Handler())

	s.mux = mux
	return s
}

// Handler returns the HTTP handler for use with httptest or custom servers.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.mux,
	}
	s.logger.Info("server starting", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"uptime": time.Since(s.startTime).String(),
	})
}

type createJobRequest struct {
	SessionID string `json:"session_id"`
	Input     string `json:"input"`
	JobType   string `json:"job_type,omitempty"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body")
		return
	}
	if req.SessionID == "" || req.Input == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "session_id and input are required")
		return
	}
	if req.JobType == "" {
		req.JobType = "video_edit"
	}

	job := jobs.NewJob(req.SessionID, req.JobType, map[string]any{"input": req.Input})
	if err := s.manager.Create(job); err != nil {
		writeError(w, http.StatusInternalServerError, "create_failed", err.Error())
		return
	}

	// The request context dies with the response; the job must not.
	go func() {
		_, err := s.runner.Run(context.Background(), jobs.RunInput{
			Job:          job,
			SystemPrompt: s.systemPrompt,
			RawInput:     req.Input,
		})
		if err != nil {
			s.logger.Warn("job finished with error", "job_id", job.ID, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":     job.ID,
		"session_id": job.SessionID,
		"status":     job.Status.State,
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	session := r.URL.Query().Get("session_id")
	if session == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "session_id is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.manager.ListBySession(session)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.manager.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "No such job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.manager.Get(id); !ok {
		writeError(w, http.StatusNotFound, "not_found", "No such job")
		return
	}
	if err := s.manager.SendControl(id, jobs.Control{Kind: jobs.ControlCancel}); err != nil {
		writeError(w, http.StatusConflict, "not_cancellable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "cancelling": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error":   code,
		"message": message,
	})
}
