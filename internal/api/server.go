// Package api exposes the engine over HTTP: submit a task, poll its status,
// list and cancel tasks, and preview a plan without executing it.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/haricheung/taskflow/internal/types"
)

// Version is reported by GET /health. Overridden at build time.
var Version = "dev"

const maxBodyBytes = 1 << 20

// Orchestrator is the engine surface the API drives.
type Orchestrator interface {
	Submit(input string) (string, error)
	Status(id string) (types.Task, error)
	List() []types.Task
	Cancel(id string) (types.Task, error)
	Plan(ctx context.Context, input string) ([]types.PlanStep, error)
}

// Auditor reports invariant findings. Optional.
type Auditor interface {
	Report() types.AuditReport
}

// ExecuteRequest is the POST /execute body.
type ExecuteRequest struct {
	Task    string         `json:"task"`
	Context map[string]any `json:"context,omitempty"`
}

// ExecuteResponse acknowledges a submitted task.
type ExecuteResponse struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// PlanRequest is the POST /plan body.
type PlanRequest struct {
	TaskPlan string `json:"task_plan"`
}

// PlanResponse carries the normalized steps of a plan preview.
type PlanResponse struct {
	Steps []types.PlanStep `json:"steps"`
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Server serves the task API.
type Server struct {
	eng   Orchestrator
	audit Auditor
	mux   *http.ServeMux
}

// NewServer creates a Server. audit may be nil, in which case GET /audit
// answers 404.
func NewServer(eng Orchestrator, audit Auditor) *Server {
	s := &Server{eng: eng, audit: audit, mux: http.NewServeMux()}
	s.routes()
	return s
}

// Handler returns the HTTP handler with request logging applied.
func (s *Server) Handler() http.Handler {
	return logRequests(s.mux)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully within grace.
func (s *Server) ListenAndServe(ctx context.Context, addr string, grace time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[API] listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	log.Printf("[API] shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /execute", s.handleExecute)
	s.mux.HandleFunc("GET /status/{id}", s.handleStatus)
	s.mux.HandleFunc("GET /executions", s.handleExecutions)
	s.mux.HandleFunc("POST /cancel/{id}", s.handleCancel)
	s.mux.HandleFunc("POST /plan", s.handlePlan)
	s.mux.HandleFunc("GET /audit", s.handleAudit)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version})
}

// handleExecute submits a task.
//
// Expectations:
//   - Answers 200 with the new task id and status "pending" before planning finishes
//   - Answers 400 for an empty task or a body that is not JSON
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Task) == "" {
		writeError(w, http.StatusBadRequest, "Task description is required")
		return
	}
	id, err := s.eng.Submit(req.Task)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if len(req.Context) > 0 {
		log.Printf("[API] task=%s submitted with %d context keys (not forwarded)", id, len(req.Context))
	}
	writeJSON(w, http.StatusOK, ExecuteResponse{
		TaskID:  id,
		Status:  string(types.TaskPending),
		Message: "Task execution started",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	t, err := s.eng.Status(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]types.Task)
	for _, t := range s.eng.List() {
		out[t.ID] = t
	}
	writeJSON(w, http.StatusOK, out)
}

// handleCancel stops a task.
//
// Expectations:
//   - Answers 200 with the updated snapshot
//   - Answers 404 for an unknown id and 409 for a finished task
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	t, err := s.eng.Cancel(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handlePlan previews a plan without executing it.
//
// Expectations:
//   - Answers 400 for an empty task_plan
//   - Answers 422 for a malformed plan and 502 when the planner is unavailable
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.TaskPlan) == "" {
		writeError(w, http.StatusBadRequest, "Task plan is required")
		return
	}
	steps, err := s.eng.Plan(r.Context(), req.TaskPlan)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, PlanResponse{Steps: steps})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotFound, "auditor not enabled")
		return
	}
	writeJSON(w, http.StatusOK, s.audit.Report())
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrEmptyTask):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrAlreadyTerminal):
		return http.StatusConflict
	case errors.Is(err, types.ErrMalformedPlan):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrPlanningUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, types.ErrInterrupted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return errors.New("could not read request body")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.New("request body must be a JSON object")
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[API] ERROR encode response: %v", err)
		status = http.StatusInternalServerError
		data, _ = json.Marshal(map[string]string{"error": "response could not be encoded"})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Printf("[API] %s %s → %d (%dms)", r.Method, r.URL.Path, rec.status, time.Since(start).Milliseconds())
	})
}
