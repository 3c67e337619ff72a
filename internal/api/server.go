// Package api exposes the engine over HTTP: a run endpoint for ticks and
// test triggers, task outcome reporting, and read endpoints for operators.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"flowline/internal/engine"
	"flowline/internal/store"
	"flowline/pkg/schema"
)

// ProcessorRunner runs one queue processing pass.
type ProcessorRunner interface {
	Run(ctx context.Context) (*engine.RunResult, error)
}

// Triggerer starts and resumes instances.
type Triggerer interface {
	Test(ctx context.Context, workflowID, cardID string) (*engine.TestResult, error)
	Start(ctx context.Context, workflowID, cardID string) (*store.Instance, error)
	TaskOutcome(ctx context.Context, taskID, outcome string) error
}

// Reader is the read-only store surface the API serves.
type Reader interface {
	GetWorkflow(ctx context.Context, id string) (*store.Workflow, error)
	GetInstance(ctx context.Context, id string) (*store.Instance, error)
	ListLogs(ctx context.Context, instanceID string, limit int) ([]*store.LogEntry, error)
	FailedQueueItems(ctx context.Context, limit int) ([]*store.QueueItem, error)
}

// WorkflowWriter persists validated workflow definitions.
type WorkflowWriter interface {
	CreateWorkflow(ctx context.Context, wf *store.Workflow) error
}

// DefinitionValidator validates raw definition documents.
type DefinitionValidator interface {
	ValidateJSON(ctx context.Context, raw json.RawMessage) (*schema.WorkflowDefinition, error)
}

// Server is the HTTP surface of the engine.
type Server struct {
	processor ProcessorRunner
	trigger   Triggerer
	reader    Reader
	writer    WorkflowWriter
	validator DefinitionValidator
	logger    *slog.Logger
	mux       *http.ServeMux
}

// NewServer wires the routes.
func NewServer(p ProcessorRunner, t Triggerer, r Reader, w WorkflowWriter, v DefinitionValidator, logger *slog.Logger) *Server {
	s := &Server{
		processor: p,
		trigger:   t,
		reader:    r,
		writer:    w,
		validator: v,
		logger:    logger,
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("POST /run", s.handleRun)
	s.mux.HandleFunc("POST /workflows", s.handleCreateWorkflow)
	s.mux.HandleFunc("GET /workflows/{id}", s.handleGetWorkflow)
	s.mux.HandleFunc("GET /instances/{id}", s.handleGetInstance)
	s.mux.HandleFunc("GET /instances/{id}/logs", s.handleInstanceLogs)
	s.mux.HandleFunc("POST /tasks/{id}/outcome", s.handleTaskOutcome)
	s.mux.HandleFunc("GET /queue/failed", s.handleFailedItems)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// runRequest is the POST /run body. An empty body (or empty action) runs one
// processing pass; action "trigger_test" starts a synchronous dry run.
type runRequest struct {
	Action     string `json:"action,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	CardID     string `json:"card_id,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}
	}

	switch req.Action {
	case "", "process":
		result, err := s.processor.Run(r.Context())
		if err != nil {
			s.logger.ErrorContext(r.Context(), "processing pass failed", "error", err)
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, result)

	case "trigger_test":
		if req.WorkflowID == "" || req.CardID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "workflow_id and card_id are required"})
			return
		}
		result, err := s.trigger.Test(r.Context(), req.WorkflowID, req.CardID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case "trigger_start":
		if req.WorkflowID == "" || req.CardID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "workflow_id and card_id are required"})
			return
		}
		inst, err := s.trigger.Start(r.Context(), req.WorkflowID, req.CardID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, inst)

	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown action " + req.Action})
	}
}

type createWorkflowRequest struct {
	ID         string          `json:"id,omitempty"`
	Name       string          `json:"name"`
	Enabled    bool            `json:"enabled"`
	Definition json.RawMessage `json:"definition"`
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if len(req.Definition) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "definition is required"})
		return
	}

	def, err := s.validator.ValidateJSON(r.Context(), req.Definition)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	wf := &store.Workflow{
		ID:         req.ID,
		Name:       req.Name,
		Enabled:    req.Enabled,
		Definition: *def,
	}
	if err := s.writer.CreateWorkflow(r.Context(), wf); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.reader.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.reader.GetInstance(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleInstanceLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.reader.ListLogs(r.Context(), r.PathValue("id"), 200)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

type taskOutcomeRequest struct {
	Outcome string `json:"outcome"`
}

func (s *Server) handleTaskOutcome(w http.ResponseWriter, r *http.Request) {
	var req taskOutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if req.Outcome == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "outcome is required"})
		return
	}

	if err := s.trigger.TaskOutcome(r.Context(), r.PathValue("id"), req.Outcome); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleFailedItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.reader.FailedQueueItems(r.Context(), 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// writeError maps FlowError codes to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	body := map[string]any{"error": err.Error()}

	var ferr *schema.FlowError
	if errors.As(err, &ferr) {
		body["code"] = ferr.Code
		switch ferr.Code {
		case schema.ErrCodeValidation:
			status = http.StatusBadRequest
		case schema.ErrCodeNotFound:
			status = http.StatusNotFound
		case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
			status = http.StatusConflict
		}
	}

	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
