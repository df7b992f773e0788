package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/presagehq/presage/internal/engine"
	"github.com/presagehq/presage/internal/model"
	"github.com/presagehq/presage/internal/store"
)

const maxBodySize = 1 << 20 // 1 MB

// startWorkflowRequest is the JSON body for POST /v1/workflows. An empty
// workflow_id starts a fresh workflow under a generated id; a known id
// resumes from its checkpoint.
type startWorkflowRequest struct {
	WorkflowID string                        `json:"workflow_id"`
	Domain     string                        `json:"domain"`
	Pending    []string                      `json:"pending"`
	Goals      []model.Goal                  `json:"goals"`
	Context    map[string]model.ContextValue `json:"context"`
}

// predictionsResponse wraps the ranked candidate list for a workflow.
type predictionsResponse struct {
	WorkflowID string            `json:"workflow_id"`
	Candidates []model.Candidate `json:"candidates"`
}

// reportOutcomeRequest is the JSON body for POST /v1/workflows/{id}/outcomes:
// the real next step the driver decided on. The optional success flag
// overrides reward attribution when the driver judges the step's usefulness
// differently from its raw execution result.
type reportOutcomeRequest struct {
	Capability string                        `json:"capability"`
	Args       map[string]model.ContextValue `json:"args"`
	Success    *bool                         `json:"success"`
}

func (s *Server) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req startWorkflowRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	state, err := s.engine.StartWorkflow(r.Context(), engine.StartRequest{
		WorkflowID: req.WorkflowID,
		Domain:     req.Domain,
		Pending:    req.Pending,
		Goals:      req.Goals,
		Context:    req.Context,
	})
	if err != nil {
		s.logger.Error("start workflow", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to start workflow")
		return
	}

	s.writeJSON(w, http.StatusCreated, state)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	state, err := s.engine.State(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		s.logger.Error("get workflow", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get workflow")
		return
	}

	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handlePredictNext(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	candidates, err := s.engine.PredictNext(r.Context(), id)
	if errors.Is(err, engine.ErrWorkflowNotFound) {
		s.writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		s.logger.Error("predict next", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to predict next step")
		return
	}

	if candidates == nil {
		candidates = []model.Candidate{}
	}
	s.writeJSON(w, http.StatusOK, predictionsResponse{WorkflowID: id, Candidates: candidates})
}

func (s *Server) handleReportOutcome(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req reportOutcomeRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Capability == "" {
		s.writeError(w, http.StatusBadRequest, "capability is required")
		return
	}

	result, err := s.engine.ReportOutcome(r.Context(), id, req.Capability, req.Args, req.Success)
	if errors.Is(err, engine.ErrWorkflowNotFound) {
		s.writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		s.logger.Error("report outcome", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to report outcome")
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCompleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	final, err := s.engine.CompleteWorkflow(r.Context(), id)
	if errors.Is(err, engine.ErrWorkflowNotFound) {
		s.writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		s.logger.Error("complete workflow", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to complete workflow")
		return
	}

	s.writeJSON(w, http.StatusOK, final)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
