package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/daily-rebalancer/internal/domain"
	"github.com/aristath/daily-rebalancer/internal/execution"
	"github.com/aristath/daily-rebalancer/internal/warmup"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "healthy",
		"executing":  s.orchestrator.IsExecuting(),
		"last_run":   s.orchestrator.LastExecutionDate(),
	})
}

func (s *Server) handleExecutionHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	history, err := s.orchestrator.ExecutionHistory(limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleExecutionDetails(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	record, err := s.orchestrator.ExecutionDetails(executionID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

type triggerRequest struct {
	UserID         string `json:"user_id"`
	CredentialType string `json:"credential_type"`
	Mode           string `json:"mode"`
}

// handleTriggerManual implements spec.md §4.10's TriggerManual entry point:
// an optional single-account override, an optional mode override, rejected
// outright if a run is already executing.
func (s *Server) handleTriggerManual(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	mode := s.defaultMode
	if req.Mode != "" {
		mode = execution.Mode(req.Mode)
	}

	var override *warmup.Override
	if req.UserID != "" {
		credType := domain.CredentialPaper
		if req.CredentialType != "" {
			credType = domain.CredentialType(req.CredentialType)
		}
		override = &warmup.Override{UserID: req.UserID, CredentialType: credType}
	}

	if err := s.orchestrator.TriggerManual(r.Context(), override, mode); err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "completed"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
