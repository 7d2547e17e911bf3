package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"bastion/core"
	"bastion/service"
	"bastion/storage"
)

type reportIncidentRequest struct {
	IncidentType string            `json:"incident_type" validate:"required"`
	Category     string            `json:"category"`
	Severity     string            `json:"severity" validate:"required"`
	Title        string            `json:"title" validate:"required"`
	Description  string            `json:"description"`
	Tags         []string          `json:"tags"`
	Labels       map[string]string `json:"labels"`
}

func (s *Server) handleReportIncident(w http.ResponseWriter, r *http.Request) {
	var req reportIncidentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err, s.logger)
		return
	}
	if err := s.checkRequest(&req); err != nil {
		writeError(w, err, s.logger)
		return
	}
	inc, err := s.incidents.ReportIncident(r.Context(), &core.Incident{
		FirmID:       firmID(r),
		IncidentType: req.IncidentType,
		Category:     core.Category(req.Category),
		Severity:     core.Severity(req.Severity),
		Title:        req.Title,
		Description:  req.Description,
		Tags:         req.Tags,
		Labels:       req.Labels,
		ReportedBy:   userID(r),
	})
	if err != nil {
		writeError(w, err, s.logger)
		return
	}
	respondJSON(w, http.StatusCreated, inc)
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := s.incidents.GetIncident(r.Context(), firmID(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err, s.logger)
		return
	}
	respondJSON(w, http.StatusOK, inc)
}

// handleMatchPlaybook answers "which playbook would run for this
// incident". A null body with 200 means nothing matched.
func (s *Server) handleMatchPlaybook(w http.ResponseWriter, r *http.Request) {
	match, err := s.playbooks.MatchPlaybook(r.Context(), firmID(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err, s.logger)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"playbook": match})
}

type startExecutionRequest struct {
	IncidentID string `json:"incident_id" validate:"required"`
	PlaybookID string `json:"playbook_id" validate:"required"`
}

func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	var req startExecutionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err, s.logger)
		return
	}
	if err := s.checkRequest(&req); err != nil {
		writeError(w, err, s.logger)
		return
	}
	e, err := s.executions.StartExecution(r.Context(), firmID(r), req.IncidentID, req.PlaybookID, userID(r))
	if err != nil {
		writeError(w, err, s.logger)
		return
	}
	respondJSON(w, http.StatusCreated, e)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	e, err := s.executions.GetExecution(r.Context(), firmID(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err, s.logger)
		return
	}
	respondJSON(w, http.StatusOK, e)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.ExecutionFilter{
		Status:     q.Get("status"),
		IncidentID: q.Get("incident_id"),
		PlaybookID: q.Get("playbook_id"),
		Limit:      queryInt(q.Get("limit"), 0),
		Offset:     queryInt(q.Get("offset"), 0),
	}
	execs, total, err := s.executions.ListExecutions(r.Context(), firmID(r), filter)
	if err != nil {
		writeError(w, err, s.logger)
		return
	}
	respondJSON(w, http.StatusOK, listResponse{
		Items:  execs,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

func (s *Server) handleExecutionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.executions.GetExecutionStats(r.Context(), firmID(r))
	if err != nil {
		writeError(w, err, s.logger)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

type advanceStepRequest struct {
	Success bool           `json:"success"`
	Output  map[string]any `json:"output"`
	Error   string         `json:"error"`
	Notes   string         `json:"notes"`
}

func (s *Server) handleAdvanceStep(w http.ResponseWriter, r *http.Request) {
	var req advanceStepRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err, s.logger)
		return
	}
	e, err := s.executions.AdvanceStep(r.Context(), firmID(r), mux.Vars(r)["id"], service.StepReport{
		Success: req.Success,
		Output:  req.Output,
		Error:   req.Error,
		Notes:   req.Notes,
		UserID:  userID(r),
	})
	if err != nil {
		writeError(w, err, s.logger)
		return
	}
	respondJSON(w, http.StatusOK, e)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleSkipStep(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err, s.logger)
		return
	}
	e, err := s.executions.SkipStep(r.Context(), firmID(r), mux.Vars(r)["id"], req.Reason, userID(r))
	if err != nil {
		writeError(w, err, s.logger)
		return
	}
	respondJSON(w, http.StatusOK, e)
}

type retryStepRequest struct {
	StepIndex int `json:"step_index" validate:"required,min=1"`
}

func (s *Server) handleRetryStep(w http.ResponseWriter, r *http.Request) {
	var req retryStepRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err, s.logger)
		return
	}
	if err := s.checkRequest(&req); err != nil {
		writeError(w, err, s.logger)
		return
	}
	e, err := s.executions.RetryStep(r.Context(), firmID(r), mux.Vars(r)["id"], req.StepIndex, userID(r))
	if err != nil {
		writeError(w, err, s.logger)
		return
	}
	respondJSON(w, http.StatusOK, e)
}

func (s *Server) handleAbortExecution(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err, s.logger)
		return
	}
	e, err := s.executions.AbortExecution(r.Context(), firmID(r), mux.Vars(r)["id"], req.Reason, userID(r))
	if err != nil {
		writeError(w, err, s.logger)
		return
	}
	respondJSON(w, http.StatusOK, e)
}
