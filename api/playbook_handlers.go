package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"bastion/core"
	"bastion/playbook"
	"bastion/storage"
)

// playbookRequest is the write body for create and update. The firm is
// never part of the body; it always comes from the token.
type playbookRequest struct {
	Name           string                     `json:"name"`
	Description    string                     `json:"description"`
	Category       string                     `json:"category"`
	Severity       string                     `json:"severity"`
	Trigger        playbook.TriggerConditions `json:"trigger_conditions"`
	Steps          []playbook.StepDefinition  `json:"steps"`
	EscalationPath []string                   `json:"escalation_path"`
	IsActive       bool                       `json:"is_active"`
}

func (req *playbookRequest) toPlaybook(firm, id string) *playbook.Playbook {
	return &playbook.Playbook{
		ID:             id,
		FirmID:         firm,
		Name:           req.Name,
		Description:    req.Description,
		Category:       core.Category(req.Category),
		Severity:       core.Severity(req.Severity),
		Trigger:        req.Trigger,
		Steps:          req.Steps,
		EscalationPath: req.EscalationPath,
		IsActive:       req.IsActive,
	}
}

type listResponse struct {
	Items  any `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// checkRequest runs the struct validators and folds failures into the
// shared ValidationError shape.
func (s *Server) checkRequest(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return core.NewValidationError([]string{err.Error()})
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s: failed %q constraint", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return core.NewValidationError(fields)
}

func (s *Server) handleCreatePlaybook(w http.ResponseWriter, r *http.Request) {
	var req playbookRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err, s.logger)
		return
	}
	created, err := s.playbooks.CreatePlaybook(r.Context(), req.toPlaybook(firmID(r), ""))
	if err != nil {
		writeError(w, err, s.logger)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetPlaybook(w http.ResponseWriter, r *http.Request) {
	pb, err := s.playbooks.GetPlaybook(r.Context(), firmID(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err, s.logger)
		return
	}
	respondJSON(w, http.StatusOK, pb)
}

func (s *Server) handleUpdatePlaybook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		playbookRequest
		Version int64 `json:"version"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err, s.logger)
		return
	}
	if req.Version < 1 {
		writeError(w, core.NewValidationError([]string{"version: must be the version being replaced"}), s.logger)
		return
	}
	updated, err := s.playbooks.UpdatePlaybook(r.Context(), req.toPlaybook(firmID(r), mux.Vars(r)["id"]), req.Version)
	if err != nil {
		writeError(w, err, s.logger)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeletePlaybook(w http.ResponseWriter, r *http.Request) {
	if err := s.playbooks.DeletePlaybook(r.Context(), firmID(r), mux.Vars(r)["id"]); err != nil {
		writeError(w, err, s.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListPlaybooks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.PlaybookFilter{
		Category:     q.Get("category"),
		Severity:     q.Get("severity"),
		NameContains: q.Get("name"),
		Limit:        queryInt(q.Get("limit"), 0),
		Offset:       queryInt(q.Get("offset"), 0),
	}
	if v := q.Get("is_active"); v != "" {
		active := v == "true"
		filter.IsActive = &active
	}

	playbooks, total, err := s.playbooks.ListPlaybooks(r.Context(), firmID(r), filter)
	if err != nil {
		writeError(w, err, s.logger)
		return
	}
	respondJSON(w, http.StatusOK, listResponse{
		Items:  playbooks,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

func (s *Server) handleSetActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pb, err := s.playbooks.SetActive(r.Context(), firmID(r), mux.Vars(r)["id"], active)
		if err != nil {
			writeError(w, err, s.logger)
			return
		}
		respondJSON(w, http.StatusOK, pb)
	}
}

func (s *Server) handleDuplicatePlaybook(w http.ResponseWriter, r *http.Request) {
	dup, err := s.playbooks.DuplicatePlaybook(r.Context(), firmID(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err, s.logger)
		return
	}
	respondJSON(w, http.StatusCreated, dup)
}

// handleValidatePlaybook is the dry run: full validation, nothing
// persisted, violations returned as data rather than as an error.
func (s *Server) handleValidatePlaybook(w http.ResponseWriter, r *http.Request) {
	var req playbookRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err, s.logger)
		return
	}
	violations, err := s.playbooks.ValidatePlaybook(r.Context(), req.toPlaybook(firmID(r), ""))
	if err != nil {
		writeError(w, err, s.logger)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"valid":      len(violations) == 0,
		"violations": violations,
	})
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
