package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"bastion/core"
)

// errorResponse is the JSON shape of every error the API returns.
type errorResponse struct {
	Error  string   `json:"error"`
	Fields []string `json:"fields,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// writeError maps the typed error taxonomy onto HTTP statuses:
// ValidationError 400, NotFoundError 404, ConflictError 409, anything
// else 500 with the detail kept server-side.
func writeError(w http.ResponseWriter, err error, logger *zap.SugaredLogger) {
	var verr *core.ValidationError
	if errors.As(err, &verr) {
		respondJSON(w, http.StatusBadRequest, errorResponse{
			Error:  "validation failed",
			Fields: verr.Fields,
		})
		return
	}

	var nferr *core.NotFoundError
	if errors.As(err, &nferr) {
		respondJSON(w, http.StatusNotFound, errorResponse{Error: nferr.Error()})
		return
	}

	var cerr *core.ConflictError
	if errors.As(err, &cerr) {
		respondJSON(w, http.StatusConflict, errorResponse{Error: cerr.Error()})
		return
	}

	logger.Errorw("Request failed", "error", err)
	respondJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return core.NewValidationError([]string{"body: " + err.Error()})
	}
	return nil
}
