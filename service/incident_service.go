package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"bastion/core"
	"bastion/storage"
)

// IncidentService records reported incidents so executions have
// something to bind to.
type IncidentService struct {
	store  IncidentStore
	logger *zap.SugaredLogger
}

func NewIncidentService(store IncidentStore, logger *zap.SugaredLogger) *IncidentService {
	if store == nil {
		panic("incident store is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &IncidentService{store: store, logger: logger}
}

// ReportIncident validates and persists a new incident. When the
// reporter supplies no category, the incident-type taxonomy fills it in.
func (s *IncidentService) ReportIncident(ctx context.Context, inc *core.Incident) (*core.Incident, error) {
	if inc == nil {
		return nil, core.NewValidationError([]string{"incident is required"})
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	var violations []string
	if strings.TrimSpace(inc.FirmID) == "" {
		violations = append(violations, "firm_id: must not be empty")
	}
	if strings.TrimSpace(inc.IncidentType) == "" {
		violations = append(violations, "incident_type: must not be empty")
	}
	if strings.TrimSpace(inc.Title) == "" {
		violations = append(violations, "title: must not be empty")
	}
	if !inc.Severity.Valid() {
		violations = append(violations, fmt.Sprintf("severity: %q is not a known severity", inc.Severity))
	}
	if inc.Category != "" && !core.ValidCategory(inc.Category) {
		violations = append(violations, fmt.Sprintf("category: %q is not a known category", inc.Category))
	}
	if len(violations) > 0 {
		return nil, core.NewValidationError(violations)
	}

	stored := *inc
	if stored.ID == "" {
		stored.ID = core.NewIncidentID()
	}
	if stored.Category == "" {
		if cat, ok := core.CategoryOf(stored.IncidentType); ok {
			stored.Category = cat
		}
	}
	now := time.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now

	if err := s.store.CreateIncident(ctx, &stored); err != nil {
		return nil, fmt.Errorf("creating incident: %w", err)
	}

	s.logger.Infow("Incident reported",
		"incident_id", stored.ID,
		"firm_id", stored.FirmID,
		"incident_type", stored.IncidentType,
		"severity", stored.Severity)
	return &stored, nil
}

// GetIncident retrieves an incident scoped to the firm.
func (s *IncidentService) GetIncident(ctx context.Context, firmID, id string) (*core.Incident, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}
	inc, err := s.store.GetIncident(ctx, firmID, id)
	if err != nil {
		if errors.Is(err, storage.ErrIncidentNotFound) {
			return nil, &core.NotFoundError{Resource: "incident", ID: id}
		}
		return nil, fmt.Errorf("retrieving incident %s: %w", id, err)
	}
	return inc, nil
}
