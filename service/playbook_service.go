// Package service holds the business logic between the HTTP handlers
// and the storage layer. Storage sentinel errors are translated into
// the typed error taxonomy (ValidationError, NotFoundError,
// ConflictError) here, so handlers only ever map typed errors.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"bastion/core"
	"bastion/metrics"
	"bastion/playbook"
	"bastion/storage"
)

const (
	// Pagination limits.
	defaultPageSize = 50
	maxPageSize     = 1000

	// Firms whose active catalog is cached for matching.
	catalogCacheSize = 256
)

// PlaybookStore defines the playbook storage operations this service
// needs. Defined here, in the consumer package.
type PlaybookStore interface {
	CreatePlaybook(ctx context.Context, p *playbook.Playbook) error
	GetPlaybook(ctx context.Context, firmID, id string) (*playbook.Playbook, error)
	UpdatePlaybook(ctx context.Context, p *playbook.Playbook, expectedVersion int64) error
	DeletePlaybook(ctx context.Context, firmID, id string) error
	ListPlaybooks(ctx context.Context, firmID string, filter storage.PlaybookFilter) ([]*playbook.Playbook, int, error)
	ListActivePlaybooks(ctx context.Context, firmID string) ([]*playbook.Playbook, error)
	CountExecutionsForPlaybook(ctx context.Context, playbookID string, activeOnly bool) (int, error)
}

// IncidentStore defines the incident operations the services need.
type IncidentStore interface {
	CreateIncident(ctx context.Context, inc *core.Incident) error
	GetIncident(ctx context.Context, firmID, id string) (*core.Incident, error)
}

// ParamValidator checks step action parameters against the registered
// action schemas. Satisfied by *playbook.Dispatcher.
type ParamValidator interface {
	ValidateParams(actionType string, params map[string]any) []string
}

// PlaybookService manages the playbook catalog for all firms.
type PlaybookService struct {
	store     PlaybookStore
	incidents IncidentStore
	params    ParamValidator
	logger    *zap.SugaredLogger

	// catalog caches each firm's active playbooks for matching. Any
	// write for a firm evicts that firm's entry.
	catalog *lru.Cache[string, []*playbook.Playbook]
}

// NewPlaybookService creates the catalog service. The stores and
// logger are required; params may be nil to skip action schema checks.
func NewPlaybookService(
	store PlaybookStore,
	incidents IncidentStore,
	params ParamValidator,
	logger *zap.SugaredLogger,
) *PlaybookService {
	if store == nil {
		panic("playbook store is required")
	}
	if incidents == nil {
		panic("incident store is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	cache, err := lru.New[string, []*playbook.Playbook](catalogCacheSize)
	if err != nil {
		panic(fmt.Sprintf("building catalog cache: %v", err))
	}
	return &PlaybookService{
		store:     store,
		incidents: incidents,
		params:    params,
		logger:    logger,
		catalog:   cache,
	}
}

// CreatePlaybook validates and persists a new playbook.
//
// The returned playbook carries the generated ID, timestamps, and
// version 1. All validation failures are reported together in a single
// ValidationError rather than one at a time.
func (s *PlaybookService) CreatePlaybook(ctx context.Context, p *playbook.Playbook) (*playbook.Playbook, error) {
	if p == nil {
		return nil, core.NewValidationError([]string{"playbook is required"})
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	pb := playbook.ClonePlaybook(p)
	if pb.ID == "" {
		pb.ID = playbook.NewPlaybookID()
	}
	now := time.Now().UTC()
	pb.CreatedAt = now
	pb.UpdatedAt = now
	pb.Version = 1

	if violations := s.validate(pb); len(violations) > 0 {
		return nil, core.NewValidationError(violations)
	}

	if err := s.store.CreatePlaybook(ctx, pb); err != nil {
		if errors.Is(err, storage.ErrDuplicateName) {
			return nil, core.NewConflictError("a playbook named %q already exists for this firm", pb.Name)
		}
		return nil, fmt.Errorf("creating playbook: %w", err)
	}
	s.catalog.Remove(pb.FirmID)

	s.logger.Infow("Playbook created",
		"playbook_id", pb.ID,
		"firm_id", pb.FirmID,
		"name", pb.Name,
		"step_count", len(pb.Steps))
	return pb, nil
}

// GetPlaybook retrieves a playbook scoped to the firm. A playbook
// belonging to another firm reads as not found.
func (s *PlaybookService) GetPlaybook(ctx context.Context, firmID, id string) (*playbook.Playbook, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}
	pb, err := s.store.GetPlaybook(ctx, firmID, id)
	if err != nil {
		if errors.Is(err, storage.ErrPlaybookNotFound) {
			return nil, &core.NotFoundError{Resource: "playbook", ID: id}
		}
		return nil, fmt.Errorf("retrieving playbook %s: %w", id, err)
	}
	return pb, nil
}

// UpdatePlaybook replaces a playbook's definition.
//
// Steps are frozen while any non-terminal execution references the
// playbook; metadata-only updates remain allowed. The update carries
// the caller's expected version and fails with a ConflictError when a
// concurrent writer got there first.
func (s *PlaybookService) UpdatePlaybook(ctx context.Context, p *playbook.Playbook, expectedVersion int64) (*playbook.Playbook, error) {
	if p == nil {
		return nil, core.NewValidationError([]string{"playbook is required"})
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	existing, err := s.GetPlaybook(ctx, p.FirmID, p.ID)
	if err != nil {
		return nil, err
	}

	pb := playbook.ClonePlaybook(p)
	pb.CreatedAt = existing.CreatedAt
	pb.UpdatedAt = time.Now().UTC()

	if violations := s.validate(pb); len(violations) > 0 {
		return nil, core.NewValidationError(violations)
	}

	if !playbook.StepsEqual(existing.Steps, pb.Steps) {
		active, err := s.store.CountExecutionsForPlaybook(ctx, pb.ID, true)
		if err != nil {
			return nil, fmt.Errorf("checking in-flight executions: %w", err)
		}
		if active > 0 {
			return nil, core.NewConflictError(
				"steps of playbook %s cannot change while %d execution(s) are in flight", pb.ID, active)
		}
	}

	if err := s.store.UpdatePlaybook(ctx, pb, expectedVersion); err != nil {
		switch {
		case errors.Is(err, storage.ErrPlaybookNotFound):
			return nil, &core.NotFoundError{Resource: "playbook", ID: pb.ID}
		case errors.Is(err, storage.ErrVersionConflict):
			return nil, core.NewConflictError(
				"playbook %s was modified concurrently, expected version %d", pb.ID, expectedVersion)
		case errors.Is(err, storage.ErrDuplicateName):
			return nil, core.NewConflictError("a playbook named %q already exists for this firm", pb.Name)
		}
		return nil, fmt.Errorf("updating playbook %s: %w", pb.ID, err)
	}
	s.catalog.Remove(pb.FirmID)

	s.logger.Infow("Playbook updated",
		"playbook_id", pb.ID,
		"firm_id", pb.FirmID,
		"version", pb.Version)
	return pb, nil
}

// DeletePlaybook removes a playbook. Deletion is refused while any
// execution, running or historical, references it.
func (s *PlaybookService) DeletePlaybook(ctx context.Context, firmID, id string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	if err := s.store.DeletePlaybook(ctx, firmID, id); err != nil {
		switch {
		case errors.Is(err, storage.ErrPlaybookNotFound):
			return &core.NotFoundError{Resource: "playbook", ID: id}
		case errors.Is(err, storage.ErrPlaybookInUse):
			return core.NewConflictError("playbook %s is referenced by executions and cannot be deleted", id)
		}
		return fmt.Errorf("deleting playbook %s: %w", id, err)
	}
	s.catalog.Remove(firmID)

	s.logger.Infow("Playbook deleted", "playbook_id", id, "firm_id", firmID)
	return nil
}

// ListPlaybooks returns a filtered page of the firm's playbooks and
// the total count matching the filter.
func (s *PlaybookService) ListPlaybooks(ctx context.Context, firmID string, filter storage.PlaybookFilter) ([]*playbook.Playbook, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, fmt.Errorf("context cancelled: %w", err)
	}
	if filter.Limit < 1 {
		filter.Limit = defaultPageSize
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	playbooks, total, err := s.store.ListPlaybooks(ctx, firmID, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("listing playbooks: %w", err)
	}
	return playbooks, total, nil
}

// SetActive toggles whether a playbook participates in matching.
func (s *PlaybookService) SetActive(ctx context.Context, firmID, id string, active bool) (*playbook.Playbook, error) {
	pb, err := s.GetPlaybook(ctx, firmID, id)
	if err != nil {
		return nil, err
	}
	if pb.IsActive == active {
		return pb, nil
	}
	pb.IsActive = active
	pb.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdatePlaybook(ctx, pb, pb.Version); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return nil, core.NewConflictError("playbook %s was modified concurrently", id)
		}
		return nil, fmt.Errorf("toggling playbook %s: %w", id, err)
	}
	s.catalog.Remove(firmID)

	s.logger.Infow("Playbook activation changed",
		"playbook_id", id, "firm_id", firmID, "active", active)
	return pb, nil
}

// DuplicatePlaybook creates a disabled copy of an existing playbook so
// operators can stage edits without touching the live definition.
func (s *PlaybookService) DuplicatePlaybook(ctx context.Context, firmID, id string) (*playbook.Playbook, error) {
	original, err := s.GetPlaybook(ctx, firmID, id)
	if err != nil {
		return nil, err
	}

	dup := playbook.ClonePlaybook(original)
	dup.ID = playbook.NewPlaybookID()
	dup.Name = original.Name + " (Copy)"
	dup.IsActive = false
	now := time.Now().UTC()
	dup.CreatedAt = now
	dup.UpdatedAt = now
	dup.Version = 1

	if err := s.store.CreatePlaybook(ctx, dup); err != nil {
		if errors.Is(err, storage.ErrDuplicateName) {
			return nil, core.NewConflictError("a playbook named %q already exists for this firm", dup.Name)
		}
		return nil, fmt.Errorf("duplicating playbook %s: %w", id, err)
	}
	s.catalog.Remove(firmID)

	s.logger.Infow("Playbook duplicated",
		"original_id", id, "duplicate_id", dup.ID, "firm_id", firmID)
	return dup, nil
}

// ValidatePlaybook runs the full validation pass without persisting
// anything. It returns every violation at once.
func (s *PlaybookService) ValidatePlaybook(ctx context.Context, p *playbook.Playbook) ([]string, error) {
	if p == nil {
		return []string{"playbook is required"}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}
	return s.validate(p), nil
}

// MatchPlaybook selects the best active playbook for an incident, or
// nil when nothing applies. No match is an outcome, not an error.
func (s *PlaybookService) MatchPlaybook(ctx context.Context, firmID, incidentID string) (*playbook.Playbook, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	inc, err := s.incidents.GetIncident(ctx, firmID, incidentID)
	if err != nil {
		if errors.Is(err, storage.ErrIncidentNotFound) {
			return nil, &core.NotFoundError{Resource: "incident", ID: incidentID}
		}
		return nil, fmt.Errorf("retrieving incident %s: %w", incidentID, err)
	}

	candidates, err := s.activeCatalog(ctx, firmID)
	if err != nil {
		return nil, err
	}

	match := playbook.Match(candidates, inc)
	if match == nil {
		metrics.MatcherDecisions.WithLabelValues("none").Inc()
		s.logger.Debugw("No playbook matched incident",
			"incident_id", incidentID,
			"firm_id", firmID,
			"incident_type", inc.IncidentType,
			"severity", inc.Severity)
		return nil, nil
	}
	metrics.MatcherDecisions.WithLabelValues("matched").Inc()

	s.logger.Infow("Playbook matched incident",
		"incident_id", incidentID,
		"playbook_id", match.ID,
		"playbook_name", match.Name)
	return playbook.ClonePlaybook(match), nil
}

// activeCatalog returns the firm's active playbooks, from cache when
// possible.
func (s *PlaybookService) activeCatalog(ctx context.Context, firmID string) ([]*playbook.Playbook, error) {
	if cached, ok := s.catalog.Get(firmID); ok {
		metrics.CatalogCacheHits.WithLabelValues("hit").Inc()
		return cached, nil
	}
	metrics.CatalogCacheHits.WithLabelValues("miss").Inc()

	playbooks, err := s.store.ListActivePlaybooks(ctx, firmID)
	if err != nil {
		return nil, fmt.Errorf("loading active playbooks for firm %s: %w", firmID, err)
	}
	s.catalog.Add(firmID, playbooks)
	return playbooks, nil
}

// validate combines structural validation with action parameter schema
// checks so the caller sees every violation in one pass.
func (s *PlaybookService) validate(p *playbook.Playbook) []string {
	violations := playbook.Validate(p)
	if s.params == nil {
		return violations
	}
	for i, step := range p.Steps {
		if step.Manual {
			continue
		}
		for _, v := range s.params.ValidateParams(step.ActionType, step.ActionParams) {
			violations = append(violations, fmt.Sprintf("steps[%d].action_params: %s", i, v))
		}
	}
	return violations
}
