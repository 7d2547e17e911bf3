package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"bastion/core"
	"bastion/events"
	"bastion/metrics"
	"bastion/playbook"
	"bastion/storage"
)

// stepInvokeTimeout bounds a single dispatched step action, including
// the dispatcher's own retry backoff.
const stepInvokeTimeout = 5 * time.Minute

// ExecutionStore defines the execution persistence operations this
// service needs.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, e *playbook.Execution) error
	GetExecution(ctx context.Context, firmID, id string) (*playbook.Execution, error)
	UpdateExecution(ctx context.Context, e *playbook.Execution, expectedVersion int64) error
	ListExecutions(ctx context.Context, firmID string, filter storage.ExecutionFilter) ([]*playbook.Execution, int, error)
	GetExecutionStats(ctx context.Context, firmID string) (*storage.ExecutionStats, error)
}

// StepDispatcher invokes automated step actions. Satisfied by
// *playbook.Dispatcher.
type StepDispatcher interface {
	Dispatch(ctx context.Context, in *playbook.ActionInput) (playbook.StepOutcome, error)
}

// Escalation notifies a playbook's escalation path. Satisfied by
// *notify.Escalator.
type Escalation interface {
	EscalateAbort(ctx context.Context, pb *playbook.Playbook, e *playbook.Execution, reason string) error
	EscalateExhausted(ctx context.Context, pb *playbook.Playbook, e *playbook.Execution) error
}

// StepReport is an operator's (or callback's) account of a step's
// outcome, fed to AdvanceStep.
type StepReport struct {
	Success bool
	Output  map[string]any
	Error   string
	Notes   string
	UserID  string
}

// ExecutionService drives executions through their state machine.
//
// The service is not a scheduler: every transition happens inside an
// explicit call. StartExecution and RetryStep fire the current step's
// action asynchronously and return immediately with the execution in
// running; the dispatch outcome comes back through AdvanceStep, the
// same path an operator uses for manual steps. Races between an
// in-flight dispatch and an operator action resolve through the
// per-execution version marker, never by overwriting.
type ExecutionService struct {
	store      ExecutionStore
	playbooks  PlaybookStore
	incidents  IncidentStore
	dispatcher StepDispatcher
	escalation Escalation
	publisher  events.Publisher
	logger     *zap.SugaredLogger

	inflight sync.WaitGroup
}

// NewExecutionService wires the execution engine. All dependencies are
// required except escalation, which may be nil when no notification
// channels are configured.
func NewExecutionService(
	store ExecutionStore,
	playbooks PlaybookStore,
	incidents IncidentStore,
	dispatcher StepDispatcher,
	escalation Escalation,
	publisher events.Publisher,
	logger *zap.SugaredLogger,
) *ExecutionService {
	if store == nil {
		panic("execution store is required")
	}
	if playbooks == nil {
		panic("playbook store is required")
	}
	if incidents == nil {
		panic("incident store is required")
	}
	if dispatcher == nil {
		panic("step dispatcher is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &ExecutionService{
		store:      store,
		playbooks:  playbooks,
		incidents:  incidents,
		dispatcher: dispatcher,
		escalation: escalation,
		publisher:  publisher,
		logger:     logger,
	}
}

// Wait blocks until all in-flight step dispatches have finished. Used
// during shutdown and by tests.
func (s *ExecutionService) Wait() {
	s.inflight.Wait()
}

// StartExecution creates a running execution of the playbook against
// the incident and fires the first automated step.
//
// The playbook's steps are snapshotted into the execution; later edits
// to the playbook never affect a run already in flight. At most one
// active execution may exist per (incident, playbook) pair.
func (s *ExecutionService) StartExecution(ctx context.Context, firmID, incidentID, playbookID, startedBy string) (*playbook.Execution, error) {
	var missing []string
	if strings.TrimSpace(incidentID) == "" {
		missing = append(missing, "incident_id: must not be empty")
	}
	if strings.TrimSpace(playbookID) == "" {
		missing = append(missing, "playbook_id: must not be empty")
	}
	if strings.TrimSpace(startedBy) == "" {
		missing = append(missing, "started_by: must not be empty")
	}
	if len(missing) > 0 {
		return nil, core.NewValidationError(missing)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	if _, err := s.incidents.GetIncident(ctx, firmID, incidentID); err != nil {
		if errors.Is(err, storage.ErrIncidentNotFound) {
			return nil, &core.NotFoundError{Resource: "incident", ID: incidentID}
		}
		return nil, fmt.Errorf("retrieving incident %s: %w", incidentID, err)
	}

	pb, err := s.playbooks.GetPlaybook(ctx, firmID, playbookID)
	if err != nil {
		if errors.Is(err, storage.ErrPlaybookNotFound) {
			return nil, &core.NotFoundError{Resource: "playbook", ID: playbookID}
		}
		return nil, fmt.Errorf("retrieving playbook %s: %w", playbookID, err)
	}
	if !pb.IsActive {
		return nil, core.NewConflictError("playbook %s is inactive and cannot be executed", playbookID)
	}

	e := playbook.NewExecution(pb, incidentID, startedBy, time.Now().UTC())
	if err := playbook.Begin(e); err != nil {
		return nil, err
	}
	if err := s.store.CreateExecution(ctx, e); err != nil {
		if errors.Is(err, storage.ErrDuplicateActiveExecution) {
			return nil, core.NewConflictError(
				"incident %s already has an active execution of playbook %s", incidentID, playbookID)
		}
		return nil, fmt.Errorf("creating execution: %w", err)
	}

	metrics.ExecutionsStarted.WithLabelValues(pb.ID).Inc()
	s.publish(ctx, events.ExecutionEvent{
		Type:        events.EventExecutionStarted,
		FirmID:      firmID,
		ExecutionID: e.ID,
		IncidentID:  incidentID,
		PlaybookID:  pb.ID,
		StepIndex:   e.CurrentStepIndex,
		Status:      string(e.Status),
	})

	s.logger.Infow("Execution started",
		"execution_id", e.ID,
		"incident_id", incidentID,
		"playbook_id", pb.ID,
		"firm_id", firmID,
		"started_by", startedBy,
		"step_count", len(e.Steps))

	s.invokeCurrentStep(e)
	return playbook.CloneExecution(e), nil
}

// AdvanceStep reports the outcome of the step the execution is waiting
// on. Manual steps are advanced this way by operators; automated steps
// arrive here from the dispatch goroutine. A failed outcome parks the
// execution in step_failed and never aborts it; recovery stays a human
// decision.
func (s *ExecutionService) AdvanceStep(ctx context.Context, firmID, executionID string, report StepReport) (*playbook.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}
	outcome := playbook.StepOutcome{
		Success: report.Success,
		Output:  report.Output,
		Error:   report.Error,
		Notes:   report.Notes,
	}
	return s.applyOutcome(ctx, firmID, executionID, outcome, report.UserID, 0)
}

// SkipStep records a skipped result for the failed step the execution
// is parked on and advances past it. The reason is mandatory and lands
// in the audit trail.
func (s *ExecutionService) SkipStep(ctx context.Context, firmID, executionID, reason, userID string) (*playbook.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}
	e, err := s.load(ctx, firmID, executionID)
	if err != nil {
		return nil, err
	}
	expected := e.Version
	skipped := e.CurrentStepIndex

	if err := playbook.Skip(e, reason, time.Now().UTC()); err != nil {
		return nil, err
	}
	if err := s.persist(ctx, e, expected); err != nil {
		return nil, err
	}

	s.publish(ctx, events.ExecutionEvent{
		Type:        events.EventStepSkipped,
		FirmID:      firmID,
		ExecutionID: e.ID,
		IncidentID:  e.IncidentID,
		PlaybookID:  e.PlaybookID,
		StepIndex:   skipped,
		Status:      string(e.Status),
		Reason:      reason,
	})
	s.logger.Infow("Step skipped",
		"execution_id", executionID,
		"step_index", skipped,
		"reason", reason,
		"user_id", userID)

	s.finishOrContinue(ctx, e)
	return playbook.CloneExecution(e), nil
}

// RetryStep re-arms the step the execution is parked on and re-fires
// its action. Only the current step may be retried.
func (s *ExecutionService) RetryStep(ctx context.Context, firmID, executionID string, stepIndex int, userID string) (*playbook.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}
	e, err := s.load(ctx, firmID, executionID)
	if err != nil {
		return nil, err
	}
	expected := e.Version

	if err := playbook.Retry(e, stepIndex); err != nil {
		return nil, err
	}
	if err := s.persist(ctx, e, expected); err != nil {
		return nil, err
	}

	s.publish(ctx, events.ExecutionEvent{
		Type:        events.EventStepRetried,
		FirmID:      firmID,
		ExecutionID: e.ID,
		IncidentID:  e.IncidentID,
		PlaybookID:  e.PlaybookID,
		StepIndex:   stepIndex,
		Status:      string(e.Status),
	})
	s.logger.Infow("Step retry requested",
		"execution_id", executionID,
		"step_index", stepIndex,
		"attempt", e.NextAttempt(),
		"user_id", userID)

	s.invokeCurrentStep(e)
	return playbook.CloneExecution(e), nil
}

// AbortExecution terminates the execution and notifies the playbook's
// escalation path. The reason is mandatory.
func (s *ExecutionService) AbortExecution(ctx context.Context, firmID, executionID, reason, userID string) (*playbook.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}
	e, err := s.load(ctx, firmID, executionID)
	if err != nil {
		return nil, err
	}
	expected := e.Version

	if err := playbook.Abort(e, reason, time.Now().UTC()); err != nil {
		return nil, err
	}
	if err := s.persist(ctx, e, expected); err != nil {
		return nil, err
	}

	metrics.ExecutionsFinished.WithLabelValues(string(playbook.StatusAborted)).Inc()
	s.publish(ctx, events.ExecutionEvent{
		Type:        events.EventExecutionAborted,
		FirmID:      firmID,
		ExecutionID: e.ID,
		IncidentID:  e.IncidentID,
		PlaybookID:  e.PlaybookID,
		StepIndex:   e.CurrentStepIndex,
		Status:      string(e.Status),
		Reason:      reason,
	})
	s.logger.Warnw("Execution aborted",
		"execution_id", executionID,
		"incident_id", e.IncidentID,
		"step_index", e.CurrentStepIndex,
		"reason", reason,
		"user_id", userID)

	s.escalateAbort(ctx, e, reason)
	return playbook.CloneExecution(e), nil
}

// GetExecution retrieves an execution, firm-scoped. The full stepResults
// history rides along.
func (s *ExecutionService) GetExecution(ctx context.Context, firmID, executionID string) (*playbook.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}
	return s.load(ctx, firmID, executionID)
}

// ListExecutions returns a filtered page of the firm's executions.
func (s *ExecutionService) ListExecutions(ctx context.Context, firmID string, filter storage.ExecutionFilter) ([]*playbook.Execution, int, error) {
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
	execs, total, err := s.store.ListExecutions(ctx, firmID, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("listing executions: %w", err)
	}
	return execs, total, nil
}

// GetExecutionStats aggregates execution counts and durations per firm.
func (s *ExecutionService) GetExecutionStats(ctx context.Context, firmID string) (*storage.ExecutionStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}
	stats, err := s.store.GetExecutionStats(ctx, firmID)
	if err != nil {
		return nil, fmt.Errorf("computing execution stats: %w", err)
	}
	return stats, nil
}

// applyOutcome loads the execution, records the reported outcome, and
// persists the transition. On success it chains into the next automated
// step; on a failure with no attempts left it escalates.
//
// dispatchedIndex binds an asynchronous dispatch result to the step it
// was fired for: when the execution moved on in the meantime (operator
// advance, skip, abort) the outcome no longer describes the current
// step and must not be recorded against it. Operator calls pass 0 and
// are evaluated against whatever the current step is.
func (s *ExecutionService) applyOutcome(ctx context.Context, firmID, executionID string, outcome playbook.StepOutcome, userID string, dispatchedIndex int) (*playbook.Execution, error) {
	e, err := s.load(ctx, firmID, executionID)
	if err != nil {
		return nil, err
	}
	if dispatchedIndex > 0 && (e.Status != playbook.StatusRunning || e.CurrentStepIndex != dispatchedIndex) {
		return nil, core.NewConflictError(
			"execution %s is %s at step %d, outcome for step %d is stale",
			executionID, e.Status, e.CurrentStepIndex, dispatchedIndex)
	}
	expected := e.Version
	step, _ := e.CurrentStep()
	now := time.Now().UTC()

	if outcome.Success {
		err = playbook.RecordSuccess(e, outcome, now)
	} else {
		err = playbook.RecordFailure(e, outcome, now)
	}
	if err != nil {
		return nil, err
	}
	if err := s.persist(ctx, e, expected); err != nil {
		return nil, err
	}

	if outcome.Success {
		metrics.StepOutcomes.WithLabelValues(step.ActionType, string(playbook.StepSuccess)).Inc()
		s.publish(ctx, events.ExecutionEvent{
			Type:        events.EventStepCompleted,
			FirmID:      firmID,
			ExecutionID: e.ID,
			IncidentID:  e.IncidentID,
			PlaybookID:  e.PlaybookID,
			StepIndex:   step.Index,
			Status:      string(e.Status),
		})
		s.logger.Infow("Step completed",
			"execution_id", executionID,
			"step_index", step.Index,
			"action_type", step.ActionType,
			"user_id", userID)
		s.finishOrContinue(ctx, e)
		return playbook.CloneExecution(e), nil
	}

	metrics.StepOutcomes.WithLabelValues(step.ActionType, string(playbook.StepFailed)).Inc()
	s.publish(ctx, events.ExecutionEvent{
		Type:        events.EventStepFailed,
		FirmID:      firmID,
		ExecutionID: e.ID,
		IncidentID:  e.IncidentID,
		PlaybookID:  e.PlaybookID,
		StepIndex:   step.Index,
		Status:      string(e.Status),
		Reason:      outcome.Error,
	})
	s.logger.Warnw("Step failed",
		"execution_id", executionID,
		"step_index", step.Index,
		"action_type", step.ActionType,
		"attempts", e.FailedAttempts(step.Index),
		"error", outcome.Error)

	if e.RetriesExhausted() {
		s.escalateExhausted(ctx, e)
	}
	return playbook.CloneExecution(e), nil
}

// invokeCurrentStep fires the current step's action in the background
// when the execution is running on an automated step. Manual steps
// wait for an operator's AdvanceStep call instead.
func (s *ExecutionService) invokeCurrentStep(e *playbook.Execution) {
	if e.Status != playbook.StatusRunning {
		return
	}
	step, ok := e.CurrentStep()
	if !ok || step.Manual {
		return
	}

	in := &playbook.ActionInput{
		ExecutionID: e.ID,
		IncidentID:  e.IncidentID,
		FirmID:      e.FirmID,
		Step:        step,
		Params:      step.ActionParams,
		Attempt:     e.NextAttempt(),
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		// The request context dies with the HTTP call; the step runs on
		// its own deadline.
		ctx, cancel := context.WithTimeout(context.Background(), stepInvokeTimeout)
		defer cancel()

		start := time.Now()
		outcome, err := s.dispatcher.Dispatch(ctx, in)
		metrics.StepDuration.WithLabelValues(step.ActionType).Observe(time.Since(start).Seconds())
		if err != nil {
			outcome = playbook.StepOutcome{
				Success:   false,
				Error:     err.Error(),
				StartedAt: start,
			}
		}

		if _, err := s.applyOutcome(ctx, in.FirmID, in.ExecutionID, outcome, "", in.Step.Index); err != nil {
			// Typically the execution was aborted or advanced while the
			// action was in flight; the outcome is stale and must not be
			// recorded against whatever step is current now.
			s.logger.Warnw("Dropping step outcome",
				"execution_id", in.ExecutionID,
				"step_index", step.Index,
				"error", err)
		}
	}()
}

// finishOrContinue publishes completion or chains the next automated
// step after a successful advance.
func (s *ExecutionService) finishOrContinue(ctx context.Context, e *playbook.Execution) {
	if e.Status == playbook.StatusCompleted {
		metrics.ExecutionsFinished.WithLabelValues(string(playbook.StatusCompleted)).Inc()
		s.publish(ctx, events.ExecutionEvent{
			Type:        events.EventExecutionCompleted,
			FirmID:      e.FirmID,
			ExecutionID: e.ID,
			IncidentID:  e.IncidentID,
			PlaybookID:  e.PlaybookID,
			Status:      string(e.Status),
		})
		s.logger.Infow("Execution completed",
			"execution_id", e.ID,
			"incident_id", e.IncidentID,
			"playbook_id", e.PlaybookID)
		return
	}
	s.invokeCurrentStep(e)
}

func (s *ExecutionService) load(ctx context.Context, firmID, executionID string) (*playbook.Execution, error) {
	e, err := s.store.GetExecution(ctx, firmID, executionID)
	if err != nil {
		if errors.Is(err, storage.ErrExecutionNotFound) {
			return nil, &core.NotFoundError{Resource: "execution", ID: executionID}
		}
		return nil, fmt.Errorf("retrieving execution %s: %w", executionID, err)
	}
	return e, nil
}

func (s *ExecutionService) persist(ctx context.Context, e *playbook.Execution, expectedVersion int64) error {
	if err := s.store.UpdateExecution(ctx, e, expectedVersion); err != nil {
		switch {
		case errors.Is(err, storage.ErrExecutionNotFound):
			return &core.NotFoundError{Resource: "execution", ID: e.ID}
		case errors.Is(err, storage.ErrVersionConflict):
			return core.NewConflictError(
				"execution %s was modified concurrently, expected version %d", e.ID, expectedVersion)
		}
		return fmt.Errorf("persisting execution %s: %w", e.ID, err)
	}
	return nil
}

func (s *ExecutionService) publish(ctx context.Context, ev events.ExecutionEvent) {
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warnw("Failed to publish execution event",
			"event_type", ev.Type,
			"execution_id", ev.ExecutionID,
			"error", err)
	}
}

func (s *ExecutionService) escalateAbort(ctx context.Context, e *playbook.Execution, reason string) {
	if s.escalation == nil {
		return
	}
	pb, err := s.playbooks.GetPlaybook(ctx, e.FirmID, e.PlaybookID)
	if err != nil {
		s.logger.Errorw("Cannot load playbook for escalation",
			"execution_id", e.ID, "playbook_id", e.PlaybookID, "error", err)
		return
	}
	if err := s.escalation.EscalateAbort(ctx, pb, e, reason); err != nil {
		s.logger.Errorw("Abort escalation failed",
			"execution_id", e.ID, "error", err)
	}
}

func (s *ExecutionService) escalateExhausted(ctx context.Context, e *playbook.Execution) {
	if s.escalation == nil {
		return
	}
	pb, err := s.playbooks.GetPlaybook(ctx, e.FirmID, e.PlaybookID)
	if err != nil {
		s.logger.Errorw("Cannot load playbook for escalation",
			"execution_id", e.ID, "playbook_id", e.PlaybookID, "error", err)
		return
	}
	if err := s.escalation.EscalateExhausted(ctx, pb, e); err != nil {
		s.logger.Errorw("Retry-exhausted escalation failed",
			"execution_id", e.ID, "error", err)
	}
}
