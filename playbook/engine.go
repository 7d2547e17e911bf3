package playbook

import (
	"fmt"
	"strings"
	"time"

	"bastion/core"
)

// The engine is the pure state machine for executions. Every transition
// operates on an in-memory Execution and returns typed errors; persistence
// and optimistic-concurrency checks live in the service and storage layers.
//
// Transitions:
//
//	pending     -> running                 (Begin)
//	running     -> running | completed     (RecordSuccess)
//	running     -> step_failed             (RecordFailure)
//	step_failed -> running                 (Retry)
//	step_failed -> running | completed     (Skip)
//	any active  -> aborted                 (Abort)
//
// completed and aborted are terminal; no transition leaves them.

// StepOutcome carries what a dispatched (or manually confirmed) step
// produced. A failed step is an outcome, not an error: the execution
// records it and parks in step_failed awaiting an operator decision.
type StepOutcome struct {
	Success   bool
	Output    map[string]any
	Error     string
	Notes     string
	StartedAt time.Time
}

// NewExecution builds a pending execution with a snapshot of the
// playbook's steps. The snapshot is what the run executes even if the
// playbook is edited later.
func NewExecution(p *Playbook, incidentID, startedBy string, now time.Time) *Execution {
	return &Execution{
		ID:               NewExecutionID(),
		FirmID:           p.FirmID,
		IncidentID:       incidentID,
		PlaybookID:       p.ID,
		Steps:            CloneSteps(p.Steps),
		Status:           StatusPending,
		CurrentStepIndex: 1,
		StartedBy:        startedBy,
		StartedAt:        now,
		Version:          1,
	}
}

// Begin moves a pending execution to running.
func Begin(e *Execution) error {
	if err := ensureMutable(e); err != nil {
		return err
	}
	if e.Status != StatusPending {
		return core.NewConflictError("execution %s is %s, expected pending", e.ID, e.Status)
	}
	e.Status = StatusRunning
	return nil
}

// RecordSuccess logs a successful outcome for the current step and
// advances the cursor. Finishing the last step completes the execution.
func RecordSuccess(e *Execution, outcome StepOutcome, now time.Time) error {
	step, err := activeStep(e)
	if err != nil {
		return err
	}
	e.StepResults = append(e.StepResults, StepResult{
		StepIndex:   step.Index,
		Status:      StepSuccess,
		Attempt:     e.NextAttempt(),
		StartedAt:   outcomeStart(outcome, now),
		CompletedAt: now,
		Output:      outcome.Output,
		Notes:       outcome.Notes,
	})
	advance(e, now)
	return nil
}

// RecordFailure logs a failed outcome for the current step and parks the
// execution in step_failed. The cursor stays on the failed step so the
// operator can retry or skip it. Exhausted retries never abort the run
// here; escalation is the service layer's concern.
func RecordFailure(e *Execution, outcome StepOutcome, now time.Time) error {
	step, err := activeStep(e)
	if err != nil {
		return err
	}
	e.StepResults = append(e.StepResults, StepResult{
		StepIndex:   step.Index,
		Status:      StepFailed,
		Attempt:     e.NextAttempt(),
		StartedAt:   outcomeStart(outcome, now),
		CompletedAt: now,
		Output:      outcome.Output,
		Error:       outcome.Error,
		Notes:       outcome.Notes,
	})
	e.Status = StatusStepFailed
	return nil
}

// Skip records a skipped result for the failed step the execution is
// parked on and advances past it. Only step_failed permits a skip; a
// healthy in-progress step must report its outcome first. A reason is
// mandatory; skips are audit-relevant operator decisions.
func Skip(e *Execution, reason string, now time.Time) error {
	if strings.TrimSpace(reason) == "" {
		return core.NewValidationError([]string{"reason: must not be empty"})
	}
	if err := ensureMutable(e); err != nil {
		return err
	}
	if e.Status != StatusStepFailed {
		return core.NewConflictError("execution %s is %s, only failed steps can be skipped", e.ID, e.Status)
	}
	step, ok := e.CurrentStep()
	if !ok {
		return core.NewConflictError("execution %s has no step at index %d", e.ID, e.CurrentStepIndex)
	}
	e.StepResults = append(e.StepResults, StepResult{
		StepIndex:   step.Index,
		Status:      StepSkipped,
		Attempt:     e.NextAttempt(),
		StartedAt:   now,
		CompletedAt: now,
		Notes:       reason,
	})
	advance(e, now)
	return nil
}

// Retry re-arms the current step after a failure. Only the step the
// execution is parked on may be retried; completed earlier steps are
// final.
func Retry(e *Execution, stepIndex int) error {
	if err := ensureMutable(e); err != nil {
		return err
	}
	if e.Status != StatusStepFailed {
		return core.NewConflictError("execution %s is %s, only failed steps can be retried", e.ID, e.Status)
	}
	if stepIndex != e.CurrentStepIndex {
		return core.NewValidationError([]string{
			fmt.Sprintf("step_index: only the current step %d may be retried, got %d", e.CurrentStepIndex, stepIndex),
		})
	}
	e.Status = StatusRunning
	return nil
}

// Abort terminates the execution from any non-terminal state. A reason is
// mandatory.
func Abort(e *Execution, reason string, now time.Time) error {
	if strings.TrimSpace(reason) == "" {
		return core.NewValidationError([]string{"reason: must not be empty"})
	}
	if err := ensureMutable(e); err != nil {
		return err
	}
	e.Status = StatusAborted
	e.AbortReason = reason
	t := now
	e.AbortedAt = &t
	return nil
}

// ensureMutable rejects every mutation of a terminal execution.
func ensureMutable(e *Execution) error {
	if e.Status.Terminal() {
		return core.NewConflictError("execution %s is %s and can no longer change", e.ID, e.Status)
	}
	return nil
}

// activeStep validates that e is running and positioned on a step.
// Only running executions accept outcomes; a step_failed execution
// needs an explicit retry or skip decision before anything else may
// record progress.
func activeStep(e *Execution) (StepDefinition, error) {
	if err := ensureMutable(e); err != nil {
		return StepDefinition{}, err
	}
	if e.Status != StatusRunning {
		return StepDefinition{}, core.NewConflictError("execution %s is %s, expected running", e.ID, e.Status)
	}
	step, ok := e.CurrentStep()
	if !ok {
		return StepDefinition{}, core.NewConflictError("execution %s has no step at index %d", e.ID, e.CurrentStepIndex)
	}
	return step, nil
}

func advance(e *Execution, now time.Time) {
	e.CurrentStepIndex++
	if e.CurrentStepIndex > len(e.Steps) {
		e.Status = StatusCompleted
		t := now
		e.CompletedAt = &t
		return
	}
	e.Status = StatusRunning
}

func outcomeStart(o StepOutcome, fallback time.Time) time.Time {
	if !o.StartedAt.IsZero() {
		return o.StartedAt
	}
	return fallback
}
