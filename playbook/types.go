package playbook

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"bastion/core"
)

// Action types a step definition may reference. Each maps to a registered
// Action in the dispatcher; manual_review steps are never dispatched and
// only advance through operator decisions.
const (
	ActionSendNotification = "send_notification"
	ActionCallWebhook      = "call_webhook"
	ActionCreateTask       = "create_task"
	ActionRunScript        = "run_script"
	ActionBlockIP          = "block_ip"
	ActionIsolateHost      = "isolate_host"
	ActionManualReview     = "manual_review"
)

// KnownActionTypes is the set of action types accepted in step definitions.
var KnownActionTypes = map[string]bool{
	ActionSendNotification: true,
	ActionCallWebhook:      true,
	ActionCreateTask:       true,
	ActionRunScript:        true,
	ActionBlockIP:          true,
	ActionIsolateHost:      true,
	ActionManualReview:     true,
}

// TriggerConditions decide which incidents a playbook applies to. An empty
// field means "any"; a populated IncidentTypes list makes the playbook an
// exact-type match, which outranks category-level playbooks during matching.
type TriggerConditions struct {
	IncidentTypes []string        `json:"incident_types,omitempty" yaml:"incident_types,omitempty"`
	Severities    []core.Severity `json:"severities,omitempty" yaml:"severities,omitempty"`
	Tags          []string        `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// StepDefinition is one ordered step of a playbook. Indices are 1-based and
// contiguous within a playbook.
type StepDefinition struct {
	Index          int            `json:"index" yaml:"index"`
	Name           string         `json:"name" yaml:"name"`
	ActionType     string         `json:"action_type" yaml:"action_type"`
	ActionParams   map[string]any `json:"action_params,omitempty" yaml:"action_params,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	Retryable      bool           `json:"retryable" yaml:"retryable"`
	MaxRetries     int            `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Manual         bool           `json:"manual,omitempty" yaml:"manual,omitempty"`
}

// Playbook is a firm-scoped response procedure for a class of incidents.
type Playbook struct {
	ID             string            `json:"id" yaml:"id,omitempty"`
	FirmID         string            `json:"firm_id" yaml:"firm_id,omitempty"`
	Name           string            `json:"name" yaml:"name"`
	Description    string            `json:"description,omitempty" yaml:"description,omitempty"`
	Category       core.Category     `json:"category" yaml:"category"`
	Severity       core.Severity     `json:"severity" yaml:"severity"`
	Trigger        TriggerConditions `json:"trigger_conditions" yaml:"trigger_conditions"`
	Steps          []StepDefinition  `json:"steps" yaml:"steps"`
	EscalationPath []string          `json:"escalation_path,omitempty" yaml:"escalation_path,omitempty"`
	IsActive       bool              `json:"is_active" yaml:"is_active"`
	CreatedAt      time.Time         `json:"created_at" yaml:"-"`
	UpdatedAt      time.Time         `json:"updated_at" yaml:"-"`
	Version        int64             `json:"version" yaml:"-"`
}

// ExecutionStatus is the lifecycle state of an execution.
type ExecutionStatus string

const (
	StatusPending    ExecutionStatus = "pending"
	StatusRunning    ExecutionStatus = "running"
	StatusStepFailed ExecutionStatus = "step_failed"
	StatusCompleted  ExecutionStatus = "completed"
	StatusAborted    ExecutionStatus = "aborted"
)

// Terminal reports whether s permits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted
}

// Active reports whether an execution in state s still occupies the
// single active slot for its (incident, playbook) pair.
func (s ExecutionStatus) Active() bool {
	return s == StatusPending || s == StatusRunning || s == StatusStepFailed
}

// StepStatus is the recorded outcome of one step attempt.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// StepResult is one entry of an execution's append-only outcome log.
type StepResult struct {
	StepIndex   int            `json:"step_index"`
	Status      StepStatus     `json:"status"`
	Attempt     int            `json:"attempt"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Notes       string         `json:"notes,omitempty"`
}

// Execution is one run of a playbook against an incident. Steps are a
// snapshot taken at start time, so later edits to the playbook never
// change an in-flight run.
type Execution struct {
	ID               string           `json:"id"`
	FirmID           string           `json:"firm_id"`
	IncidentID       string           `json:"incident_id"`
	PlaybookID       string           `json:"playbook_id"`
	Steps            []StepDefinition `json:"steps"`
	Status           ExecutionStatus  `json:"status"`
	CurrentStepIndex int              `json:"current_step_index"`
	StepResults      []StepResult     `json:"step_results"`
	StartedBy        string           `json:"started_by"`
	StartedAt        time.Time        `json:"started_at"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	AbortedAt        *time.Time       `json:"aborted_at,omitempty"`
	AbortReason      string           `json:"abort_reason,omitempty"`
	Version          int64            `json:"version"`
}

// CurrentStep returns the definition the execution is positioned on, or
// false when the execution has moved past the last step.
func (e *Execution) CurrentStep() (StepDefinition, bool) {
	for _, s := range e.Steps {
		if s.Index == e.CurrentStepIndex {
			return s, true
		}
	}
	return StepDefinition{}, false
}

// FailedAttempts counts recorded failures for a step index.
func (e *Execution) FailedAttempts(index int) int {
	n := 0
	for _, r := range e.StepResults {
		if r.StepIndex == index && r.Status == StepFailed {
			n++
		}
	}
	return n
}

// NextAttempt is the attempt number the next run of the current step
// would carry.
func (e *Execution) NextAttempt() int {
	return e.FailedAttempts(e.CurrentStepIndex) + 1
}

// RetriesExhausted reports whether the current step has failed as many
// times as its definition allows. Non-retryable steps exhaust after one
// failure.
func (e *Execution) RetriesExhausted() bool {
	step, ok := e.CurrentStep()
	if !ok {
		return false
	}
	failures := e.FailedAttempts(step.Index)
	if failures == 0 {
		return false
	}
	if !step.Retryable {
		return true
	}
	return failures > step.MaxRetries
}

// NewPlaybookID generates a playbook identifier.
func NewPlaybookID() string {
	return fmt.Sprintf("pb-%s", uuid.New().String()[:8])
}

// NewExecutionID generates an execution identifier.
func NewExecutionID() string {
	return fmt.Sprintf("ex-%s", uuid.New().String()[:8])
}

// ClonePlaybook makes a deep copy so callers can hand playbooks across
// goroutine boundaries without sharing mutable slices and maps.
func ClonePlaybook(p *Playbook) *Playbook {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Trigger = cloneTrigger(p.Trigger)
	cp.Steps = CloneSteps(p.Steps)
	cp.EscalationPath = append([]string(nil), p.EscalationPath...)
	return &cp
}

func cloneTrigger(t TriggerConditions) TriggerConditions {
	return TriggerConditions{
		IncidentTypes: append([]string(nil), t.IncidentTypes...),
		Severities:    append([]core.Severity(nil), t.Severities...),
		Tags:          append([]string(nil), t.Tags...),
	}
}

// CloneSteps deep-copies step definitions, including their param maps.
func CloneSteps(steps []StepDefinition) []StepDefinition {
	if steps == nil {
		return nil
	}
	out := make([]StepDefinition, len(steps))
	for i, s := range steps {
		out[i] = s
		if s.ActionParams != nil {
			params := make(map[string]any, len(s.ActionParams))
			for k, v := range s.ActionParams {
				params[k] = v
			}
			out[i].ActionParams = params
		}
	}
	return out
}

// CloneExecution deep-copies an execution.
func CloneExecution(e *Execution) *Execution {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Steps = CloneSteps(e.Steps)
	cp.StepResults = make([]StepResult, len(e.StepResults))
	copy(cp.StepResults, e.StepResults)
	for i, r := range e.StepResults {
		if r.Output != nil {
			out := make(map[string]any, len(r.Output))
			for k, v := range r.Output {
				out[k] = v
			}
			cp.StepResults[i].Output = out
		}
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	if e.AbortedAt != nil {
		t := *e.AbortedAt
		cp.AbortedAt = &t
	}
	return &cp
}
