package playbook

import (
	"fmt"
	"strings"

	"bastion/core"
)

const (
	maxNameLength        = 200
	maxDescriptionLength = 2000
	maxSteps             = 100
	maxStepRetries       = 10
	maxStepTimeoutSec    = 3600
	maxEscalationDepth   = 20
)

// Validate checks a playbook definition and returns every violation found,
// one message per field, so the caller can report them all at once.
func Validate(p *Playbook) []string {
	var violations []string

	if strings.TrimSpace(p.Name) == "" {
		violations = append(violations, "name: must not be empty")
	} else if len(p.Name) > maxNameLength {
		violations = append(violations, fmt.Sprintf("name: exceeds %d characters", maxNameLength))
	}
	if len(p.Description) > maxDescriptionLength {
		violations = append(violations, fmt.Sprintf("description: exceeds %d characters", maxDescriptionLength))
	}
	if strings.TrimSpace(p.FirmID) == "" {
		violations = append(violations, "firm_id: must not be empty")
	}
	if !core.ValidCategory(p.Category) {
		violations = append(violations, fmt.Sprintf("category: unknown category %q", p.Category))
	}
	if !p.Severity.Valid() {
		violations = append(violations, fmt.Sprintf("severity: unknown severity %q", p.Severity))
	}

	violations = append(violations, validateTrigger(&p.Trigger)...)
	violations = append(violations, validateSteps(p.Steps)...)

	if len(p.EscalationPath) > maxEscalationDepth {
		violations = append(violations, fmt.Sprintf("escalation_path: exceeds %d contacts", maxEscalationDepth))
	}
	for i, contact := range p.EscalationPath {
		if strings.TrimSpace(contact) == "" {
			violations = append(violations, fmt.Sprintf("escalation_path[%d]: contact must not be empty", i))
		}
	}

	return violations
}

func validateTrigger(t *TriggerConditions) []string {
	var violations []string
	for i, s := range t.Severities {
		if !s.Valid() {
			violations = append(violations, fmt.Sprintf("trigger_conditions.severities[%d]: unknown severity %q", i, s))
		}
	}
	for i, it := range t.IncidentTypes {
		if strings.TrimSpace(it) == "" {
			violations = append(violations, fmt.Sprintf("trigger_conditions.incident_types[%d]: must not be empty", i))
		}
	}
	return violations
}

// validateSteps enforces the structural rules on a step list: at least one
// step, indices 1..n with no gaps or duplicates, known action types, sane
// timeout and retry bounds.
func validateSteps(steps []StepDefinition) []string {
	var violations []string

	if len(steps) == 0 {
		violations = append(violations, "steps: at least one step is required")
		return violations
	}
	if len(steps) > maxSteps {
		violations = append(violations, fmt.Sprintf("steps: exceeds %d steps", maxSteps))
	}

	seen := make(map[int]bool, len(steps))
	for i, s := range steps {
		prefix := fmt.Sprintf("steps[%d]", i)

		if s.Index < 1 {
			violations = append(violations, fmt.Sprintf("%s.index: must be >= 1, got %d", prefix, s.Index))
		} else if seen[s.Index] {
			violations = append(violations, fmt.Sprintf("%s.index: duplicate index %d", prefix, s.Index))
		}
		seen[s.Index] = true

		if strings.TrimSpace(s.Name) == "" {
			violations = append(violations, fmt.Sprintf("%s.name: must not be empty", prefix))
		}
		if !KnownActionTypes[s.ActionType] {
			violations = append(violations, fmt.Sprintf("%s.action_type: unknown action type %q", prefix, s.ActionType))
		}
		if s.Manual != (s.ActionType == ActionManualReview) {
			violations = append(violations, fmt.Sprintf("%s.manual: must be set exactly for %s steps", prefix, ActionManualReview))
		}
		if s.TimeoutSeconds < 0 || s.TimeoutSeconds > maxStepTimeoutSec {
			violations = append(violations, fmt.Sprintf("%s.timeout_seconds: must be between 0 and %d", prefix, maxStepTimeoutSec))
		}
		if s.MaxRetries < 0 || s.MaxRetries > maxStepRetries {
			violations = append(violations, fmt.Sprintf("%s.max_retries: must be between 0 and %d", prefix, maxStepRetries))
		}
		if !s.Retryable && s.MaxRetries > 0 {
			violations = append(violations, fmt.Sprintf("%s.max_retries: set on a non-retryable step", prefix))
		}
	}

	// Index contiguity: 1..n must all be present once no per-step index
	// violations remain to report.
	for want := 1; want <= len(steps); want++ {
		if !seen[want] {
			violations = append(violations, fmt.Sprintf("steps: indices must be contiguous from 1, missing %d", want))
		}
	}

	return violations
}

// StepsEqual reports whether two step lists define the same procedure.
// Used to decide whether an update touches steps at all.
func StepsEqual(a, b []StepDefinition) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !stepEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func stepEqual(a, b StepDefinition) bool {
	if a.Index != b.Index || a.Name != b.Name || a.ActionType != b.ActionType ||
		a.TimeoutSeconds != b.TimeoutSeconds || a.Retryable != b.Retryable ||
		a.MaxRetries != b.MaxRetries || a.Manual != b.Manual {
		return false
	}
	if len(a.ActionParams) != len(b.ActionParams) {
		return false
	}
	for k, v := range a.ActionParams {
		if fmt.Sprintf("%v", b.ActionParams[k]) != fmt.Sprintf("%v", v) {
			return false
		}
	}
	return true
}
