package storage

import "errors"

// Sentinel errors shared by all storage implementations. The service layer
// translates these into the typed errors API callers match on.
var (
	ErrPlaybookNotFound  = errors.New("playbook not found")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrIncidentNotFound  = errors.New("incident not found")

	// ErrDuplicateName is returned when a playbook name is already taken
	// within the firm.
	ErrDuplicateName = errors.New("playbook with this name already exists")

	// ErrVersionConflict is returned when a conditional update carried a
	// stale version marker. Nothing was changed.
	ErrVersionConflict = errors.New("version conflict")

	// ErrPlaybookInUse is returned when deleting a playbook that
	// executions still reference.
	ErrPlaybookInUse = errors.New("playbook is referenced by executions")

	// ErrDuplicateActiveExecution is returned when an active execution
	// already exists for the same incident and playbook.
	ErrDuplicateActiveExecution = errors.New("active execution already exists for this incident and playbook")
)
