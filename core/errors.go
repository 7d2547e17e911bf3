package core

import (
	"fmt"
	"strings"
)

// ValidationError reports every violated field of a request in one error,
// so callers see the full set of problems rather than the first one hit.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", strings.Join(e.Fields, "; "))
}

// NewValidationError builds a ValidationError from the collected field
// violations. Returns nil when the slice is empty.
func NewValidationError(fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: fields}
}

// NotFoundError indicates the referenced resource does not exist in the
// caller's scope. Cross-tenant lookups deliberately produce this rather
// than a permission error, so tenants cannot probe each other's IDs.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// ConflictError indicates the operation is valid in form but collides with
// current state (stale version, duplicate active execution, terminal
// execution, referenced playbook).
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return e.Reason
}

// NewConflictError builds a ConflictError with a formatted reason.
func NewConflictError(format string, args ...any) error {
	return &ConflictError{Reason: fmt.Sprintf(format, args...)}
}
