package playbook

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"bastion/core"
)

const (
	defaultStepTimeout   = 2 * time.Minute
	defaultMaxConcurrent = 16
)

// ActionInput is what a registered action receives for one step attempt.
type ActionInput struct {
	ExecutionID string
	IncidentID  string
	FirmID      string
	Step        StepDefinition
	Params      map[string]any
	Attempt     int
}

// ActionOutput is what an action produced on success.
type ActionOutput struct {
	Output map[string]any
	Notes  string
}

// Action is one kind of automated step. Implementations must be safe for
// concurrent use; the dispatcher may run many steps at once.
type Action interface {
	// Type is the action_type steps reference.
	Type() string
	// Description is a short operator-facing summary.
	Description() string
	// ParamSchema returns the JSON schema the step's action_params must
	// satisfy, or "" when the action takes no params.
	ParamSchema() string
	// Execute performs the action. Returned errors are classified for
	// in-attempt backoff; a permanent error fails the attempt immediately.
	Execute(ctx context.Context, in *ActionInput) (*ActionOutput, error)
}

// Dispatcher routes step definitions to registered actions, enforcing
// per-step timeouts, param schema validation, and bounded concurrency.
type Dispatcher struct {
	mu      sync.RWMutex
	actions map[string]Action
	schemas map[string]*gojsonschema.Schema
	sem     chan struct{}
	backoff BackoffConfig
	logger  *zap.SugaredLogger
}

// NewDispatcher builds a dispatcher with no actions registered.
func NewDispatcher(logger *zap.SugaredLogger, maxConcurrent int) *Dispatcher {
	if logger == nil {
		panic("dispatcher requires a logger")
	}
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	cfg := DefaultBackoffConfig()
	cfg.Logger = logger
	return &Dispatcher{
		actions: make(map[string]Action),
		schemas: make(map[string]*gojsonschema.Schema),
		sem:     make(chan struct{}, maxConcurrent),
		backoff: cfg,
		logger:  logger,
	}
}

// Register adds an action. Registering a duplicate or unknown action type
// is a programming error and fails loudly.
func (d *Dispatcher) Register(a Action) error {
	if a == nil {
		return fmt.Errorf("action must not be nil")
	}
	t := a.Type()
	if !KnownActionTypes[t] {
		return fmt.Errorf("unknown action type %q", t)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.actions[t]; dup {
		return fmt.Errorf("action type %q already registered", t)
	}
	if raw := a.ParamSchema(); raw != "" {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
		if err != nil {
			return fmt.Errorf("compiling schema for %q: %w", t, err)
		}
		d.schemas[t] = schema
	}
	d.actions[t] = a
	return nil
}

// RegisteredTypes lists the currently registered action types.
func (d *Dispatcher) RegisteredTypes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	types := make([]string, 0, len(d.actions))
	for t := range d.actions {
		types = append(types, t)
	}
	return types
}

// ValidateParams checks a step's action_params against the registered
// action's schema and returns every violation. Used both at playbook save
// time and before dispatch.
func (d *Dispatcher) ValidateParams(actionType string, params map[string]any) []string {
	d.mu.RLock()
	schema, hasSchema := d.schemas[actionType]
	_, registered := d.actions[actionType]
	d.mu.RUnlock()

	if !registered {
		return []string{fmt.Sprintf("action_params: no action registered for type %q", actionType)}
	}
	if !hasSchema {
		return nil
	}

	if params == nil {
		params = map[string]any{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return []string{fmt.Sprintf("action_params: %v", err)}
	}
	if result.Valid() {
		return nil
	}
	violations := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		violations = append(violations, fmt.Sprintf("action_params.%s: %s", e.Field(), e.Description()))
	}
	return violations
}

// Dispatch runs one step attempt and converts the result to a StepOutcome.
// A failed action is a normal outcome, not an error; Dispatch only returns
// an error for requests it cannot act on at all (manual step, no such
// action, cancelled context).
func (d *Dispatcher) Dispatch(ctx context.Context, in *ActionInput) (StepOutcome, error) {
	started := time.Now().UTC()

	if in.Step.Manual {
		return StepOutcome{}, core.NewConflictError("step %d of execution %s is manual and cannot be dispatched", in.Step.Index, in.ExecutionID)
	}

	d.mu.RLock()
	action, ok := d.actions[in.Step.ActionType]
	d.mu.RUnlock()
	if !ok {
		return StepOutcome{}, &core.NotFoundError{Resource: "action", ID: in.Step.ActionType}
	}

	if violations := d.ValidateParams(in.Step.ActionType, in.Params); len(violations) > 0 {
		return StepOutcome{
			Success:   false,
			Error:     strings.Join(violations, "; "),
			StartedAt: started,
		}, nil
	}

	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-ctx.Done():
		return StepOutcome{}, fmt.Errorf("waiting for dispatch slot: %w", ctx.Err())
	}

	timeout := defaultStepTimeout
	if in.Step.TimeoutSeconds > 0 {
		timeout = time.Duration(in.Step.TimeoutSeconds) * time.Second
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out *ActionOutput
	err := ExecuteWithBackoff(stepCtx, func() error {
		var execErr error
		out, execErr = action.Execute(stepCtx, in)
		return execErr
	}, d.backoff)

	if err != nil {
		d.logger.Warnw("Step action failed",
			"execution_id", in.ExecutionID,
			"step_index", in.Step.Index,
			"action_type", in.Step.ActionType,
			"attempt", in.Attempt,
			"error", err)
		return StepOutcome{
			Success:   false,
			Error:     err.Error(),
			StartedAt: started,
		}, nil
	}

	outcome := StepOutcome{Success: true, StartedAt: started}
	if out != nil {
		outcome.Output = out.Output
		outcome.Notes = out.Notes
	}
	d.logger.Infow("Step action completed",
		"execution_id", in.ExecutionID,
		"step_index", in.Step.Index,
		"action_type", in.Step.ActionType,
		"duration", time.Since(started))
	return outcome, nil
}

var _ StepActionDispatcher = (*Dispatcher)(nil)

// StepActionDispatcher is the surface the execution service consumes.
type StepActionDispatcher interface {
	Dispatch(ctx context.Context, in *ActionInput) (StepOutcome, error)
	ValidateParams(actionType string, params map[string]any) []string
}
