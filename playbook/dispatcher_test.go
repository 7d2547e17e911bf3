package playbook

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"bastion/core"
)

type stubAction struct {
	actionType string
	schema     string
	execute    func(ctx context.Context, in *ActionInput) (*ActionOutput, error)
}

func (a *stubAction) Type() string        { return a.actionType }
func (a *stubAction) Description() string { return "stub" }
func (a *stubAction) ParamSchema() string { return a.schema }
func (a *stubAction) Execute(ctx context.Context, in *ActionInput) (*ActionOutput, error) {
	return a.execute(ctx, in)
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d := NewDispatcher(zaptest.NewLogger(t).Sugar(), 4)
	d.backoff.MaxAttempts = 0
	return d
}

func dispatchInput(step StepDefinition) *ActionInput {
	return &ActionInput{
		ExecutionID: "ex-test0001",
		IncidentID:  "inc-test0001",
		FirmID:      "firm-1",
		Step:        step,
		Params:      step.ActionParams,
		Attempt:     1,
	}
}

func TestDispatcherRegister(t *testing.T) {
	d := newTestDispatcher(t)

	require.NoError(t, d.Register(&stubAction{actionType: ActionCreateTask}))
	assert.Error(t, d.Register(&stubAction{actionType: ActionCreateTask}), "duplicate registration")
	assert.Error(t, d.Register(&stubAction{actionType: "made_up"}), "unknown action type")
	assert.Error(t, d.Register(nil))
	assert.Error(t, d.Register(&stubAction{actionType: ActionCallWebhook, schema: "{not json"}))
	assert.Contains(t, d.RegisteredTypes(), ActionCreateTask)
}

func TestDispatchSuccess(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, d.Register(&stubAction{
		actionType: ActionCreateTask,
		execute: func(ctx context.Context, in *ActionInput) (*ActionOutput, error) {
			return &ActionOutput{Output: map[string]any{"task_id": "task-1"}}, nil
		},
	}))

	step := StepDefinition{Index: 1, Name: "Open task", ActionType: ActionCreateTask}
	outcome, err := d.Dispatch(context.Background(), dispatchInput(step))
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, "task-1", outcome.Output["task_id"])
	assert.False(t, outcome.StartedAt.IsZero())
}

func TestDispatchFailureIsOutcomeNotError(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, d.Register(&stubAction{
		actionType: ActionCallWebhook,
		execute: func(ctx context.Context, in *ActionInput) (*ActionOutput, error) {
			return nil, fmt.Errorf("permanent failure: endpoint rejected request")
		},
	}))

	step := StepDefinition{Index: 1, Name: "Hook", ActionType: ActionCallWebhook}
	outcome, err := d.Dispatch(context.Background(), dispatchInput(step))
	require.NoError(t, err, "a failed action is a recorded outcome, not a dispatch error")
	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Error, "endpoint rejected")
}

func TestDispatchManualStepRejected(t *testing.T) {
	d := newTestDispatcher(t)

	step := StepDefinition{Index: 1, Name: "Review", ActionType: ActionManualReview, Manual: true}
	_, err := d.Dispatch(context.Background(), dispatchInput(step))
	var cf *core.ConflictError
	require.ErrorAs(t, err, &cf)
}

func TestDispatchUnregisteredAction(t *testing.T) {
	d := newTestDispatcher(t)

	step := StepDefinition{Index: 1, Name: "Hook", ActionType: ActionCallWebhook}
	_, err := d.Dispatch(context.Background(), dispatchInput(step))
	var nf *core.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "action", nf.Resource)
}

func TestDispatchSchemaViolationFailsAttempt(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, d.Register(&stubAction{
		actionType: ActionBlockIP,
		schema:     `{"type":"object","required":["ip"],"properties":{"ip":{"type":"string"}}}`,
		execute: func(ctx context.Context, in *ActionInput) (*ActionOutput, error) {
			t.Fatal("action must not run with invalid params")
			return nil, nil
		},
	}))

	step := StepDefinition{Index: 1, Name: "Block", ActionType: ActionBlockIP, ActionParams: map[string]any{}}
	outcome, err := d.Dispatch(context.Background(), dispatchInput(step))
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Error, "action_params")
}

func TestValidateParams(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, d.Register(&stubAction{
		actionType: ActionSendNotification,
		schema: `{
			"type":"object",
			"required":["contacts","message"],
			"properties":{
				"contacts":{"type":"array","minItems":1},
				"message":{"type":"string","minLength":1}
			}
		}`,
	}))

	assert.Empty(t, d.ValidateParams(ActionSendNotification, map[string]any{
		"contacts": []any{"oncall@firm.example"},
		"message":  "disk is on fire",
	}))

	violations := d.ValidateParams(ActionSendNotification, map[string]any{})
	assert.Len(t, violations, 2, "both missing fields reported")

	assert.NotEmpty(t, d.ValidateParams("never_registered", nil))
}

func TestDispatchStepTimeout(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, d.Register(&stubAction{
		actionType: ActionRunScript,
		execute: func(ctx context.Context, in *ActionInput) (*ActionOutput, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	step := StepDefinition{Index: 1, Name: "Slow script", ActionType: ActionRunScript, TimeoutSeconds: 1}
	outcome, err := d.Dispatch(context.Background(), dispatchInput(step))
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Error, "deadline")
}

func TestWebhookActionAgainstServer(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := newTestDispatcher(t)
	require.NoError(t, d.Register(NewWebhookAction(srv.Client())))

	step := StepDefinition{
		Index:      1,
		Name:       "Notify SOC bridge",
		ActionType: ActionCallWebhook,
		ActionParams: map[string]any{
			"url": srv.URL,
		},
	}
	outcome, err := d.Dispatch(context.Background(), dispatchInput(step))
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, int32(1), calls.Load())
}

func TestContainmentActionWithoutEndpoint(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, d.Register(NewBlockIPAction("", nil)))

	step := StepDefinition{
		Index:        1,
		Name:         "Block attacker",
		ActionType:   ActionBlockIP,
		ActionParams: map[string]any{"ip": "203.0.113.9"},
	}
	outcome, err := d.Dispatch(context.Background(), dispatchInput(step))
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Error, "no enforcement endpoint")
}
