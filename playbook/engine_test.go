package playbook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bastion/core"
)

func testPlaybook() *Playbook {
	return &Playbook{
		ID:       "pb-aaaa1111",
		FirmID:   "firm-1",
		Name:     "Ransomware response",
		Category: core.CategorySecurity,
		Severity: core.SeverityCritical,
		IsActive: true,
		Steps: []StepDefinition{
			{Index: 1, Name: "Isolate host", ActionType: ActionIsolateHost, Retryable: true, MaxRetries: 2},
			{Index: 2, Name: "Notify on-call", ActionType: ActionSendNotification},
			{Index: 3, Name: "Confirm containment", ActionType: ActionManualReview, Manual: true},
		},
		EscalationPath: []string{"oncall@firm.example", "ciso@firm.example"},
	}
}

func runningExecution(t *testing.T) *Execution {
	t.Helper()
	e := NewExecution(testPlaybook(), "inc-11112222", "analyst-7", time.Now().UTC())
	require.NoError(t, Begin(e))
	return e
}

func TestNewExecutionSnapshotsSteps(t *testing.T) {
	pb := testPlaybook()
	e := NewExecution(pb, "inc-11112222", "analyst-7", time.Now().UTC())

	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, 1, e.CurrentStepIndex)
	assert.Equal(t, int64(1), e.Version)
	require.Len(t, e.Steps, 3)

	// Mutating the playbook afterwards must not touch the snapshot.
	pb.Steps[0].Name = "changed"
	assert.Equal(t, "Isolate host", e.Steps[0].Name)
}

func TestBeginOnlyFromPending(t *testing.T) {
	e := runningExecution(t)

	err := Begin(e)
	var cf *core.ConflictError
	require.ErrorAs(t, err, &cf)
}

func TestSuccessfulRunCompletes(t *testing.T) {
	e := runningExecution(t)
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		require.NoError(t, RecordSuccess(e, StepOutcome{Success: true}, now))
	}

	assert.Equal(t, StatusCompleted, e.Status)
	require.NotNil(t, e.CompletedAt)
	assert.Equal(t, 4, e.CurrentStepIndex)
	require.Len(t, e.StepResults, 3)
	for i, r := range e.StepResults {
		assert.Equal(t, i+1, r.StepIndex)
		assert.Equal(t, StepSuccess, r.Status)
		assert.Equal(t, 1, r.Attempt)
	}
}

func TestFailureParksExecution(t *testing.T) {
	e := runningExecution(t)

	require.NoError(t, RecordFailure(e, StepOutcome{Error: "EDR timeout"}, time.Now().UTC()))

	assert.Equal(t, StatusStepFailed, e.Status)
	assert.Equal(t, 1, e.CurrentStepIndex, "cursor stays on the failed step")
	require.Len(t, e.StepResults, 1)
	assert.Equal(t, StepFailed, e.StepResults[0].Status)
	assert.Equal(t, "EDR timeout", e.StepResults[0].Error)
}

func TestRetryOnlyCurrentStep(t *testing.T) {
	e := runningExecution(t)
	require.NoError(t, RecordFailure(e, StepOutcome{Error: "boom"}, time.Now().UTC()))

	err := Retry(e, 2)
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)

	require.NoError(t, Retry(e, 1))
	assert.Equal(t, StatusRunning, e.Status)
	assert.Equal(t, 2, e.NextAttempt())
}

func TestRetryRequiresFailedState(t *testing.T) {
	e := runningExecution(t)

	err := Retry(e, 1)
	var cf *core.ConflictError
	require.ErrorAs(t, err, &cf)
}

func TestAttemptNumbersCount(t *testing.T) {
	e := runningExecution(t)
	now := time.Now().UTC()

	require.NoError(t, RecordFailure(e, StepOutcome{Error: "first"}, now))
	require.NoError(t, Retry(e, 1))
	require.NoError(t, RecordFailure(e, StepOutcome{Error: "second"}, now))
	require.NoError(t, Retry(e, 1))
	require.NoError(t, RecordSuccess(e, StepOutcome{Success: true}, now))

	require.Len(t, e.StepResults, 3)
	assert.Equal(t, 1, e.StepResults[0].Attempt)
	assert.Equal(t, 2, e.StepResults[1].Attempt)
	assert.Equal(t, 3, e.StepResults[2].Attempt)
	assert.Equal(t, 2, e.CurrentStepIndex)
}

func TestRetriesExhaustedNeverAborts(t *testing.T) {
	e := runningExecution(t)
	now := time.Now().UTC()

	// MaxRetries is 2, so attempts 1..3 are allowed before exhaustion.
	for i := 0; i < 3; i++ {
		require.NoError(t, RecordFailure(e, StepOutcome{Error: "still down"}, now))
		if i < 2 {
			require.NoError(t, Retry(e, 1))
		}
	}

	assert.True(t, e.RetriesExhausted())
	assert.Equal(t, StatusStepFailed, e.Status, "exhausted retries must not abort the run")
}

func TestSkipRequiresReason(t *testing.T) {
	e := runningExecution(t)
	now := time.Now().UTC()
	require.NoError(t, RecordFailure(e, StepOutcome{Error: "EDR timeout"}, now))

	err := Skip(e, "  ", now)
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)

	require.NoError(t, Skip(e, "host already isolated manually", now))
	assert.Equal(t, 2, e.CurrentStepIndex)
	require.Len(t, e.StepResults, 2)
	assert.Equal(t, StepSkipped, e.StepResults[1].Status)
	assert.Equal(t, "host already isolated manually", e.StepResults[1].Notes)
}

func TestSkipLastStepCompletes(t *testing.T) {
	e := runningExecution(t)
	now := time.Now().UTC()

	require.NoError(t, RecordSuccess(e, StepOutcome{Success: true}, now))
	require.NoError(t, RecordSuccess(e, StepOutcome{Success: true}, now))
	require.NoError(t, RecordFailure(e, StepOutcome{Error: "analyst unavailable"}, now))
	require.NoError(t, Skip(e, "containment verified out of band", now))

	assert.Equal(t, StatusCompleted, e.Status)
	require.NotNil(t, e.CompletedAt)
}

func TestSkipOnlyFromStepFailed(t *testing.T) {
	e := runningExecution(t)

	err := Skip(e, "in a hurry", time.Now().UTC())
	var cf *core.ConflictError
	require.ErrorAs(t, err, &cf)
	assert.Equal(t, StatusRunning, e.Status)
	assert.Equal(t, 1, e.CurrentStepIndex, "a healthy in-progress step must not be skippable")
	assert.Empty(t, e.StepResults)
}

func TestSkipFromStepFailed(t *testing.T) {
	e := runningExecution(t)
	now := time.Now().UTC()

	require.NoError(t, RecordFailure(e, StepOutcome{Error: "boom"}, now))
	require.NoError(t, Skip(e, "moving on", now))

	assert.Equal(t, StatusRunning, e.Status)
	assert.Equal(t, 2, e.CurrentStepIndex)
}

func TestAbort(t *testing.T) {
	e := runningExecution(t)

	err := Abort(e, "", time.Now().UTC())
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)

	require.NoError(t, Abort(e, "false positive", time.Now().UTC()))
	assert.Equal(t, StatusAborted, e.Status)
	assert.Equal(t, "false positive", e.AbortReason)
	require.NotNil(t, e.AbortedAt)
}

func TestTerminalExecutionsAreImmutable(t *testing.T) {
	now := time.Now().UTC()
	e := runningExecution(t)
	require.NoError(t, Abort(e, "done testing", now))

	var cf *core.ConflictError
	require.ErrorAs(t, Begin(e), &cf)
	require.ErrorAs(t, RecordSuccess(e, StepOutcome{}, now), &cf)
	require.ErrorAs(t, RecordFailure(e, StepOutcome{}, now), &cf)
	require.ErrorAs(t, Skip(e, "reason", now), &cf)
	require.ErrorAs(t, Retry(e, 1), &cf)
	require.ErrorAs(t, Abort(e, "again", now), &cf)
}

func TestOutcomeOnPendingRejected(t *testing.T) {
	e := NewExecution(testPlaybook(), "inc-1", "analyst", time.Now().UTC())

	var cf *core.ConflictError
	require.ErrorAs(t, RecordSuccess(e, StepOutcome{}, time.Now().UTC()), &cf)
}

func TestOutcomeOnParkedStepRejected(t *testing.T) {
	e := runningExecution(t)
	now := time.Now().UTC()
	require.NoError(t, RecordFailure(e, StepOutcome{Error: "boom"}, now))

	// A failed step waits for an explicit retry or skip; reporting an
	// outcome must not advance past it.
	var cf *core.ConflictError
	require.ErrorAs(t, RecordSuccess(e, StepOutcome{Success: true}, now), &cf)
	require.ErrorAs(t, RecordFailure(e, StepOutcome{Error: "again"}, now), &cf)

	assert.Equal(t, StatusStepFailed, e.Status)
	assert.Equal(t, 1, e.CurrentStepIndex)
	require.Len(t, e.StepResults, 1)
}
