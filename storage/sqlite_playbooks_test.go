package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bastion/core"
	"bastion/playbook"
)

func TestPlaybookCreateAndGet(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	pb := storedPlaybook("firm-1", "Ransomware response")
	require.NoError(t, s.CreatePlaybook(ctx, pb))

	got, err := s.GetPlaybook(ctx, "firm-1", pb.ID)
	require.NoError(t, err)
	assert.Equal(t, pb.Name, got.Name)
	assert.Equal(t, pb.Trigger.IncidentTypes, got.Trigger.IncidentTypes)
	assert.Equal(t, pb.Steps, got.Steps)
	assert.Equal(t, pb.EscalationPath, got.EscalationPath)
	assert.True(t, got.IsActive)
	assert.Equal(t, int64(1), got.Version)
}

func TestPlaybookGetScopedToFirm(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	pb := storedPlaybook("firm-1", "Ransomware response")
	require.NoError(t, s.CreatePlaybook(ctx, pb))

	_, err := s.GetPlaybook(ctx, "firm-2", pb.ID)
	assert.ErrorIs(t, err, ErrPlaybookNotFound, "another firm's playbook looks missing")
}

func TestPlaybookDuplicateName(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, s.CreatePlaybook(ctx, storedPlaybook("firm-1", "Same name")))
	err := s.CreatePlaybook(ctx, storedPlaybook("firm-1", "Same name"))
	assert.ErrorIs(t, err, ErrDuplicateName)

	// The same name in another firm is fine.
	assert.NoError(t, s.CreatePlaybook(ctx, storedPlaybook("firm-2", "Same name")))
}

func TestPlaybookUpdateOptimisticConcurrency(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	pb := storedPlaybook("firm-1", "Before")
	require.NoError(t, s.CreatePlaybook(ctx, pb))

	pb.Name = "After"
	pb.UpdatedAt = time.Now().UTC()
	require.NoError(t, s.UpdatePlaybook(ctx, pb, 1))
	assert.Equal(t, int64(2), pb.Version)

	// Re-submitting with the stale version marker must fail unchanged.
	pb.Name = "Stale write"
	err := s.UpdatePlaybook(ctx, pb, 1)
	assert.ErrorIs(t, err, ErrVersionConflict)

	got, err := s.GetPlaybook(ctx, "firm-1", pb.ID)
	require.NoError(t, err)
	assert.Equal(t, "After", got.Name)
	assert.Equal(t, int64(2), got.Version)
}

func TestPlaybookUpdateMissing(t *testing.T) {
	s := setupTestDB(t)

	pb := storedPlaybook("firm-1", "Ghost")
	err := s.UpdatePlaybook(context.Background(), pb, 1)
	assert.ErrorIs(t, err, ErrPlaybookNotFound)
}

func TestPlaybookDelete(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	pb := storedPlaybook("firm-1", "Short-lived")
	require.NoError(t, s.CreatePlaybook(ctx, pb))
	require.NoError(t, s.DeletePlaybook(ctx, "firm-1", pb.ID))

	_, err := s.GetPlaybook(ctx, "firm-1", pb.ID)
	assert.ErrorIs(t, err, ErrPlaybookNotFound)
}

func TestPlaybookDeleteBlockedByExecutions(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	pb := storedPlaybook("firm-1", "Referenced")
	require.NoError(t, s.CreatePlaybook(ctx, pb))
	require.NoError(t, s.CreateExecution(ctx, storedExecution(pb, "inc-1")))

	err := s.DeletePlaybook(ctx, "firm-1", pb.ID)
	assert.ErrorIs(t, err, ErrPlaybookInUse)
}

func TestPlaybookList(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	a := storedPlaybook("firm-1", "Alpha response")
	a.UpdatedAt = time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	b := storedPlaybook("firm-1", "Beta response")
	b.IsActive = false
	c := storedPlaybook("firm-2", "Other firm")
	for _, pb := range []*playbook.Playbook{a, b, c} {
		require.NoError(t, s.CreatePlaybook(ctx, pb))
	}

	all, total, err := s.ListPlaybooks(ctx, "firm-1", PlaybookFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, all, 2)
	assert.Equal(t, "Beta response", all[0].Name, "newest first")

	active := true
	onlyActive, total, err := s.ListPlaybooks(ctx, "firm-1", PlaybookFilter{IsActive: &active})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, onlyActive, 1)
	assert.Equal(t, "Alpha response", onlyActive[0].Name)

	byName, _, err := s.ListPlaybooks(ctx, "firm-1", PlaybookFilter{NameContains: "beta"})
	require.NoError(t, err)
	require.Len(t, byName, 1)
	assert.Equal(t, "Beta response", byName[0].Name)

	paged, total, err := s.ListPlaybooks(ctx, "firm-1", PlaybookFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, paged, 1)
}

func TestPlaybookListWildcardEscaped(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	pb := storedPlaybook("firm-1", "100% coverage")
	require.NoError(t, s.CreatePlaybook(ctx, pb))
	require.NoError(t, s.CreatePlaybook(ctx, storedPlaybook("firm-1", "100x coverage")))

	got, _, err := s.ListPlaybooks(ctx, "firm-1", PlaybookFilter{NameContains: "100%"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "100% coverage", got[0].Name)
}

func TestListActivePlaybooks(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	on := storedPlaybook("firm-1", "Active")
	off := storedPlaybook("firm-1", "Disabled")
	off.IsActive = false
	require.NoError(t, s.CreatePlaybook(ctx, on))
	require.NoError(t, s.CreatePlaybook(ctx, off))

	got, err := s.ListActivePlaybooks(ctx, "firm-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Active", got[0].Name)
}

func TestCountExecutionsForPlaybook(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	pb := storedPlaybook("firm-1", "Counted")
	require.NoError(t, s.CreatePlaybook(ctx, pb))

	done := storedExecution(pb, "inc-done")
	done.Status = playbook.StatusCompleted
	now := time.Now().UTC()
	done.CompletedAt = &now
	require.NoError(t, s.CreateExecution(ctx, done))
	require.NoError(t, s.CreateExecution(ctx, storedExecution(pb, "inc-active")))

	total, err := s.CountExecutionsForPlaybook(ctx, pb.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	active, err := s.CountExecutionsForPlaybook(ctx, pb.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 1, active)
}

func TestPlaybookRoundTripSeverityAndCategory(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	pb := storedPlaybook("firm-1", "Enum round trip")
	pb.Category = core.CategoryAvailability
	pb.Severity = core.SeverityCritical
	require.NoError(t, s.CreatePlaybook(ctx, pb))

	got, err := s.GetPlaybook(ctx, "firm-1", pb.ID)
	require.NoError(t, err)
	assert.Equal(t, core.CategoryAvailability, got.Category)
	assert.Equal(t, core.SeverityCritical, got.Severity)
}
