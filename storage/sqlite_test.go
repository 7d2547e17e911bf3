package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"bastion/core"
	"bastion/playbook"
)

func setupTestDB(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "bastion_test.db"), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func storedPlaybook(firmID, name string) *playbook.Playbook {
	now := time.Now().UTC().Truncate(time.Second)
	return &playbook.Playbook{
		ID:       playbook.NewPlaybookID(),
		FirmID:   firmID,
		Name:     name,
		Category: core.CategorySecurity,
		Severity: core.SeverityHigh,
		Trigger: playbook.TriggerConditions{
			IncidentTypes: []string{"ransomware"},
			Severities:    []core.Severity{core.SeverityHigh, core.SeverityCritical},
		},
		Steps: []playbook.StepDefinition{
			{Index: 1, Name: "Isolate host", ActionType: playbook.ActionIsolateHost, Retryable: true, MaxRetries: 2},
			{Index: 2, Name: "Notify on-call", ActionType: playbook.ActionSendNotification},
		},
		EscalationPath: []string{"oncall@firm.example"},
		IsActive:       true,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func storedExecution(pb *playbook.Playbook, incidentID string) *playbook.Execution {
	return playbook.NewExecution(pb, incidentID, "analyst-1", time.Now().UTC().Truncate(time.Second))
}

func TestNewSQLiteRejectsBadPaths(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()

	tests := []struct {
		name string
		path string
	}{
		{"empty", ""},
		{"traversal", "../outside.db"},
		{"null byte", "data\x00.db"},
		{"absolute outside temp", "/etc/bastion.db"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSQLite(tt.path, logger)
			assert.Error(t, err)
		})
	}
}

func TestHealthCheck(t *testing.T) {
	s := setupTestDB(t)
	assert.NoError(t, s.HealthCheck())
}

func TestWithTransactionRollsBack(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	pb := storedPlaybook("firm-1", "Rollback probe")
	require.NoError(t, s.CreatePlaybook(ctx, pb))

	err := s.WithTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM playbooks WHERE id = ?", pb.ID); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)

	got, err := s.GetPlaybook(ctx, "firm-1", pb.ID)
	require.NoError(t, err, "rollback must restore the row")
	assert.Equal(t, pb.Name, got.Name)
}
