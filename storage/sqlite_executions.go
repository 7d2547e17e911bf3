package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"bastion/playbook"
)

// ExecutionFilter narrows ListExecutions results. Zero values mean "any".
type ExecutionFilter struct {
	Status     string
	IncidentID string
	PlaybookID string
	Limit      int
	Offset     int
}

// ExecutionStats summarizes a firm's executions.
type ExecutionStats struct {
	Total          int            `json:"total"`
	ByStatus       map[string]int `json:"by_status"`
	AvgDurationSec float64        `json:"avg_duration_seconds"`
}

// CreateExecution inserts a new execution. The partial unique index on
// active executions enforces the one-active-per-(incident,playbook) rule;
// a violation surfaces as ErrDuplicateActiveExecution.
func (s *SQLite) CreateExecution(ctx context.Context, e *playbook.Execution) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	steps, results, err := marshalExecutionFields(e)
	if err != nil {
		return err
	}

	_, err = s.WriteDB.ExecContext(ctx, `
		INSERT INTO executions (id, firm_id, incident_id, playbook_id, steps, status,
			current_step_index, step_results, started_by, started_at,
			completed_at, aborted_at, abort_reason, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.FirmID, e.IncidentID, e.PlaybookID, steps, string(e.Status),
		e.CurrentStepIndex, results, e.StartedBy, e.StartedAt.UTC().Format(time.RFC3339),
		nullableTime(e.CompletedAt), nullableTime(e.AbortedAt), nullString(e.AbortReason), e.Version)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateActiveExecution
		}
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// GetExecution loads one execution scoped to a firm.
func (s *SQLite) GetExecution(ctx context.Context, firmID, id string) (*playbook.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	row := s.ReadDB.QueryRowContext(ctx, `
		SELECT id, firm_id, incident_id, playbook_id, steps, status,
			current_step_index, step_results, started_by, started_at,
			completed_at, aborted_at, abort_reason, version
		FROM executions WHERE id = ? AND firm_id = ?`, id, firmID)

	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading execution %s: %w", id, err)
	}
	return e, nil
}

// UpdateExecution persists the execution's mutable state conditionally on
// expectedVersion and bumps the stored version. A stale version yields
// ErrVersionConflict and changes nothing.
func (s *SQLite) UpdateExecution(ctx context.Context, e *playbook.Execution, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, results, err := marshalExecutionFields(e)
	if err != nil {
		return err
	}

	return s.WithTransaction(func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE executions
			SET status = ?, current_step_index = ?, step_results = ?,
				completed_at = ?, aborted_at = ?, abort_reason = ?, version = version + 1
			WHERE id = ? AND firm_id = ? AND version = ?`,
			string(e.Status), e.CurrentStepIndex, results,
			nullableTime(e.CompletedAt), nullableTime(e.AbortedAt), nullString(e.AbortReason),
			e.ID, e.FirmID, expectedVersion)
		if err != nil {
			return fmt.Errorf("updating execution %s: %w", e.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking update result: %w", err)
		}
		if n == 0 {
			var count int
			if err := tx.QueryRowContext(ctx,
				"SELECT COUNT(*) FROM executions WHERE id = ? AND firm_id = ?",
				e.ID, e.FirmID).Scan(&count); err != nil {
				return fmt.Errorf("checking execution existence: %w", err)
			}
			if count == 0 {
				return ErrExecutionNotFound
			}
			return ErrVersionConflict
		}
		e.Version = expectedVersion + 1
		return nil
	})
}

// ListExecutions returns a filtered page of a firm's executions, newest
// first, plus the unpaged total.
func (s *SQLite) ListExecutions(ctx context.Context, firmID string, filter ExecutionFilter) ([]*playbook.Execution, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	where := []string{"firm_id = ?"}
	args := []any{firmID}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.IncidentID != "" {
		where = append(where, "incident_id = ?")
		args = append(args, filter.IncidentID)
	}
	if filter.PlaybookID != "" {
		where = append(where, "playbook_id = ?")
		args = append(args, filter.PlaybookID)
	}
	whereClause := strings.Join(where, " AND ")

	var total int
	if err := s.ReadDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM executions WHERE "+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting executions: %w", err)
	}

	query := `
		SELECT id, firm_id, incident_id, playbook_id, steps, status,
			current_step_index, step_results, started_by, started_at,
			completed_at, aborted_at, abort_reason, version
		FROM executions WHERE ` + whereClause + " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var out []*playbook.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning execution row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating execution rows: %w", err)
	}
	return out, total, nil
}

// GetExecutionStats aggregates a firm's execution counts and the average
// duration of completed runs.
func (s *SQLite) GetExecutionStats(ctx context.Context, firmID string) (*ExecutionStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stats := &ExecutionStats{ByStatus: make(map[string]int)}

	rows, err := s.ReadDB.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM executions WHERE firm_id = ? GROUP BY status", firmID)
	if err != nil {
		return nil, fmt.Errorf("counting executions by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating status counts: %w", err)
	}

	err = s.ReadDB.QueryRowContext(ctx, `
		SELECT COALESCE(AVG((JULIANDAY(completed_at) - JULIANDAY(started_at)) * 86400), 0)
		FROM executions WHERE firm_id = ? AND completed_at IS NOT NULL`, firmID).
		Scan(&stats.AvgDurationSec)
	if err != nil {
		return nil, fmt.Errorf("computing average duration: %w", err)
	}
	return stats, nil
}

func scanExecution(row rowScanner) (*playbook.Execution, error) {
	var (
		e           playbook.Execution
		status      string
		steps       string
		results     sql.NullString
		startedAt   string
		completedAt sql.NullString
		abortedAt   sql.NullString
		abortReason sql.NullString
	)
	err := row.Scan(&e.ID, &e.FirmID, &e.IncidentID, &e.PlaybookID, &steps, &status,
		&e.CurrentStepIndex, &results, &e.StartedBy, &startedAt,
		&completedAt, &abortedAt, &abortReason, &e.Version)
	if err != nil {
		return nil, err
	}

	e.Status = playbook.ExecutionStatus(status)
	if err := json.Unmarshal([]byte(steps), &e.Steps); err != nil {
		return nil, fmt.Errorf("decoding step snapshot: %w", err)
	}
	if results.Valid && results.String != "" {
		if err := json.Unmarshal([]byte(results.String), &e.StepResults); err != nil {
			return nil, fmt.Errorf("decoding step results: %w", err)
		}
	}
	if e.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing completed_at: %w", err)
		}
		e.CompletedAt = &t
	}
	if abortedAt.Valid {
		t, err := parseTime(abortedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing aborted_at: %w", err)
		}
		e.AbortedAt = &t
	}
	e.AbortReason = abortReason.String
	return &e, nil
}

func marshalExecutionFields(e *playbook.Execution) (steps, results string, err error) {
	stepsRaw, err := json.Marshal(e.Steps)
	if err != nil {
		return "", "", fmt.Errorf("encoding step snapshot: %w", err)
	}
	resultsRaw, err := json.Marshal(e.StepResults)
	if err != nil {
		return "", "", fmt.Errorf("encoding step results: %w", err)
	}
	return string(stepsRaw), string(resultsRaw), nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
