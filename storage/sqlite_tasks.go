package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task is a follow-up work item opened by the create_task step action.
type Task struct {
	ID         string    `json:"id"`
	FirmID     string    `json:"firm_id"`
	IncidentID string    `json:"incident_id"`
	Title      string    `json:"title"`
	Assignee   string    `json:"assignee,omitempty"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// CreateTask opens a task and returns its ID. Implements the dispatcher's
// TaskSink.
func (s *SQLite) CreateTask(ctx context.Context, firmID, incidentID, title, assignee string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := fmt.Sprintf("task-%s", uuid.New().String()[:8])
	_, err := s.WriteDB.ExecContext(ctx, `
		INSERT INTO tasks (id, firm_id, incident_id, title, assignee, status, created_at)
		VALUES (?, ?, ?, ?, ?, 'open', ?)`,
		id, firmID, incidentID, title, assignee, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return "", fmt.Errorf("inserting task: %w", err)
	}
	return id, nil
}

// ListTasks returns a firm's tasks for an incident, newest first.
func (s *SQLite) ListTasks(ctx context.Context, firmID, incidentID string) ([]*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := s.ReadDB.QueryContext(ctx, `
		SELECT id, firm_id, incident_id, title, assignee, status, created_at
		FROM tasks WHERE firm_id = ? AND incident_id = ?
		ORDER BY created_at DESC`, firmID, incidentID)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		var t Task
		var createdAt string
		if err := rows.Scan(&t.ID, &t.FirmID, &t.IncidentID, &t.Title, &t.Assignee, &t.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task rows: %w", err)
	}
	return out, nil
}
