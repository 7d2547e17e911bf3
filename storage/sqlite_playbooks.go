package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"bastion/core"
	"bastion/playbook"
)

// PlaybookFilter narrows ListPlaybooks results. Zero values mean "any".
type PlaybookFilter struct {
	Category     string
	Severity     string
	IsActive     *bool
	NameContains string
	Limit        int
	Offset       int
}

// CreatePlaybook inserts a playbook. The caller is expected to have set
// ID, timestamps, and Version.
func (s *SQLite) CreatePlaybook(ctx context.Context, p *playbook.Playbook) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	trigger, steps, escalation, err := marshalPlaybookFields(p)
	if err != nil {
		return err
	}

	return s.WithTransaction(func(tx *sql.Tx) error {
		var count int
		err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM playbooks WHERE firm_id = ? AND name = ?",
			p.FirmID, p.Name).Scan(&count)
		if err != nil {
			return fmt.Errorf("checking playbook name: %w", err)
		}
		if count > 0 {
			return ErrDuplicateName
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO playbooks (id, firm_id, name, description, category, severity,
				trigger_conditions, steps, escalation_path, is_active, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.FirmID, p.Name, p.Description, string(p.Category), string(p.Severity),
			trigger, steps, escalation, boolToInt(p.IsActive), p.Version,
			p.CreatedAt.UTC().Format(time.RFC3339), p.UpdatedAt.UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("inserting playbook: %w", err)
		}
		return nil
	})
}

// GetPlaybook loads one playbook scoped to a firm. Another firm's
// playbook is indistinguishable from a missing one.
func (s *SQLite) GetPlaybook(ctx context.Context, firmID, id string) (*playbook.Playbook, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	row := s.ReadDB.QueryRowContext(ctx, `
		SELECT id, firm_id, name, description, category, severity,
			trigger_conditions, steps, escalation_path, is_active, version, created_at, updated_at
		FROM playbooks WHERE id = ? AND firm_id = ?`, id, firmID)

	p, err := scanPlaybook(row)
	if err == sql.ErrNoRows {
		return nil, ErrPlaybookNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading playbook %s: %w", id, err)
	}
	return p, nil
}

// UpdatePlaybook writes the playbook back conditionally on expectedVersion
// and bumps the stored version. A stale version yields ErrVersionConflict
// and leaves the row untouched.
func (s *SQLite) UpdatePlaybook(ctx context.Context, p *playbook.Playbook, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	trigger, steps, escalation, err := marshalPlaybookFields(p)
	if err != nil {
		return err
	}

	return s.WithTransaction(func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE playbooks
			SET name = ?, description = ?, category = ?, severity = ?,
				trigger_conditions = ?, steps = ?, escalation_path = ?,
				is_active = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND firm_id = ? AND version = ?`,
			p.Name, p.Description, string(p.Category), string(p.Severity),
			trigger, steps, escalation, boolToInt(p.IsActive),
			p.UpdatedAt.UTC().Format(time.RFC3339),
			p.ID, p.FirmID, expectedVersion)
		if err != nil {
			return fmt.Errorf("updating playbook %s: %w", p.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking update result: %w", err)
		}
		if n == 0 {
			var count int
			if err := tx.QueryRowContext(ctx,
				"SELECT COUNT(*) FROM playbooks WHERE id = ? AND firm_id = ?",
				p.ID, p.FirmID).Scan(&count); err != nil {
				return fmt.Errorf("checking playbook existence: %w", err)
			}
			if count == 0 {
				return ErrPlaybookNotFound
			}
			return ErrVersionConflict
		}
		p.Version = expectedVersion + 1
		return nil
	})
}

// DeletePlaybook removes a playbook unless any execution references it.
func (s *SQLite) DeletePlaybook(ctx context.Context, firmID, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.WithTransaction(func(tx *sql.Tx) error {
		var refs int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM executions WHERE playbook_id = ?", id).Scan(&refs); err != nil {
			return fmt.Errorf("counting execution references: %w", err)
		}
		if refs > 0 {
			return ErrPlaybookInUse
		}

		res, err := tx.ExecContext(ctx,
			"DELETE FROM playbooks WHERE id = ? AND firm_id = ?", id, firmID)
		if err != nil {
			return fmt.Errorf("deleting playbook %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking delete result: %w", err)
		}
		if n == 0 {
			return ErrPlaybookNotFound
		}
		return nil
	})
}

// ListPlaybooks returns a filtered page of a firm's playbooks, newest
// first, plus the unpaged total.
func (s *SQLite) ListPlaybooks(ctx context.Context, firmID string, filter PlaybookFilter) ([]*playbook.Playbook, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	where := []string{"firm_id = ?"}
	args := []any{firmID}
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, filter.Category)
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, filter.Severity)
	}
	if filter.IsActive != nil {
		where = append(where, "is_active = ?")
		args = append(args, boolToInt(*filter.IsActive))
	}
	if filter.NameContains != "" {
		where = append(where, "name LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(filter.NameContains)+"%")
	}
	whereClause := strings.Join(where, " AND ")

	var total int
	if err := s.ReadDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM playbooks WHERE "+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting playbooks: %w", err)
	}

	query := `
		SELECT id, firm_id, name, description, category, severity,
			trigger_conditions, steps, escalation_path, is_active, version, created_at, updated_at
		FROM playbooks WHERE ` + whereClause + " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing playbooks: %w", err)
	}
	defer rows.Close()

	playbooks, err := scanPlaybooks(rows)
	if err != nil {
		return nil, 0, err
	}
	return playbooks, total, nil
}

// ListActivePlaybooks returns every active playbook of a firm, the
// matcher's candidate set.
func (s *SQLite) ListActivePlaybooks(ctx context.Context, firmID string) ([]*playbook.Playbook, error) {
	active := true
	playbooks, _, err := s.ListPlaybooks(ctx, firmID, PlaybookFilter{IsActive: &active})
	return playbooks, err
}

// CountExecutionsForPlaybook counts executions referencing the playbook,
// optionally only non-terminal ones.
func (s *SQLite) CountExecutionsForPlaybook(ctx context.Context, playbookID string, activeOnly bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	query := "SELECT COUNT(*) FROM executions WHERE playbook_id = ?"
	if activeOnly {
		query += " AND status IN ('pending', 'running', 'step_failed')"
	}
	var count int
	if err := s.ReadDB.QueryRowContext(ctx, query, playbookID).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting executions for playbook %s: %w", playbookID, err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlaybook(row rowScanner) (*playbook.Playbook, error) {
	var (
		p          playbook.Playbook
		category   string
		severity   string
		trigger    string
		steps      string
		escalation sql.NullString
		isActive   int
		createdAt  string
		updatedAt  string
	)
	err := row.Scan(&p.ID, &p.FirmID, &p.Name, &p.Description, &category, &severity,
		&trigger, &steps, &escalation, &isActive, &p.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	p.Category = core.Category(category)
	p.Severity = core.Severity(severity)
	p.IsActive = isActive != 0
	if err := json.Unmarshal([]byte(trigger), &p.Trigger); err != nil {
		return nil, fmt.Errorf("decoding trigger conditions: %w", err)
	}
	if err := json.Unmarshal([]byte(steps), &p.Steps); err != nil {
		return nil, fmt.Errorf("decoding steps: %w", err)
	}
	if escalation.Valid && escalation.String != "" {
		if err := json.Unmarshal([]byte(escalation.String), &p.EscalationPath); err != nil {
			return nil, fmt.Errorf("decoding escalation path: %w", err)
		}
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &p, nil
}

func scanPlaybooks(rows *sql.Rows) ([]*playbook.Playbook, error) {
	var out []*playbook.Playbook
	for rows.Next() {
		p, err := scanPlaybook(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning playbook row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating playbook rows: %w", err)
	}
	return out, nil
}

func marshalPlaybookFields(p *playbook.Playbook) (trigger, steps, escalation string, err error) {
	triggerRaw, err := json.Marshal(p.Trigger)
	if err != nil {
		return "", "", "", fmt.Errorf("encoding trigger conditions: %w", err)
	}
	stepsRaw, err := json.Marshal(p.Steps)
	if err != nil {
		return "", "", "", fmt.Errorf("encoding steps: %w", err)
	}
	escalationRaw, err := json.Marshal(p.EscalationPath)
	if err != nil {
		return "", "", "", fmt.Errorf("encoding escalation path: %w", err)
	}
	return string(triggerRaw), string(stepsRaw), string(escalationRaw), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// escapeLike escapes LIKE wildcard characters in user-supplied search text.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "%", "\\%")
	s = strings.ReplaceAll(s, "_", "\\_")
	return s
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
