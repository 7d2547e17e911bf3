package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"bastion/core"
)

// CreateIncident inserts an incident record. Incidents arrive from
// upstream detection tooling; this service stores them so executions can
// reference and match against them.
func (s *SQLite) CreateIncident(ctx context.Context, inc *core.Incident) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tags, err := json.Marshal(inc.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}
	labels, err := json.Marshal(inc.Labels)
	if err != nil {
		return fmt.Errorf("encoding labels: %w", err)
	}

	_, err = s.WriteDB.ExecContext(ctx, `
		INSERT INTO incidents (id, firm_id, incident_type, category, severity,
			title, description, tags, labels, reported_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.ID, inc.FirmID, inc.IncidentType, string(inc.Category), string(inc.Severity),
		inc.Title, inc.Description, string(tags), string(labels), inc.ReportedBy,
		inc.CreatedAt.UTC().Format(time.RFC3339), inc.UpdatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting incident: %w", err)
	}
	return nil
}

// GetIncident loads one incident scoped to a firm.
func (s *SQLite) GetIncident(ctx context.Context, firmID, id string) (*core.Incident, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		inc       core.Incident
		category  string
		severity  string
		tags      sql.NullString
		labels    sql.NullString
		createdAt string
		updatedAt string
	)
	err := s.ReadDB.QueryRowContext(ctx, `
		SELECT id, firm_id, incident_type, category, severity, title, description,
			tags, labels, reported_by, created_at, updated_at
		FROM incidents WHERE id = ? AND firm_id = ?`, id, firmID).
		Scan(&inc.ID, &inc.FirmID, &inc.IncidentType, &category, &severity,
			&inc.Title, &inc.Description, &tags, &labels, &inc.ReportedBy, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrIncidentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading incident %s: %w", id, err)
	}

	inc.Category = core.Category(category)
	inc.Severity = core.Severity(severity)
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &inc.Tags); err != nil {
			return nil, fmt.Errorf("decoding tags: %w", err)
		}
	}
	if labels.Valid && labels.String != "" {
		if err := json.Unmarshal([]byte(labels.String), &inc.Labels); err != nil {
			return nil, fmt.Errorf("decoding labels: %w", err)
		}
	}
	if inc.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if inc.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &inc, nil
}
