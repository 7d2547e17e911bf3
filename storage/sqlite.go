package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite holds the database connections. Reads and writes use separate
// pools so WAL mode's concurrent readers are not serialized behind the
// single writer.
type SQLite struct {
	WriteDB *sql.DB
	ReadDB  *sql.DB
	Path    string
	Logger  *zap.SugaredLogger
}

func configureConnection(db *sql.DB, dbPath string) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("setting busy timeout: %w", err)
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}

	// In-memory databases report journal_mode=memory, which is fine.
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("querying journal mode: %w", err)
	}
	if dbPath != ":memory:" && journalMode != "wal" {
		return fmt.Errorf("WAL mode not enabled, got %q", journalMode)
	}
	return nil
}

// NewSQLite opens the database with separate read and write pools and
// creates the schema.
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	if err := validateDatabasePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	if dir := filepath.Dir(dbPath); dir != "." && dir != "" && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// Shared cache keeps both pools on the same database when running
	// in memory; separate plain :memory: opens would each get an empty one.
	actualPath := dbPath
	if dbPath == ":memory:" {
		actualPath = "file::memory:?cache=shared"
	}

	writeDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		return nil, fmt.Errorf("opening write pool: %w", err)
	}
	if err := configureConnection(writeDB, dbPath); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("configuring write pool: %w", err)
	}
	// WAL permits exactly one writer at a time.
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)
	writeDB.SetConnMaxIdleTime(10 * time.Minute)

	readDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("opening read pool: %w", err)
	}
	if err := configureConnection(readDB, dbPath); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("configuring read pool: %w", err)
	}
	if _, err := readDB.Exec("PRAGMA query_only=ON"); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("enabling query_only on read pool: %w", err)
	}
	readDB.SetMaxOpenConns(10)
	readDB.SetMaxIdleConns(5)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	readDB.SetConnMaxIdleTime(10 * time.Minute)

	s := &SQLite{
		WriteDB: writeDB,
		ReadDB:  readDB,
		Path:    dbPath,
		Logger:  logger,
	}
	if err := s.createTables(); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	logger.Infow("SQLite initialized", "path", dbPath)
	return s, nil
}

// WithTransaction runs fn inside a transaction on the write pool, rolling
// back on error or panic.
func (s *SQLite) WithTransaction(fn func(*sql.Tx) error) error {
	tx, err := s.WriteDB.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rolling back (original error: %w, rollback error: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLite) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS incidents (
		id TEXT PRIMARY KEY,
		firm_id TEXT NOT NULL,
		incident_type TEXT NOT NULL,
		category TEXT NOT NULL,
		severity TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		tags TEXT, -- JSON array
		labels TEXT, -- JSON object
		reported_by TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_incidents_firm ON incidents(firm_id);
	CREATE INDEX IF NOT EXISTS idx_incidents_firm_type ON incidents(firm_id, incident_type);
	CREATE INDEX IF NOT EXISTS idx_incidents_created_at ON incidents(created_at DESC);

	CREATE TABLE IF NOT EXISTS playbooks (
		id TEXT PRIMARY KEY,
		firm_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		category TEXT NOT NULL,
		severity TEXT NOT NULL,
		trigger_conditions TEXT NOT NULL, -- JSON object
		steps TEXT NOT NULL, -- JSON array
		escalation_path TEXT, -- JSON array
		is_active INTEGER NOT NULL DEFAULT 1,
		version INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(firm_id, name)
	);
	CREATE INDEX IF NOT EXISTS idx_playbooks_firm ON playbooks(firm_id);
	CREATE INDEX IF NOT EXISTS idx_playbooks_firm_active ON playbooks(firm_id, is_active);
	CREATE INDEX IF NOT EXISTS idx_playbooks_updated_at ON playbooks(updated_at DESC);

	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		firm_id TEXT NOT NULL,
		incident_id TEXT NOT NULL,
		playbook_id TEXT NOT NULL,
		steps TEXT NOT NULL, -- JSON array, snapshot at start
		status TEXT NOT NULL,
		current_step_index INTEGER NOT NULL DEFAULT 1,
		step_results TEXT, -- JSON array, append-only
		started_by TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		aborted_at DATETIME,
		abort_reason TEXT,
		version INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_executions_firm ON executions(firm_id);
	CREATE INDEX IF NOT EXISTS idx_executions_incident ON executions(incident_id);
	CREATE INDEX IF NOT EXISTS idx_executions_playbook ON executions(playbook_id);
	CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
	CREATE INDEX IF NOT EXISTS idx_executions_started_at ON executions(started_at DESC);
	-- At most one active execution per (incident, playbook).
	CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_active
		ON executions(incident_id, playbook_id)
		WHERE status IN ('pending', 'running', 'step_failed');

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		firm_id TEXT NOT NULL,
		incident_id TEXT NOT NULL,
		title TEXT NOT NULL,
		assignee TEXT,
		status TEXT NOT NULL DEFAULT 'open',
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_firm ON tasks(firm_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_incident ON tasks(incident_id);
	`

	if _, err := s.WriteDB.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	s.Logger.Info("SQLite tables created/verified")
	return nil
}

// Close closes both connection pools.
func (s *SQLite) Close() error {
	var writeErr, readErr error
	if s.WriteDB != nil {
		writeErr = s.WriteDB.Close()
	}
	if s.ReadDB != nil {
		readErr = s.ReadDB.Close()
	}
	if writeErr != nil {
		return fmt.Errorf("closing write pool: %w", writeErr)
	}
	if readErr != nil {
		return fmt.Errorf("closing read pool: %w", readErr)
	}
	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLite) HealthCheck() error {
	return s.WriteDB.Ping()
}

// validateDatabasePath rejects traversal sequences, null bytes, and
// absolute paths outside the working or temp directories.
func validateDatabasePath(dbPath string) error {
	if dbPath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if len(dbPath) > 512 {
		return fmt.Errorf("database path exceeds 512 characters")
	}
	if strings.Contains(dbPath, "..") {
		return fmt.Errorf("path traversal not allowed: %s", dbPath)
	}
	if strings.Contains(dbPath, "\x00") {
		return fmt.Errorf("null bytes not allowed in path")
	}
	if filepath.IsAbs(dbPath) && dbPath != ":memory:" && !strings.Contains(dbPath, os.TempDir()) {
		return fmt.Errorf("absolute paths not allowed: %s", dbPath)
	}
	return nil
}
