// Package devserver is a local, SQLite-backed stand-in for the Executor.
// It accepts the same /fn/register and /checkpoint/* requests a real
// Executor would, persisting enough to let the examples run end to end
// without any external service. Production paths never touch it.
package devserver

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists registered functions and run checkpoints for the dev
// server.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) a SQLite database at dbPath and prepares its
// schema.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("devserver: open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("devserver: set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("devserver: set busy timeout: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("devserver: init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS apps (
		app_id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		registered_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS functions (
		app_id TEXT NOT NULL,
		fn_id TEXT NOT NULL,
		config BLOB NOT NULL,
		PRIMARY KEY (app_id, fn_id)
	);

	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		app_id TEXT,
		fn_id TEXT,
		status TEXT NOT NULL,
		event BLOB,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		hashed_id TEXT NOT NULL,
		op TEXT NOT NULL,
		data BLOB,
		error BLOB,
		recorded_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (run_id) REFERENCES runs(run_id)
	);

	CREATE INDEX IF NOT EXISTS idx_run_checkpoints ON checkpoints(run_id, hashed_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// UpsertApp records (or updates) an app's serving URL at registration time.
func (s *Store) UpsertApp(appID, url string) error {
	return s.retryOnBusy(func() error {
		_, err := s.db.Exec(
			`INSERT INTO apps (app_id, url) VALUES (?, ?)
			 ON CONFLICT(app_id) DO UPDATE SET url = excluded.url`,
			appID, url,
		)
		return err
	})
}

// UpsertFunction stores a registered function's serialized config.
func (s *Store) UpsertFunction(appID, fnID string, config []byte) error {
	return s.retryOnBusy(func() error {
		_, err := s.db.Exec(
			`INSERT INTO functions (app_id, fn_id, config) VALUES (?, ?, ?)
			 ON CONFLICT(app_id, fn_id) DO UPDATE SET config = excluded.config`,
			appID, fnID, config,
		)
		return err
	})
}

// CreateRun registers a new run, idempotent on run_id.
func (s *Store) CreateRun(runID, appID, fnID string, event []byte) error {
	return s.retryOnBusy(func() error {
		_, err := s.db.Exec(
			`INSERT OR IGNORE INTO runs (run_id, app_id, fn_id, status, event) VALUES (?, ?, ?, ?, ?)`,
			runID, appID, fnID, "running", event,
		)
		return err
	})
}

// AppendCheckpoint records one step checkpoint for a run.
func (s *Store) AppendCheckpoint(runID, hashedID, op string, data, stepErr []byte) error {
	return s.retryOnBusy(func() error {
		_, err := s.db.Exec(
			`INSERT INTO checkpoints (run_id, hashed_id, op, data, error) VALUES (?, ?, ?, ?, ?)`,
			runID, hashedID, op, data, stepErr,
		)
		return err
	})
}

// MarkRunStatus updates a run's terminal status (completed/failed).
func (s *Store) MarkRunStatus(runID, status string) error {
	return s.retryOnBusy(func() error {
		_, err := s.db.Exec(
			`UPDATE runs SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE run_id = ?`,
			status, runID,
		)
		return err
	})
}

// Checkpoint is one recorded step result, used when replaying a run's
// history back to the dashboard or a future resume.
type Checkpoint struct {
	HashedID string
	Op       string
	Data     []byte
	Error    []byte
}

// LoadCheckpoints returns every checkpoint recorded for runID, in recording
// order.
func (s *Store) LoadCheckpoints(runID string) ([]Checkpoint, error) {
	rows, err := s.db.Query(
		`SELECT hashed_id, op, data, error FROM checkpoints WHERE run_id = ? ORDER BY id ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("devserver: load checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var c Checkpoint
		if err := rows.Scan(&c.HashedID, &c.Op, &c.Data, &c.Error); err != nil {
			return nil, fmt.Errorf("devserver: scan checkpoint: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) retryOnBusy(fn func() error) error {
	const maxRetries = 5
	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		time.Sleep(time.Millisecond * time.Duration(10*(i+1)))
	}
	return fmt.Errorf("devserver: max retries exceeded: %w", err)
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "SQLITE_BUSY") || strings.Contains(s, "database is locked")
}
