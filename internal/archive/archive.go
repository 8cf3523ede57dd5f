// Package archive provides durable, queryable storage of terminal tasks.
// It is a pure side-effect consumer of task lifecycle transitions: it never
// gates or blocks the live task path, and records are written once a task
// reaches a terminal state and is acknowledged.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Record is a read-only historical snapshot of a task, written once when the
// live record is removed via ack_task.
type Record struct {
	ClientID       string     `db:"client_id" json:"client_id"`
	RequestID      string     `db:"request_id" json:"request_id"`
	Status         string     `db:"status" json:"status"`
	Result         *string    `db:"result" json:"result,omitempty"`
	Error          *string    `db:"error" json:"error,omitempty"`
	AgentSessionID string     `db:"agent_session_id" json:"agent_session_id,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	CompletedAt    *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	ArchivedAt     time.Time  `db:"archived_at" json:"archived_at"`
}

// Store persists archive records and serves historical queries.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if necessary) a sqlite-backed archive at path.
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("archive: open: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive: init schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS task_archive (
		client_id TEXT NOT NULL,
		request_id TEXT NOT NULL,
		status TEXT NOT NULL,
		result TEXT,
		error TEXT,
		agent_session_id TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		archived_at TIMESTAMP NOT NULL,
		PRIMARY KEY (client_id, request_id)
	);
	CREATE INDEX IF NOT EXISTS idx_task_archive_client_id ON task_archive(client_id);
	CREATE INDEX IF NOT EXISTS idx_task_archive_archived_at ON task_archive(archived_at);
	`)
	return err
}

// Put inserts or replaces a terminal task's archive record.
func (s *Store) Put(ctx context.Context, rec Record) error {
	rec.ArchivedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO task_archive (client_id, request_id, status, result, error, agent_session_id, created_at, completed_at, archived_at)
		VALUES (:client_id, :request_id, :status, :result, :error, :agent_session_id, :created_at, :completed_at, :archived_at)
		ON CONFLICT(client_id, request_id) DO UPDATE SET
			status = excluded.status,
			result = excluded.result,
			error = excluded.error,
			agent_session_id = excluded.agent_session_id,
			completed_at = excluded.completed_at,
			archived_at = excluded.archived_at
	`, rec)
	if err != nil {
		return fmt.Errorf("archive: put: %w", err)
	}
	return nil
}

// History returns every archived task for a client, newest first.
func (s *Store) History(ctx context.Context, clientID string) ([]Record, error) {
	var records []Record
	err := s.db.SelectContext(ctx, &records, `
		SELECT client_id, request_id, status, result, error, agent_session_id, created_at, completed_at, archived_at
		FROM task_archive WHERE client_id = ? ORDER BY archived_at DESC
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("archive: history: %w", err)
	}
	return records, nil
}

// Get returns a single archived task, or nil if none exists.
func (s *Store) Get(ctx context.Context, clientID, requestID string) (*Record, error) {
	var rec Record
	err := s.db.GetContext(ctx, &rec, `
		SELECT client_id, request_id, status, result, error, agent_session_id, created_at, completed_at, archived_at
		FROM task_archive WHERE client_id = ? AND request_id = ?
	`, clientID, requestID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("archive: get: %w", err)
	}
	return &rec, nil
}

// MarshalDetails is a convenience for serializing a result/error payload
// before storing it in Record.Result or Record.Error.
func MarshalDetails(v any) (*string, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }
