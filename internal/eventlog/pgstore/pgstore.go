// Package pgstore implements eventlog.Store on top of PostgreSQL via
// github.com/jackc/pgx/v5's database/sql driver, opened through
// github.com/jmoiron/sqlx. It is selected by Storage.EventLogBackend =
// "postgres" for deployments that want the durable event log in a shared
// database instead of per-session JSONL files.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/jmoiron/sqlx"

	"github.com/kandev/agentbroker/internal/eventlog"
)

// Store is a PostgreSQL-backed eventlog.Store.
type Store struct {
	db *sqlx.DB
}

var _ eventlog.Store = (*Store)(nil)

// Open connects to dsn and ensures the event_log table exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db := sqlx.NewDb(stdlibOpen(dsn), "pgx")
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pgstore: init schema: %w", err)
	}
	return s, nil
}

func stdlibOpen(dsn string) *sql.DB {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		// sql.Open never actually dials; errors here mean a malformed
		// driver name, which would be a programmer error, not a runtime one.
		panic(fmt.Sprintf("pgstore: sql.Open: %v", err))
	}
	return db
}

func (s *Store) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS event_log (
		id BIGSERIAL,
		client_id TEXT NOT NULL,
		request_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		type TEXT NOT NULL,
		payload JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (id)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_event_log_session_seq
		ON event_log(client_id, request_id, seq);
	CREATE INDEX IF NOT EXISTS idx_event_log_session
		ON event_log(client_id, request_id);
	`)
	return err
}

func (s *Store) Append(ctx context.Context, clientID, requestID, eventType string, payload map[string]any) (int64, error) {
	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("pgstore: marshal payload: %w", err)
		}
	}

	var seq int64
	err := s.db.GetContext(ctx, &seq, `
		INSERT INTO event_log (client_id, request_id, seq, type, payload, created_at)
		SELECT $1, $2, COALESCE(MAX(seq), 0) + 1, $3, $4, $5
		FROM event_log WHERE client_id = $1 AND request_id = $2
		RETURNING seq
	`, clientID, requestID, eventType, data, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("pgstore: append: %w", err)
	}
	return seq, nil
}

type row struct {
	Seq       int64     `db:"seq"`
	ClientID  string    `db:"client_id"`
	RequestID string    `db:"request_id"`
	Type      string    `db:"type"`
	Payload   []byte    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
}

func toRecord(r row) eventlog.Record {
	rec := eventlog.Record{
		ID:        r.Seq,
		ClientID:  r.ClientID,
		RequestID: r.RequestID,
		Type:      r.Type,
		Timestamp: r.CreatedAt,
	}
	if len(r.Payload) > 0 {
		_ = json.Unmarshal(r.Payload, &rec.Payload)
	}
	return rec
}

func (s *Store) readFrom(ctx context.Context, clientID, requestID string, afterID int64) ([]eventlog.Record, error) {
	var rows []row
	err := s.db.SelectContext(ctx, &rows, `
		SELECT seq, client_id, request_id, type, payload, created_at
		FROM event_log WHERE client_id = $1 AND request_id = $2 AND seq > $3
		ORDER BY seq ASC
	`, clientID, requestID, afterID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: read: %w", err)
	}
	records := make([]eventlog.Record, 0, len(rows))
	for _, r := range rows {
		records = append(records, toRecord(r))
	}
	return records, nil
}

func (s *Store) ReadAll(ctx context.Context, clientID, requestID string) ([]eventlog.Record, error) {
	return s.readFrom(ctx, clientID, requestID, 0)
}

func (s *Store) ReadSince(ctx context.Context, clientID, requestID string, afterID int64) ([]eventlog.Record, error) {
	return s.readFrom(ctx, clientID, requestID, afterID)
}

// CleanupSession is a no-op: the Postgres backend keeps no in-process
// per-session state beyond the table itself.
func (s *Store) CleanupSession(clientID, requestID string) {}

func (s *Store) DeleteSession(ctx context.Context, clientID, requestID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM event_log WHERE client_id = $1 AND request_id = $2`, clientID, requestID)
	if err != nil {
		return fmt.Errorf("pgstore: delete session: %w", err)
	}
	return nil
}

func (s *Store) ListSessions(ctx context.Context) ([]eventlog.SessionSummary, error) {
	var summaries []eventlog.SessionSummary
	err := s.db.SelectContext(ctx, &summaries, `
		SELECT client_id AS "client_id", request_id AS "request_id", COUNT(*) AS "event_count",
			(ARRAY_AGG(type ORDER BY seq DESC))[1] AS "last_event_type"
		FROM event_log GROUP BY client_id, request_id
	`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list sessions: %w", err)
	}
	return summaries, nil
}

func (s *Store) Close() error { return s.db.Close() }
