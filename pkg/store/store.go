// Package store persists the mapping and cursor state of the sync engine in
// an embedded SQLite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harrisonrobin/todocal/pkg/util"
	_ "modernc.org/sqlite"
)

// Store is the repository over the state database. Every access pattern of
// the engine has its own method; no caller builds SQL.
type Store struct {
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// Open opens (creating if needed) the database at path. ":memory:" is
// accepted for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: the engine is single-threaded and an in-memory
	// database only lives on the connection that created it.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS links (
			task_id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			parent_project_id TEXT NOT NULL,
			due_date TEXT NOT NULL,
			overdue INTEGER NOT NULL DEFAULT 0,
			overdue_count INTEGER NOT NULL DEFAULT 0,
			reschedule_count INTEGER NOT NULL DEFAULT 0
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_links_event_id ON links(event_id);

		CREATE TABLE IF NOT EXISTS completed_links (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			parent_project_id TEXT NOT NULL,
			due_date TEXT NOT NULL,
			overdue INTEGER NOT NULL DEFAULT 0,
			overdue_count INTEGER NOT NULL DEFAULT 0,
			reschedule_count INTEGER NOT NULL DEFAULT 0,
			completed_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_completed_task_id ON completed_links(task_id);

		CREATE TABLE IF NOT EXISTS calendars (
			calendar_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			project_id TEXT NOT NULL UNIQUE,
			color_id TEXT NOT NULL DEFAULT '',
			sync_token TEXT
		);

		CREATE TABLE IF NOT EXISTS projects (
			project_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			parent_id TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS excluded_projects (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			parent_project_id TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS standalone_projects (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tracker_cursor (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			sync_token TEXT NOT NULL,
			snapshot BLOB,
			modified TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS suppressed_events (
			event_id TEXT PRIMARY KEY,
			reason TEXT NOT NULL,
			created INTEGER NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// withTx runs fn inside a transaction, committing when fn returns nil.
func (s *Store) withTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Cursor is the tracker's incremental sync state.
type Cursor struct {
	SyncToken string
	Snapshot  []byte
}

// GetCursor returns the stored tracker cursor, or nil before the first sync.
func (s *Store) GetCursor(ctx context.Context) (*Cursor, error) {
	var c Cursor
	err := s.db.QueryRowContext(ctx,
		"SELECT sync_token, snapshot FROM tracker_cursor WHERE id = 1",
	).Scan(&c.SyncToken, &c.Snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveCursor records the tracker cursor after a fully applied batch.
func (s *Store) SaveCursor(ctx context.Context, token string, snapshot []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tracker_cursor (id, sync_token, snapshot, modified) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET sync_token = excluded.sync_token,
			snapshot = excluded.snapshot, modified = excluded.modified`,
		token, snapshot, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// SuppressEvent records that the next cancellation of eventID was caused by
// the engine itself.
func (s *Store) SuppressEvent(ctx context.Context, eventID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suppressed_events (event_id, reason, created) VALUES (?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET reason = excluded.reason, created = excluded.created`,
		eventID, reason, time.Now().Unix(),
	)
	return err
}

// ConsumeSuppressed removes the suppression record of eventID and reports
// whether there was one.
func (s *Store) ConsumeSuppressed(ctx context.Context, eventID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM suppressed_events WHERE event_id = ?", eventID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// PruneSuppressed drops suppression records older than cutoff.
func (s *Store) PruneSuppressed(ctx context.Context, cutoff time.Time) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM suppressed_events WHERE created < ?", cutoff.Unix())
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseDate(s string) time.Time {
	t, _ := util.ParseDate(s)
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
