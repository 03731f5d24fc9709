package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aperturehq/aperture-sync/internal/mutation"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLiteStore is the default durable queue backend: an embedded SQLite
// database opened in WAL mode so status reads don't block appends.
type SQLiteStore struct {
	conn *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the queue database at path and
// initializes its schema. The caller must Close the store when done.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping queue database: %w", err)
	}

	// Single-writer workload; a small pool is plenty.
	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLiteStore{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	// enqueued_at is UnixNano: a fixed-width numeric column sorts
	// correctly, where RFC3339 text would not (trailing fractional
	// zeros are stripped, so the text is not order-preserving).
	schema := `
	CREATE TABLE IF NOT EXISTS mutations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		enqueued_at INTEGER NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_mutations_enqueued
	    ON mutations(enqueued_at, id);
	`
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize queue schema: %w", err)
	}
	return nil
}

// Append implements Store.Append.
func (s *SQLiteStore) Append(ctx context.Context, m *mutation.QueuedMutation) (int64, error) {
	if s.conn == nil {
		return 0, ErrClosed
	}
	res, err := s.conn.ExecContext(ctx,
		`INSERT INTO mutations (kind, payload, enqueued_at, retry_count, last_error)
		 VALUES (?, ?, ?, ?, ?)`,
		string(m.Kind),
		string(m.Payload),
		m.EnqueuedAt.UTC().UnixNano(),
		m.RetryCount,
		m.LastError,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append mutation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read appended mutation id: %w", err)
	}
	m.ID = id
	return id, nil
}

// List implements Store.List.
func (s *SQLiteStore) List(ctx context.Context) ([]mutation.QueuedMutation, error) {
	if s.conn == nil {
		return nil, ErrClosed
	}
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, kind, payload, enqueued_at, retry_count, last_error
		 FROM mutations ORDER BY enqueued_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list mutations: %w", err)
	}
	defer rows.Close()

	var out []mutation.QueuedMutation
	for rows.Next() {
		var (
			m          mutation.QueuedMutation
			kind       string
			payload    string
			enqueuedAt int64
		)
		if err := rows.Scan(&m.ID, &kind, &payload, &enqueuedAt, &m.RetryCount, &m.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}
		m.Kind = mutation.Kind(kind)
		m.Payload = []byte(payload)
		m.EnqueuedAt = time.Unix(0, enqueuedAt).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate mutations: %w", err)
	}
	return out, nil
}

// Remove implements Store.Remove. Removing a missing id is a no-op.
func (s *SQLiteStore) Remove(ctx context.Context, id int64) error {
	if s.conn == nil {
		return ErrClosed
	}
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM mutations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove mutation %d: %w", id, err)
	}
	return nil
}

// UpdateRetry implements Store.UpdateRetry. A missing id is a no-op:
// a completed pass may have removed the mutation concurrently.
func (s *SQLiteStore) UpdateRetry(ctx context.Context, id int64, errMsg string) error {
	if s.conn == nil {
		return ErrClosed
	}
	_, err := s.conn.ExecContext(ctx,
		`UPDATE mutations SET retry_count = retry_count + 1, last_error = ? WHERE id = ?`,
		errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to update retry for mutation %d: %w", id, err)
	}
	return nil
}

// Clear implements Store.Clear.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if s.conn == nil {
		return ErrClosed
	}
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM mutations`); err != nil {
		return fmt.Errorf("failed to clear mutations: %w", err)
	}
	return nil
}

// Count implements Store.Count.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	if s.conn == nil {
		return 0, ErrClosed
	}
	var n int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count mutations: %w", err)
	}
	return n, nil
}

// Close checkpoints the WAL and closes the database.
func (s *SQLiteStore) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close queue database: %w", err)
	}
	return nil
}
