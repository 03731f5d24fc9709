package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aperturehq/aperture-sync/internal/mutation"
	_ "github.com/lib/pq"
)

const (
	postgresTableName        = "aperture_mutation_queue"
	postgresOperationTimeout = 5 * time.Second
)

// PostgresStore backs the queue with a shared Postgres database. Schema
// creation is deferred to first use so constructing the store never
// needs the database to be reachable.
type PostgresStore struct {
	dsn       string
	tableName string

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	mu     sync.Mutex
	closed bool
}

// OpenPostgres creates a Postgres-backed store from a connection DSN.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty postgres DSN", ErrInvalidDSN)
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresTableName,
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	s.initOnce.Do(func() {
		db, err := sql.Open("postgres", s.dsn)
		if err != nil {
			s.initErr = fmt.Errorf("failed to open postgres store: %w", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		schema := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				kind TEXT NOT NULL,
				payload TEXT NOT NULL,
				enqueued_at TIMESTAMPTZ NOT NULL,
				retry_count INTEGER NOT NULL DEFAULT 0,
				last_error TEXT NOT NULL DEFAULT ''
			)`, s.tableName)
		if _, err := db.ExecContext(ctx, schema); err != nil {
			_ = db.Close()
			s.initErr = fmt.Errorf("failed to initialize postgres queue schema: %w", err)
			return
		}
		s.db = db
	})
	return s.initErr
}

// Append implements Store.Append.
func (s *PostgresStore) Append(ctx context.Context, m *mutation.QueuedMutation) (int64, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	var id int64
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (kind, payload, enqueued_at, retry_count, last_error)
			 VALUES ($1, $2, $3, $4, $5) RETURNING id`, s.tableName),
		string(m.Kind),
		string(m.Payload),
		m.EnqueuedAt.UTC(),
		m.RetryCount,
		m.LastError,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to append mutation: %w", err)
	}
	m.ID = id
	return id, nil
}

// List implements Store.List.
func (s *PostgresStore) List(ctx context.Context) ([]mutation.QueuedMutation, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, kind, payload, enqueued_at, retry_count, last_error
			 FROM %s ORDER BY enqueued_at ASC, id ASC`, s.tableName))
	if err != nil {
		return nil, fmt.Errorf("failed to list mutations: %w", err)
	}
	defer rows.Close()

	var out []mutation.QueuedMutation
	for rows.Next() {
		var (
			m       mutation.QueuedMutation
			kind    string
			payload string
		)
		if err := rows.Scan(&m.ID, &kind, &payload, &m.EnqueuedAt, &m.RetryCount, &m.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}
		m.Kind = mutation.Kind(kind)
		m.Payload = []byte(payload)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate mutations: %w", err)
	}
	return out, nil
}

// Remove implements Store.Remove.
func (s *PostgresStore) Remove(ctx context.Context, id int64) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.tableName), id)
	if err != nil {
		return fmt.Errorf("failed to remove mutation %d: %w", id, err)
	}
	return nil
}

// UpdateRetry implements Store.UpdateRetry.
func (s *PostgresStore) UpdateRetry(ctx context.Context, id int64, errMsg string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET retry_count = retry_count + 1, last_error = $1 WHERE id = $2`, s.tableName),
		errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to update retry for mutation %d: %w", id, err)
	}
	return nil
}

// Clear implements Store.Clear.
func (s *PostgresStore) Clear(ctx context.Context) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, s.tableName))
	if err != nil {
		return fmt.Errorf("failed to clear mutations: %w", err)
	}
	return nil
}

// Count implements Store.Count.
func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.tableName)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count mutations: %w", err)
	}
	return n, nil
}

// Close implements Store.Close.
func (s *PostgresStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("failed to close postgres store: %w", err)
		}
	}
	return nil
}
