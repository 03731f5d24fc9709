package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aperturehq/aperture-sync/internal/mutation"
)

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store is closed")

	// ErrInvalidDSN is returned when a store DSN cannot be parsed or
	// names an unsupported backend.
	ErrInvalidDSN = errors.New("invalid store DSN")
)

// Store persists the ordered list of pending mutations so that an app
// restart or crash does not lose unsynced work.
//
// Remove is idempotent: removing an id that no longer exists is a
// no-op, not an error, because a concurrent drain pass or a user
// cancellation may have removed it first. UpdateRetry is likewise a
// no-op on a missing id.
type Store interface {
	// Append persists the mutation, assigns its id, and returns it.
	// IDs are monotonically increasing within a store and never reused.
	Append(ctx context.Context, m *mutation.QueuedMutation) (int64, error)

	// List returns all pending mutations ordered by enqueue time
	// ascending (id as tiebreak). Safe to call repeatedly.
	List(ctx context.Context) ([]mutation.QueuedMutation, error)

	// Remove deletes a mutation after a successful or permanently
	// failed replay, or on user cancellation.
	Remove(ctx context.Context, id int64) error

	// UpdateRetry increments the mutation's retry count and records
	// the failure description.
	UpdateRetry(ctx context.Context, id int64, errMsg string) error

	// Clear empties the store. Used only for explicit user-initiated
	// "discard offline changes" actions.
	Clear(ctx context.Context) error

	// Count returns the number of pending mutations.
	Count(ctx context.Context) (int, error)

	// Close releases backend resources.
	Close() error
}

// Open builds a Store from a DSN.
//
// Supported schemes:
//   - "" or "file": SQLite database at the given path (default backend)
//   - "memory": process-lifetime in-memory store
//   - "postgres", "postgresql": shared Postgres-backed store
func Open(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidDSN)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDSN, err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "", "file":
		path := parsed.Opaque
		if path == "" {
			path = parsed.Path
		}
		if path == "" {
			path = dsn
		}
		return OpenSQLite(path)
	case "memory", "mem":
		return NewMemory(), nil
	case "postgres", "postgresql":
		return OpenPostgres(dsn)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidDSN, parsed.Scheme)
	}
}
