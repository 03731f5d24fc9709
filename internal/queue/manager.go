// Package queue provides the type-safe front door to the durable
// mutation store.
//
// Every enqueue goes through Manager, which rejects unknown kinds and
// malformed payloads before they can reach persistence. The manager
// also owns the degradation path for append faults: if the durable
// backend cannot persist a mutation, the mutation is kept in a
// process-lifetime memory overlay so the current session can still
// replay it. It will not survive a restart; that loss is logged, never
// surfaced as a user-facing failure.
package queue

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sort"
	"time"

	"github.com/aperturehq/aperture-sync/internal/mutation"
	"github.com/aperturehq/aperture-sync/internal/store"
)

// overlayIDBase keeps memory-overlay ids out of the durable backend's
// id space.
const overlayIDBase = int64(1) << 40

// Manager validates and enqueues mutations, and exposes the merged
// durable+overlay view of the pending queue.
type Manager struct {
	durable store.Store
	overlay *store.MemoryStore
	logger  *log.Logger
}

// New creates a Manager over the given durable store. If logger is nil,
// a default logger writing to stderr is used.
func New(durable store.Store, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Manager{
		durable: durable,
		overlay: store.NewMemoryAt(overlayIDBase),
		logger:  logger,
	}
}

// Enqueue validates kind and payload, stamps the mutation, and appends
// it to the durable store.
//
// A validation failure is surfaced to the caller: unknown kinds and
// malformed payloads are programming errors and must never be queued.
// A persistence failure is not: the mutation falls back to the memory
// overlay and the returned id is from the overlay's range.
func (m *Manager) Enqueue(ctx context.Context, kind mutation.Kind, payload json.RawMessage) (int64, error) {
	qm := &mutation.QueuedMutation{
		Kind:       kind,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
		RetryCount: 0,
	}
	if err := qm.Validate(); err != nil {
		return 0, err
	}

	id, err := m.durable.Append(ctx, qm)
	if err != nil {
		m.logger.Printf("WARNING: durable append failed, keeping mutation in memory only: %v", err)
		return m.overlay.Append(ctx, qm)
	}
	return id, nil
}

// List returns all pending mutations, durable and overlay merged, in
// enqueue order. A durable-store fault propagates: the caller (a drain
// pass) must abort rather than operate on a partial view.
func (m *Manager) List(ctx context.Context) ([]mutation.QueuedMutation, error) {
	durable, err := m.durable.List(ctx)
	if err != nil {
		return nil, err
	}
	overlay, err := m.overlay.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(overlay) == 0 {
		return durable, nil
	}
	merged := append(durable, overlay...)
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].EnqueuedAt.Equal(merged[j].EnqueuedAt) {
			return merged[i].ID < merged[j].ID
		}
		return merged[i].EnqueuedAt.Before(merged[j].EnqueuedAt)
	})
	return merged, nil
}

// Remove deletes a pending mutation by id. Idempotent; usable for user
// cancellation even while a drain pass is mid-iteration.
func (m *Manager) Remove(ctx context.Context, id int64) error {
	if id >= overlayIDBase {
		return m.overlay.Remove(ctx, id)
	}
	return m.durable.Remove(ctx, id)
}

// UpdateRetry records a failed replay attempt against the mutation.
func (m *Manager) UpdateRetry(ctx context.Context, id int64, errMsg string) error {
	if id >= overlayIDBase {
		return m.overlay.UpdateRetry(ctx, id, errMsg)
	}
	return m.durable.UpdateRetry(ctx, id, errMsg)
}

// Discard empties the queue. Only for explicit user-initiated "discard
// offline changes" actions.
func (m *Manager) Discard(ctx context.Context) error {
	if err := m.durable.Clear(ctx); err != nil {
		return err
	}
	return m.overlay.Clear(ctx)
}

// Count returns the number of pending mutations across both stores.
func (m *Manager) Count(ctx context.Context) (int, error) {
	durable, err := m.durable.Count(ctx)
	if err != nil {
		return 0, err
	}
	overlay, err := m.overlay.Count(ctx)
	if err != nil {
		return 0, err
	}
	return durable + overlay, nil
}
