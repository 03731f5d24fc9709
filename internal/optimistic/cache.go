// Package optimistic holds client-created placeholder entities between
// the moment of a user action and server confirmation.
//
// An entity enters the cache synchronously when the user acts, under a
// temporary id with a reserved prefix, so the UI binds to it
// immediately. It leaves the cache either by confirmation (the server
// accepted the write and returned a real id) or by reconciliation (a
// later authoritative fetch already contains it). Entities whose write
// permanently failed are kept visible as orphaned until the user
// retries or discards them.
package optimistic

import (
	"fmt"
	"sync"

	"github.com/aperturehq/aperture-sync/internal/remote"
	"github.com/google/uuid"
)

// TempIDPrefix marks locally generated identifiers. Server ids never
// carry it.
const TempIDPrefix = "local-"

// Origin describes where an entity currently stands in its lifecycle.
type Origin int

const (
	// OriginPending means the entity has not yet been confirmed.
	OriginPending Origin = iota
	// OriginConfirmed means the server acknowledged the entity and
	// returned a real identifier.
	OriginConfirmed
	// OriginOrphaned means the server round trip failed permanently;
	// the entity stays visible, flagged as failed.
	OriginOrphaned
)

// String returns a human-readable representation of the origin.
func (o Origin) String() string {
	switch o {
	case OriginPending:
		return "pending"
	case OriginConfirmed:
		return "confirmed"
	case OriginOrphaned:
		return "orphaned"
	default:
		return "unknown"
	}
}

// Content is the client's best-known representation of an entity.
// Fields the client leaves empty are filled by server enrichment after
// confirmation.
type Content struct {
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

// Entity is one cached optimistic entry.
type Entity struct {
	// TemporaryID is the locally generated identifier, always
	// TempIDPrefix-ed.
	TemporaryID string
	// ConfirmedID is set once the server accepts the corresponding
	// mutation; empty until then.
	ConfirmedID string
	// Content is the best-known representation of the entity.
	Content Content
	// Origin tracks the lifecycle state.
	Origin Origin
	// Reason describes why an orphaned entity failed.
	Reason string
}

// Cache is the optimistic entity cache. All methods are safe for
// concurrent use; a single mutex makes every transition atomic with
// respect to readers, so no reader ever observes a temporary id paired
// with authoritative content or vice versa.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Entity
	order   []string
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*Entity)}
}

// NewTempID generates a collision-free temporary identifier.
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// CreateOptimistic stores content as a pending entity and returns its
// temporary id for immediate UI binding.
func (c *Cache) CreateOptimistic(content Content) string {
	id := NewTempID()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = &Entity{
		TemporaryID: id,
		Content:     content,
		Origin:      OriginPending,
	}
	c.order = append(c.order, id)
	return id
}

// Confirm replaces the pending entry with the authoritative article,
// re-keyed by the real id. The swap happens under one lock: readers
// see either the pre-confirm state or the post-confirm state, never a
// torn mix. Confirming an unknown temporary id is an error.
func (c *Cache) Confirm(tempID string, authoritative remote.Article) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[tempID]
	if !ok {
		return fmt.Errorf("no optimistic entity for %s", tempID)
	}
	delete(c.entries, tempID)
	confirmed := &Entity{
		TemporaryID: tempID,
		ConfirmedID: authoritative.ID,
		Content: Content{
			URL:   authoritative.URL,
			Title: authoritative.Title,
			Body:  e.Content.Body,
		},
		Origin: OriginConfirmed,
	}
	c.entries[authoritative.ID] = confirmed
	for i, key := range c.order {
		if key == tempID {
			c.order[i] = authoritative.ID
			break
		}
	}
	return nil
}

// MarkOrphaned flags the entity as permanently failed. It stays in the
// cache, visible with its failure reason, until retried or discarded.
func (c *Cache) MarkOrphaned(tempID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[tempID]; ok {
		e.Origin = OriginOrphaned
		e.Reason = reason
	}
}

// Retry moves an orphaned entity back to pending and returns its
// content so the caller can re-enqueue the underlying mutation.
func (c *Cache) Retry(tempID string) (Content, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[tempID]
	if !ok || e.Origin != OriginOrphaned {
		return Content{}, false
	}
	e.Origin = OriginPending
	e.Reason = ""
	return e.Content, true
}

// Discard removes an entity from the cache entirely.
func (c *Cache) Discard(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; !ok {
		return
	}
	delete(c.entries, id)
	for i, key := range c.order {
		if key == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Get returns a copy of the entity under id (temporary or confirmed).
func (c *Cache) Get(id string) (Entity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return Entity{}, false
	}
	return *e, true
}

// Snapshot returns copies of all cached entities in insertion order.
func (c *Cache) Snapshot() []Entity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Cache) snapshotLocked() []Entity {
	out := make([]Entity, 0, len(c.order))
	for _, key := range c.order {
		if e, ok := c.entries[key]; ok {
			out = append(out, *e)
		}
	}
	return out
}

// Len returns the number of cached entities.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
