package optimistic

import (
	"strings"

	"github.com/aperturehq/aperture-sync/internal/remote"
)

// ViewEntry is one row of the merged local+authoritative view the UI
// renders. Exactly one entry exists per logical entity.
type ViewEntry struct {
	ID       string
	URL      string
	Title    string
	Pending  bool
	Orphaned bool
	Reason   string
}

// Reconcile removes cached entries that the authoritative list already
// represents: confirmed entries whose real id appears in the list, and
// pending entries matched by natural key (see matches). This prevents
// a "confirmed twice" duplicate when the direct response races with a
// later full refetch.
//
// Idempotent: applying the same authoritative list twice leaves the
// cache in the same state as applying it once. Orphaned entries are
// never removed here; only the user discards those.
func (c *Cache) Reconcile(authoritative []remote.Article) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range append([]string(nil), c.order...) {
		e, ok := c.entries[key]
		if !ok {
			continue
		}
		if e.Origin == OriginOrphaned {
			continue
		}
		if coveredByAuthoritative(e, authoritative) {
			delete(c.entries, key)
			for i, k := range c.order {
				if k == key {
					c.order = append(c.order[:i], c.order[i+1:]...)
					break
				}
			}
		}
	}
}

// MergedView returns the single view the UI consumes: still-pending and
// orphaned optimistic entries first (so in-flight user actions surface
// at the top of any list), then the authoritative entries. Pending
// entries the authoritative list already covers are filtered out, so
// each logical entity appears exactly once.
//
// Pure: the cache is not modified, and the same inputs always yield
// the same output.
func (c *Cache) MergedView(authoritative []remote.Article) []ViewEntry {
	c.mu.Lock()
	local := c.snapshotLocked()
	c.mu.Unlock()

	out := make([]ViewEntry, 0, len(local)+len(authoritative))
	for i := range local {
		e := &local[i]
		if e.Origin != OriginOrphaned && coveredByAuthoritative(e, authoritative) {
			continue
		}
		id := e.TemporaryID
		if e.ConfirmedID != "" {
			id = e.ConfirmedID
		}
		out = append(out, ViewEntry{
			ID:       id,
			URL:      e.Content.URL,
			Title:    e.Content.Title,
			Pending:  e.Origin == OriginPending,
			Orphaned: e.Origin == OriginOrphaned,
			Reason:   e.Reason,
		})
	}
	for _, a := range authoritative {
		out = append(out, ViewEntry{
			ID:    a.ID,
			URL:   a.URL,
			Title: a.Title,
		})
	}
	return out
}

// coveredByAuthoritative reports whether the authoritative list already
// represents the cached entity.
func coveredByAuthoritative(e *Entity, authoritative []remote.Article) bool {
	for i := range authoritative {
		if matches(e, &authoritative[i]) {
			return true
		}
	}
	return false
}

// matches decides whether an authoritative article is the server-side
// counterpart of a cached entity. Confirmed entries match on the real
// id. Pending entries can never match on id (the server assigned a
// different one than the temporary id), so they match on the natural
// key instead: equal URL, or equal title where the title is not merely
// a restated URL. The title clause guards against false positives on
// placeholder titles. This is a known approximation, not an exact key
// match.
func matches(e *Entity, a *remote.Article) bool {
	if e.ConfirmedID != "" && e.ConfirmedID == a.ID {
		return true
	}
	if e.Content.URL != "" && e.Content.URL == a.URL {
		return true
	}
	if e.Content.Title != "" && e.Content.Title == a.Title && !titleIsURL(e.Content.Title) {
		return true
	}
	return false
}

// titleIsURL reports whether a title is just a URL restated as text.
func titleIsURL(title string) bool {
	t := strings.ToLower(strings.TrimSpace(title))
	return strings.HasPrefix(t, "http://") ||
		strings.HasPrefix(t, "https://") ||
		strings.HasPrefix(t, "www.")
}
