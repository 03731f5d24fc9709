// Package mutation defines the queued write operations that the sync
// engine replays against the Aperture backend.
//
// Every offline write the app performs is captured as a QueuedMutation:
// a closed Kind plus a JSON payload shaped for that kind. The set of
// kinds is fixed; payloads are validated against per-kind JSON schemas
// at enqueue time so an unknown kind or malformed payload can never
// reach the durable store.
package mutation

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies one of the supported mutation types.
type Kind string

const (
	KindCreateNote       Kind = "create-note"
	KindUpdateNote       Kind = "update-note"
	KindDeleteNote       Kind = "delete-note"
	KindUpdateProject    Kind = "update-project"
	KindDeleteProject    Kind = "delete-project"
	KindCreateList       Kind = "create-list"
	KindDeleteList       Kind = "delete-list"
	KindAddListItem      Kind = "add-list-item"
	KindDeleteListItem   Kind = "delete-list-item"
	KindUpdateListItem   Kind = "update-list-item"
	KindReorderListItems Kind = "reorder-list-items"
	KindUpdateArticle    Kind = "update-article"
	KindDeleteArticle    Kind = "delete-article"
)

// Kinds returns the closed set of supported mutation kinds.
func Kinds() []Kind {
	return []Kind{
		KindCreateNote,
		KindUpdateNote,
		KindDeleteNote,
		KindUpdateProject,
		KindDeleteProject,
		KindCreateList,
		KindDeleteList,
		KindAddListItem,
		KindDeleteListItem,
		KindUpdateListItem,
		KindReorderListItems,
		KindUpdateArticle,
		KindDeleteArticle,
	}
}

// Valid reports whether k is one of the supported kinds.
func (k Kind) Valid() bool {
	_, ok := payloadSchemas[k]
	return ok
}

// String returns the wire name of the kind.
func (k Kind) String() string {
	return string(k)
}

// IsDelete reports whether the kind removes an entity. Replaying a
// delete against an entity the server no longer has is treated as
// success by the remote boundary (a double-tapped delete must not
// strand the queue).
func (k Kind) IsDelete() bool {
	switch k {
	case KindDeleteNote, KindDeleteProject, KindDeleteList,
		KindDeleteListItem, KindDeleteArticle:
		return true
	default:
		return false
	}
}

// NeedsFollowUp reports whether a successful replay of this kind should
// trigger a downstream re-enrichment notification for the affected
// entity. Only content-changing project mutations do; the engine
// deduplicates and fires these once per entity at the end of a pass.
func (k Kind) NeedsFollowUp() bool {
	return k == KindUpdateProject
}

// QueuedMutation is a single pending write, persisted until it has been
// replayed against the backend or dropped after exhausting its retries.
type QueuedMutation struct {
	// ID is assigned by the durable store at append time. IDs are
	// monotonically increasing within a store and never reused.
	ID int64 `json:"id"`

	// Kind selects the replay handler for this mutation.
	Kind Kind `json:"kind"`

	// Payload carries the kind-specific data needed to replay the
	// mutation: target id(s), field deltas, ordering data.
	Payload json.RawMessage `json:"payload"`

	// EnqueuedAt orders mutations within a drain pass (FIFO) and
	// supports staleness decisions.
	EnqueuedAt time.Time `json:"enqueued_at"`

	// RetryCount starts at 0 and is incremented only on a failed
	// replay attempt.
	RetryCount int `json:"retry_count"`

	// LastError holds the most recent replay failure, for diagnostics.
	LastError string `json:"last_error,omitempty"`
}

// Validate checks the mutation's kind and payload shape.
func (m *QueuedMutation) Validate() error {
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
	if err := ValidatePayload(m.Kind, m.Payload); err != nil {
		return err
	}
	if m.EnqueuedAt.IsZero() {
		return fmt.Errorf("enqueued_at is required")
	}
	if m.RetryCount < 0 {
		return fmt.Errorf("retry_count must not be negative (got %d)", m.RetryCount)
	}
	return nil
}

// targetEnvelope is the minimal shape shared by all payloads that carry
// an entity identifier.
type targetEnvelope struct {
	ID     string `json:"id"`
	TempID string `json:"temp_id"`
	ListID string `json:"list_id"`
	ItemID string `json:"item_id"`
}

// TargetID extracts the identifier of the entity a payload acts on.
// For list-item kinds the item id is preferred over the list id; for
// create kinds the client-side temporary id is returned. Returns an
// empty string if the payload carries none.
func TargetID(kind Kind, payload json.RawMessage) string {
	var env targetEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return ""
	}
	switch {
	case env.ID != "":
		return env.ID
	case env.ItemID != "":
		return env.ItemID
	case env.TempID != "":
		return env.TempID
	case env.ListID != "":
		return env.ListID
	}
	return ""
}
