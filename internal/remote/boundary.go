// Package remote maps queued mutations onto calls against the hosted
// Aperture backend.
//
// The kind-to-request mapping is a closed table: adding a mutation kind
// means adding exactly one table entry (and its payload shape in the
// mutation package). No kind-specific network logic lives anywhere
// else.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aperturehq/aperture-sync/internal/mutation"
)

// Article is the authoritative representation of a saved article, as
// returned by the backend. The reconciler matches these against
// still-pending optimistic entries by URL and title.
type Article struct {
	ID      string    `json:"id"`
	URL     string    `json:"url"`
	Title   string    `json:"title"`
	SavedAt time.Time `json:"saved_at"`
}

// Boundary is the remote side of the sync engine. Implementations are
// expected to bound each call with their own timeout policy; a timeout
// is reported as an ordinary error and counts as a replay failure.
type Boundary interface {
	// Replay performs the remote write for one queued mutation.
	Replay(ctx context.Context, kind mutation.Kind, payload json.RawMessage) error

	// FetchArticles returns the full authoritative article list.
	FetchArticles(ctx context.Context) ([]Article, error)

	// Healthy reports whether the backend is currently reachable.
	Healthy(ctx context.Context) bool
}

// pathParams carries the identifiers a route template can reference.
type pathParams struct {
	ID     string `json:"id"`
	ListID string `json:"list_id"`
	ItemID string `json:"item_id"`
}

// route describes how one mutation kind maps onto the backend API.
type route struct {
	method string
	path   func(p pathParams) string
}

// routes is the closed replay table, one entry per supported kind.
var routes = map[mutation.Kind]route{
	mutation.KindCreateNote: {http.MethodPost, func(pathParams) string {
		return "/v1/notes"
	}},
	mutation.KindUpdateNote: {http.MethodPatch, func(p pathParams) string {
		return "/v1/notes/" + p.ID
	}},
	mutation.KindDeleteNote: {http.MethodDelete, func(p pathParams) string {
		return "/v1/notes/" + p.ID
	}},
	mutation.KindUpdateProject: {http.MethodPatch, func(p pathParams) string {
		return "/v1/projects/" + p.ID
	}},
	mutation.KindDeleteProject: {http.MethodDelete, func(p pathParams) string {
		return "/v1/projects/" + p.ID
	}},
	mutation.KindCreateList: {http.MethodPost, func(pathParams) string {
		return "/v1/lists"
	}},
	mutation.KindDeleteList: {http.MethodDelete, func(p pathParams) string {
		return "/v1/lists/" + p.ID
	}},
	mutation.KindAddListItem: {http.MethodPost, func(p pathParams) string {
		return "/v1/lists/" + p.ListID + "/items"
	}},
	mutation.KindDeleteListItem: {http.MethodDelete, func(p pathParams) string {
		return "/v1/lists/" + p.ListID + "/items/" + p.ItemID
	}},
	mutation.KindUpdateListItem: {http.MethodPatch, func(p pathParams) string {
		return "/v1/lists/" + p.ListID + "/items/" + p.ItemID
	}},
	mutation.KindReorderListItems: {http.MethodPut, func(p pathParams) string {
		return "/v1/lists/" + p.ListID + "/items/order"
	}},
	mutation.KindUpdateArticle: {http.MethodPatch, func(p pathParams) string {
		return "/v1/articles/" + p.ID
	}},
	mutation.KindDeleteArticle: {http.MethodDelete, func(p pathParams) string {
		return "/v1/articles/" + p.ID
	}},
}

// resolveRoute returns the method and concrete path for a mutation.
func resolveRoute(kind mutation.Kind, payload json.RawMessage) (method, path string, err error) {
	r, ok := routes[kind]
	if !ok {
		return "", "", fmt.Errorf("%w: %q", mutation.ErrUnknownKind, kind)
	}
	var p pathParams
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", "", fmt.Errorf("%w: %s: %v", mutation.ErrInvalidPayload, kind, err)
	}
	return r.method, r.path(p), nil
}
