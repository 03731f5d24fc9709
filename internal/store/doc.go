// Package store provides the durable mutation queue for the sync engine.
//
// The store is the single source of truth for "what remains to be
// synced". Three backends implement the same Store interface:
//
//   - SQLite (default): an embedded database in the app data directory,
//     opened in WAL mode. Survives process restarts and crashes.
//   - Postgres: for deployments where the companion daemon shares a
//     database with other tooling.
//   - Memory: process-lifetime only; used in tests and as the degraded
//     overlay when a durable append fails.
//
// Backends are selected by DSN scheme via Open:
//
//	st, err := store.Open("file:/home/me/.aperture/queue.db")
//	st, err := store.Open("postgres://localhost/aperture?sslmode=disable")
//	st, err := store.Open("memory:")
//
// All operations take a context; the SQLite and Postgres backends bound
// each call with it. List returns mutations in enqueue order, which is
// the order the engine replays them in.
package store
