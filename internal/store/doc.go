// Package store persists the index: append-only ingest facts, per-group
// scan watermarks, raw aggregation output and the published release
// catalog, all backed by a single SQLite database in WAL mode.
package store
