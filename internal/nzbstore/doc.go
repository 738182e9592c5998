// Package nzbstore persists NZB manifests, both harvested from posted
// index files and regenerated from scanned headers, in a dedicated SQLite
// database keyed by deterministic content hashes.
package nzbstore
