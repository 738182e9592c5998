package nzbstore

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Source identifies how a manifest entered the store.
type Source string

const (
	// SourceFound marks a manifest harvested from a posted index file.
	SourceFound Source = "found"
	// SourceGenerated marks a manifest rebuilt from scanned headers.
	SourceGenerated Source = "generated"
)

// Manifest is one stored NZB document with its provenance.
type Manifest struct {
	Key        string
	Source     Source
	ReleaseKey string
	MessageID  string
	Name       string
	Group      string
	Payload    string
	StoredAt   string
}

// Store holds NZB manifests, keyed deterministically so re-processing the
// same article never produces duplicate rows.
type Store struct {
	db   *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS nzbs (
    key TEXT PRIMARY KEY,
    source TEXT NOT NULL,
    release_key TEXT,
    message_id TEXT,
    name TEXT,
    group_name TEXT,
    payload TEXT NOT NULL,
    stored_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_nzbs_release ON nzbs(release_key);
CREATE TABLE IF NOT EXISTS nzb_invalid (
    key TEXT PRIMARY KEY,
    source TEXT NOT NULL,
    message_id TEXT,
    name TEXT,
    group_name TEXT,
    reason TEXT,
    stored_at TEXT NOT NULL
);
`

// Open initializes or connects to the manifest database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure manifest directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open manifest store: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=30000",
	} {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create manifest schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Key derives the deterministic manifest key. The same source article (or
// the same regenerated release) always maps to the same key.
func Key(source Source, releaseKey, messageID, name, group string) string {
	sum := sha1.Sum([]byte(strings.Join([]string{
		string(source), releaseKey, messageID, name, group,
	}, "|")))
	return hex.EncodeToString(sum[:])
}

// Put stores a manifest. Storing the same manifest twice is a no-op: the
// first stored payload wins.
func (s *Store) Put(ctx context.Context, manifest Manifest) (string, error) {
	key := manifest.Key
	if key == "" {
		key = Key(manifest.Source, manifest.ReleaseKey, manifest.MessageID, manifest.Name, manifest.Group)
	}
	storedAt := manifest.StoredAt
	if storedAt == "" {
		storedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO nzbs(key, source, release_key, message_id, name, group_name, payload, stored_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		key, string(manifest.Source), manifest.ReleaseKey, manifest.MessageID,
		manifest.Name, manifest.Group, manifest.Payload, storedAt)
	if err != nil {
		return "", fmt.Errorf("store manifest: %w", err)
	}
	return key, nil
}

// PutInvalid records a payload that failed validation. Re-recording the same
// key replaces the stored reason.
func (s *Store) PutInvalid(ctx context.Context, source Source, messageID, name, group, reason string) error {
	key := Key(source, "", messageID, name, group)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO nzb_invalid(key, source, message_id, name, group_name, reason, stored_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key, string(source), messageID, name, group, reason,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("store invalid manifest: %w", err)
	}
	return nil
}

// Get fetches a manifest by key; ok is false when absent.
func (s *Store) Get(ctx context.Context, key string) (Manifest, bool, error) {
	var manifest Manifest
	err := s.db.QueryRowContext(ctx,
		`SELECT key, source, release_key, message_id, name, group_name, payload, stored_at
         FROM nzbs WHERE key = ?`, key,
	).Scan(&manifest.Key, (*string)(&manifest.Source), &manifest.ReleaseKey,
		&manifest.MessageID, &manifest.Name, &manifest.Group, &manifest.Payload, &manifest.StoredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Manifest{}, false, nil
	}
	if err != nil {
		return Manifest{}, false, fmt.Errorf("read manifest: %w", err)
	}
	return manifest, true, nil
}

// FindByRelease returns the manifests stored for a release key, generated
// first so the regenerated document wins when both exist.
func (s *Store) FindByRelease(ctx context.Context, releaseKey string) ([]Manifest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, source, release_key, message_id, name, group_name, payload, stored_at
         FROM nzbs WHERE release_key = ?
         ORDER BY CASE source WHEN 'generated' THEN 0 ELSE 1 END, stored_at DESC`, releaseKey)
	if err != nil {
		return nil, fmt.Errorf("query manifests: %w", err)
	}
	defer rows.Close()

	var out []Manifest
	for rows.Next() {
		var manifest Manifest
		if err := rows.Scan(&manifest.Key, (*string)(&manifest.Source), &manifest.ReleaseKey,
			&manifest.MessageID, &manifest.Name, &manifest.Group,
			&manifest.Payload, &manifest.StoredAt); err != nil {
			return nil, fmt.Errorf("scan manifest: %w", err)
		}
		out = append(out, manifest)
	}
	return out, rows.Err()
}

// CountBySource returns manifest counts grouped by source.
func (s *Store) CountBySource(ctx context.Context) (map[Source]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source, COUNT(1) FROM nzbs GROUP BY source`)
	if err != nil {
		return nil, fmt.Errorf("count manifests: %w", err)
	}
	defer rows.Close()

	out := make(map[Source]int64)
	for rows.Next() {
		var (
			source string
			count  int64
		)
		if err := rows.Scan(&source, &count); err != nil {
			return nil, fmt.Errorf("scan manifest count: %w", err)
		}
		out[Source(source)] = count
	}
	return out, rows.Err()
}

// WriteFile saves a manifest payload under dir as <key[:8]>_<name>.nzb with
// unsafe filename characters replaced.
func WriteFile(dir string, manifest Manifest) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("ensure manifest output directory: %w", err)
	}
	prefix := manifest.Key
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	name := sanitizeFilename(manifest.Name)
	if name == "" {
		name = "manifest"
	}
	path := filepath.Join(dir, prefix+"_"+name+".nzb")
	if err := os.WriteFile(path, []byte(manifest.Payload), 0o644); err != nil {
		return "", fmt.Errorf("write manifest file: %w", err)
	}
	return path, nil
}

func sanitizeFilename(name string) string {
	name = strings.TrimSuffix(name, ".nzb")
	var out strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			out.WriteRune(r)
		default:
			out.WriteRune('_')
		}
	}
	return strings.Trim(out.String(), "._")
}
