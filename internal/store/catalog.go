package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// Release is one row of the published release catalog.
type Release struct {
	Key             string
	Name            string
	NormalizedName  string
	FilenameGuess   string
	FetchFailed     bool
	SourceSubject   string
	SourceArticle   int64
	SourceMessageID string
	Groups          []string
	Poster          string
	Bytes           int64
	SizeHuman       string
	FirstSeen       string
	LastSeen        string
	PartsExpected   int
	PartsReceived   int
	Type            string
	Quality         string
	Source          string
	Codec           string
	Audio           string
	Languages       []string
	Subtitles       bool
	Tags            []string
}

// Complete reports whether every expected part of the release was seen.
func (r Release) Complete() bool {
	return r.PartsExpected > 0 && r.PartsReceived == r.PartsExpected
}

// AggregateStats summarizes one aggregation run.
type AggregateStats struct {
	RanAt              string
	RawReleases        int
	Kept               int
	Rejected           int
	ManifestsGenerated int
}

// ReplaceCatalog atomically swaps the release catalog for the given set and
// records run statistics. Readers never observe a partially built catalog.
func (s *Store) ReplaceCatalog(ctx context.Context, releases []Release, stats AggregateStats) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM releases`); err != nil {
			return fmt.Errorf("clear catalog: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO releases(
                key, name, normalized_name, filename_guess, fetch_failed,
                source_subject, source_article, source_message_id, groups, poster,
                bytes, size_human, first_seen, last_seen, parts_expected, parts_received,
                type, quality, source, codec, audio, languages, subtitles, tags
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare catalog insert: %w", err)
		}
		defer stmt.Close()

		for _, release := range releases {
			languages, err := json.Marshal(release.Languages)
			if err != nil {
				return fmt.Errorf("encode languages: %w", err)
			}
			tags, err := json.Marshal(release.Tags)
			if err != nil {
				return fmt.Errorf("encode tags: %w", err)
			}
			if _, err := stmt.ExecContext(ctx,
				release.Key, release.Name, release.NormalizedName,
				nullableString(release.FilenameGuess), boolToInt(release.FetchFailed),
				nullableString(release.SourceSubject), nullableInt64(release.SourceArticle),
				nullableString(release.SourceMessageID), strings.Join(release.Groups, ","),
				release.Poster, release.Bytes, release.SizeHuman,
				release.FirstSeen, release.LastSeen,
				release.PartsExpected, release.PartsReceived,
				nullableString(release.Type), nullableString(release.Quality),
				nullableString(release.Source), nullableString(release.Codec),
				nullableString(release.Audio), string(languages),
				boolToInt(release.Subtitles), string(tags),
			); err != nil {
				return fmt.Errorf("insert release: %w", err)
			}
		}

		ranAt := stats.RanAt
		if ranAt == "" {
			ranAt = time.Now().UTC().Format(time.RFC3339)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO aggregate_runs(ran_at, raw_releases, kept, rejected, manifests_generated)
             VALUES (?, ?, ?, ?, ?)`,
			ranAt, stats.RawReleases, stats.Kept, stats.Rejected, stats.ManifestsGenerated,
		); err != nil {
			return fmt.Errorf("record aggregate run: %w", err)
		}
		return nil
	})
}

// CatalogFilter narrows a catalog listing.
type CatalogFilter struct {
	Tag    string
	Group  string
	Poster string
	Limit  int
}

// ListReleases returns catalog rows matching the filter, most recent first.
func (s *Store) ListReleases(ctx context.Context, filter CatalogFilter) ([]Release, error) {
	builder := sq.Select(
		"key", "name", "normalized_name", "filename_guess", "fetch_failed",
		"source_subject", "source_article", "source_message_id", "groups", "poster",
		"bytes", "size_human", "first_seen", "last_seen", "parts_expected", "parts_received",
		"type", "quality", "source", "codec", "audio", "languages", "subtitles", "tags",
	).From("releases").OrderBy("last_seen DESC")

	if filter.Tag != "" {
		builder = builder.Where(sq.Like{"tags": "%\"" + filter.Tag + "\"%"})
	}
	if filter.Group != "" {
		builder = builder.Where(sq.Like{"groups": "%" + filter.Group + "%"})
	}
	if filter.Poster != "" {
		builder = builder.Where(sq.Eq{"poster": filter.Poster})
	}
	if filter.Limit > 0 {
		builder = builder.Limit(uint64(filter.Limit))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build catalog query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query catalog: %w", err)
	}
	defer rows.Close()

	var out []Release
	for rows.Next() {
		release, err := scanRelease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, release)
	}
	return out, rows.Err()
}

// FindRelease fetches a single catalog row by key.
func (s *Store) FindRelease(ctx context.Context, key string) (Release, bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, name, normalized_name, filename_guess, fetch_failed,
                source_subject, source_article, source_message_id, groups, poster,
                bytes, size_human, first_seen, last_seen, parts_expected, parts_received,
                type, quality, source, codec, audio, languages, subtitles, tags
         FROM releases WHERE key = ?`, key)
	if err != nil {
		return Release{}, false, fmt.Errorf("query release: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return Release{}, false, rows.Err()
	}
	release, err := scanRelease(rows)
	if err != nil {
		return Release{}, false, err
	}
	return release, true, nil
}

// Tags returns the distinct tags present in the catalog, sorted.
func (s *Store) Tags(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tags FROM releases`)
	if err != nil {
		return nil, fmt.Errorf("query tags: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	for rows.Next() {
		var encoded sql.NullString
		if err := rows.Scan(&encoded); err != nil {
			return nil, fmt.Errorf("scan tags: %w", err)
		}
		if !encoded.Valid || encoded.String == "" {
			continue
		}
		var tags []string
		if err := json.Unmarshal([]byte(encoded.String), &tags); err != nil {
			continue
		}
		for _, tag := range tags {
			seen[tag] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(seen))
	for tag := range seen {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out, nil
}

// LastAggregateRun returns statistics for the most recent aggregation run;
// ok is false when no run has happened yet.
func (s *Store) LastAggregateRun(ctx context.Context) (AggregateStats, bool, error) {
	var stats AggregateStats
	err := s.db.QueryRowContext(ctx,
		`SELECT ran_at, raw_releases, kept, rejected, manifests_generated
         FROM aggregate_runs ORDER BY id DESC LIMIT 1`,
	).Scan(&stats.RanAt, &stats.RawReleases, &stats.Kept, &stats.Rejected, &stats.ManifestsGenerated)
	if err == sql.ErrNoRows {
		return AggregateStats{}, false, nil
	}
	if err != nil {
		return AggregateStats{}, false, fmt.Errorf("read aggregate run: %w", err)
	}
	return stats, true, nil
}

func scanRelease(rows *sql.Rows) (Release, error) {
	var (
		release       Release
		filenameGuess sql.NullString
		fetchFailed   int
		sourceSubject sql.NullString
		sourceArticle sql.NullInt64
		sourceMsgID   sql.NullString
		groups        string
		firstSeen     sql.NullString
		lastSeen      sql.NullString
		typ           sql.NullString
		quality       sql.NullString
		source        sql.NullString
		codec         sql.NullString
		audio         sql.NullString
		languages     sql.NullString
		subtitles     int
		tags          sql.NullString
	)
	if err := rows.Scan(
		&release.Key, &release.Name, &release.NormalizedName, &filenameGuess, &fetchFailed,
		&sourceSubject, &sourceArticle, &sourceMsgID, &groups, &release.Poster,
		&release.Bytes, &release.SizeHuman, &firstSeen, &lastSeen,
		&release.PartsExpected, &release.PartsReceived,
		&typ, &quality, &source, &codec, &audio, &languages, &subtitles, &tags,
	); err != nil {
		return Release{}, fmt.Errorf("scan release: %w", err)
	}
	release.FilenameGuess = filenameGuess.String
	release.FetchFailed = fetchFailed != 0
	release.SourceSubject = sourceSubject.String
	release.SourceArticle = sourceArticle.Int64
	release.SourceMessageID = sourceMsgID.String
	if groups != "" {
		release.Groups = strings.Split(groups, ",")
	}
	release.FirstSeen = firstSeen.String
	release.LastSeen = lastSeen.String
	release.Type = typ.String
	release.Quality = quality.String
	release.Source = source.String
	release.Codec = codec.String
	release.Audio = audio.String
	if languages.Valid && languages.String != "" {
		_ = json.Unmarshal([]byte(languages.String), &release.Languages)
	}
	release.Subtitles = subtitles != 0
	if tags.Valid && tags.String != "" {
		_ = json.Unmarshal([]byte(tags.String), &release.Tags)
	}
	return release, nil
}
