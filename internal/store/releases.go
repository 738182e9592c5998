package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// RawRelease is the output of aggregation phase A: facts grouped by
// (normalized subject, poster, group) within a single newsgroup, before the
// cross-group merge and completeness filter.
type RawRelease struct {
	Key             string
	Name            string
	NormalizedName  string
	FilenameHint    string
	Poster          string
	Group           string
	Source          string
	MessageID       string
	SourceSubject   string
	SourceArticle   int64
	SourceMessageID string
	FetchFailed     bool
	FirstSeen       string
	LastSeen        string
	Bytes           int64
	SizeHuman       string
	PartsReceived   int
	PartsExpected   int
	PartNumbers     []int
	PartTotal       int
	Articles        int
	Subjects        []string
}

// ReplaceRawReleases atomically swaps the raw release set: the previous
// rows are cleared and the new set inserted in one transaction.
func (s *Store) ReplaceRawReleases(ctx context.Context, releases []RawRelease) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM releases_raw`); err != nil {
			return fmt.Errorf("clear raw releases: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO releases_raw(
                key, name, normalized_name, filename_hint, poster, group_name, source,
                message_id, source_subject, source_article, source_message_id, fetch_failed,
                first_seen, last_seen, bytes, size_human, parts_received, parts_expected,
                part_numbers, part_total, articles, subjects
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare raw release insert: %w", err)
		}
		defer stmt.Close()

		for _, release := range releases {
			partNumbers, err := json.Marshal(release.PartNumbers)
			if err != nil {
				return fmt.Errorf("encode part numbers: %w", err)
			}
			subjects, err := json.Marshal(release.Subjects)
			if err != nil {
				return fmt.Errorf("encode subjects: %w", err)
			}
			if _, err := stmt.ExecContext(ctx,
				release.Key, release.Name, release.NormalizedName,
				nullableString(release.FilenameHint), release.Poster, release.Group,
				release.Source, nullableString(release.MessageID),
				nullableString(release.SourceSubject), nullableInt64(release.SourceArticle),
				nullableString(release.SourceMessageID), boolToInt(release.FetchFailed),
				release.FirstSeen, release.LastSeen, release.Bytes, release.SizeHuman,
				release.PartsReceived, release.PartsExpected,
				string(partNumbers), release.PartTotal, release.Articles, string(subjects),
			); err != nil {
				return fmt.Errorf("insert raw release: %w", err)
			}
		}
		return nil
	})
}

// RawReleases returns the raw release set sorted by last_seen descending.
func (s *Store) RawReleases(ctx context.Context) ([]RawRelease, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, name, normalized_name, filename_hint, poster, group_name, source,
                message_id, source_subject, source_article, source_message_id, fetch_failed,
                first_seen, last_seen, bytes, size_human, parts_received, parts_expected,
                part_numbers, part_total, articles, subjects
         FROM releases_raw ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("query raw releases: %w", err)
	}
	defer rows.Close()

	var out []RawRelease
	for rows.Next() {
		var (
			release       RawRelease
			filenameHint  sql.NullString
			messageID     sql.NullString
			sourceSubject sql.NullString
			sourceArticle sql.NullInt64
			sourceMsgID   sql.NullString
			fetchFailed   int
			firstSeen     sql.NullString
			lastSeen      sql.NullString
			partNumbers   sql.NullString
			subjects      sql.NullString
		)
		if err := rows.Scan(
			&release.Key, &release.Name, &release.NormalizedName, &filenameHint,
			&release.Poster, &release.Group, &release.Source, &messageID,
			&sourceSubject, &sourceArticle, &sourceMsgID, &fetchFailed,
			&firstSeen, &lastSeen, &release.Bytes, &release.SizeHuman,
			&release.PartsReceived, &release.PartsExpected,
			&partNumbers, &release.PartTotal, &release.Articles, &subjects,
		); err != nil {
			return nil, fmt.Errorf("scan raw release: %w", err)
		}
		release.FilenameHint = filenameHint.String
		release.MessageID = messageID.String
		release.SourceSubject = sourceSubject.String
		release.SourceArticle = sourceArticle.Int64
		release.SourceMessageID = sourceMsgID.String
		release.FetchFailed = fetchFailed != 0
		release.FirstSeen = firstSeen.String
		release.LastSeen = lastSeen.String
		if partNumbers.Valid && partNumbers.String != "" {
			_ = json.Unmarshal([]byte(partNumbers.String), &release.PartNumbers)
		}
		if subjects.Valid && subjects.String != "" {
			_ = json.Unmarshal([]byte(subjects.String), &release.Subjects)
		}
		out = append(out, release)
	}
	return out, rows.Err()
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
