package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies an ingest fact.
type Kind string

const (
	KindHeader    Kind = "header"
	KindNZBFile   Kind = "nzb_file"
	KindNZBFailed Kind = "nzb_failed"
)

// Detail carries the structured extras of non-header facts: the declared
// segment count of an NZB file entry and provenance back-references to the
// article the index file was posted in.
type Detail struct {
	Segments        int    `json:"segments,omitempty"`
	SourceSubject   string `json:"source_subject,omitempty"`
	SourceArticle   int64  `json:"source_article,omitempty"`
	SourceMessageID string `json:"source_message_id,omitempty"`
}

// Record is one append-only ingest fact: a raw article header, an NZB file
// entry, or a failed index fetch. It is the unit the persistence stage
// commits and the aggregation engine reads.
type Record struct {
	Group     string  `json:"group"`
	Kind      Kind    `json:"kind"`
	Article   int64   `json:"article,omitempty"`
	Subject   string  `json:"subject"`
	Poster    string  `json:"poster"`
	Date      string  `json:"date"`
	Bytes     int64   `json:"bytes"`
	MessageID string  `json:"message_id"`
	Detail    *Detail `json:"detail,omitempty"`
}

// AppendRecords inserts a batch of facts in one transaction.
func (s *Store) AppendRecords(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO ingest(group_name, kind, article, subject, poster, date, bytes, message_id, detail)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare ingest insert: %w", err)
		}
		defer stmt.Close()

		for _, record := range records {
			var detail any
			if record.Detail != nil {
				encoded, err := json.Marshal(record.Detail)
				if err != nil {
					return fmt.Errorf("encode fact detail: %w", err)
				}
				detail = string(encoded)
			}
			if _, err := stmt.ExecContext(ctx,
				record.Group, string(record.Kind), nullableInt64(record.Article),
				record.Subject, record.Poster, record.Date, record.Bytes,
				record.MessageID, detail,
			); err != nil {
				return fmt.Errorf("insert fact: %w", err)
			}
		}
		return nil
	})
}

// Facts returns every persisted fact in insertion order.
func (s *Store) Facts(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_name, kind, article, subject, poster, date, bytes, message_id, detail
         FROM ingest ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var (
		record  Record
		group   sql.NullString
		kind    string
		article sql.NullInt64
		subject sql.NullString
		poster  sql.NullString
		date    sql.NullString
		msgID   sql.NullString
		detail  sql.NullString
	)
	if err := rows.Scan(&group, &kind, &article, &subject, &poster, &date,
		&record.Bytes, &msgID, &detail); err != nil {
		return Record{}, fmt.Errorf("scan fact: %w", err)
	}
	record.Group = group.String
	record.Kind = Kind(kind)
	record.Article = article.Int64
	record.Subject = subject.String
	record.Poster = poster.String
	record.Date = date.String
	record.MessageID = msgID.String
	if detail.Valid && detail.String != "" {
		var decoded Detail
		if err := json.Unmarshal([]byte(detail.String), &decoded); err == nil {
			record.Detail = &decoded
		}
	}
	return record, nil
}

// HeaderSegment is a header fact projected down to the fields needed to
// rebuild a manifest segment list.
type HeaderSegment struct {
	Subject   string
	MessageID string
	Bytes     int64
}

// HeaderSegments returns the header facts for a poster across a set of
// groups, for manifest reconstruction.
func (s *Store) HeaderSegments(ctx context.Context, poster string, groups []string) ([]HeaderSegment, error) {
	if len(groups) == 0 {
		return nil, nil
	}
	query := `SELECT subject, message_id, bytes FROM ingest
              WHERE kind = ? AND poster = ? AND group_name IN (` + placeholders(len(groups)) + `)`
	args := make([]any, 0, len(groups)+2)
	args = append(args, string(KindHeader), poster)
	for _, group := range groups {
		args = append(args, group)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query header segments: %w", err)
	}
	defer rows.Close()

	var out []HeaderSegment
	for rows.Next() {
		var (
			segment HeaderSegment
			subject sql.NullString
			msgID   sql.NullString
		)
		if err := rows.Scan(&subject, &msgID, &segment.Bytes); err != nil {
			return nil, fmt.Errorf("scan header segment: %w", err)
		}
		segment.Subject = subject.String
		segment.MessageID = msgID.String
		out = append(out, segment)
	}
	return out, rows.Err()
}

// CountFacts returns the number of facts of one kind.
func (s *Store) CountFacts(ctx context.Context, kind Kind) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM ingest WHERE kind = ?`, string(kind)).Scan(&count); err != nil {
		return 0, fmt.Errorf("count facts: %w", err)
	}
	return count, nil
}

// Watermark returns the last scanned article for a group; ok is false when
// the group has never been scanned (or was reset).
func (s *Store) Watermark(ctx context.Context, group string) (int64, bool, error) {
	var last int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_article FROM watermarks WHERE group_name = ?`, group).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read watermark %s: %w", group, err)
	}
	return last, true, nil
}

// SetWatermark upserts a group watermark. Watermarks only move forward; a
// lower article number than the stored one is ignored.
func (s *Store) SetWatermark(ctx context.Context, group string, lastArticle int64) error {
	return s.execWithRetry(ctx,
		`INSERT INTO watermarks(group_name, last_article) VALUES(?, ?)
         ON CONFLICT(group_name) DO UPDATE SET last_article = excluded.last_article
         WHERE excluded.last_article > watermarks.last_article`,
		group, lastArticle)
}

// ResetWatermark deletes a group watermark so the next scan falls back to
// the lookback window.
func (s *Store) ResetWatermark(ctx context.Context, group string) error {
	return s.execWithRetry(ctx, `DELETE FROM watermarks WHERE group_name = ?`, group)
}

// Watermarks returns all group watermarks.
func (s *Store) Watermarks(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT group_name, last_article FROM watermarks`)
	if err != nil {
		return nil, fmt.Errorf("query watermarks: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			group string
			last  int64
		)
		if err := rows.Scan(&group, &last); err != nil {
			return nil, fmt.Errorf("scan watermark: %w", err)
		}
		out[group] = last
	}
	return out, rows.Err()
}

func nullableInt64(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	out := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}
