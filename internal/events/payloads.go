package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"newshound/internal/store"
)

// Type enumerates the closed set of event payload schemas. Every published
// payload is one of the structs below; unknown fields in stored payloads
// are ignored at the boundary.
type Type string

const (
	TypeScanRequested Type = "scan_requested"
	TypeScanStarted   Type = "scan_started"
	TypeScanProgress  Type = "scan_progress"
	TypeScanFinished  Type = "scan_finished"
	TypeHeaderBatch   Type = "header_ingested_batch"
	TypeNZBSeen       Type = "nzb_seen"
	TypeNZBFile       Type = "nzb_file"
	TypeNZBFailed     Type = "nzb_failed"
	TypeNZBParsed     Type = "nzb_parsed"
	TypeStateUpdate   Type = "state_update"
	TypeStateReset    Type = "state_reset"
	TypeAggregate     Type = "aggregate_requested"
)

// ScanRequested asks the ingest stage to scan a set of groups.
type ScanRequested struct {
	Groups   []string `json:"groups"`
	Lookback int64    `json:"lookback,omitempty"`
	Reset    bool     `json:"reset,omitempty"`
}

// ScanStarted marks the beginning of a requested scan.
type ScanStarted struct {
	Groups []string `json:"groups"`
}

// ScanProgress reports liveness while walking an overview range. Emitted at
// a bounded time cadence, never per article.
type ScanProgress struct {
	Group   string `json:"group"`
	Current int64  `json:"current"`
	Total   int64  `json:"total"`
}

// ScanFinished marks the end of a requested scan.
type ScanFinished struct {
	Groups []string `json:"groups"`
}

// HeaderBatch carries a size- and time-bounded batch of header facts.
type HeaderBatch struct {
	Items []store.Record `json:"items"`
}

// NZBSeen flags an article whose subject suggests an NZB index file. It
// carries enough context for the expansion stage to fetch the body without
// re-reading the overview.
type NZBSeen struct {
	Group     string `json:"group"`
	Article   int64  `json:"article"`
	Subject   string `json:"subject"`
	Poster    string `json:"poster"`
	Date      string `json:"date"`
	MessageID string `json:"message_id"`
}

// NZBParsed marks completed expansion of one candidate index article.
type NZBParsed struct {
	Group   string `json:"group"`
	Article int64  `json:"article"`
}

// StateUpdate advances a group watermark to the last scanned article.
type StateUpdate struct {
	Group       string `json:"group"`
	LastArticle int64  `json:"last_article"`
}

// StateReset drops a group watermark so the lookback window governs the
// next scan.
type StateReset struct {
	Group string `json:"group"`
}

// AggregateRequested triggers a catalog rebuild. It carries no data.
type AggregateRequested struct{}

// nzb_file and nzb_failed events carry a store.Record payload directly;
// they are facts in flight toward the persistence stage.

// ErrBadPayload marks an event whose payload does not match its schema.
// Consumers treat it as permanent: redelivering the event cannot help.
var ErrBadPayload = errors.New("malformed event payload")

// Decode unmarshals an event payload into the typed struct for its schema.
func Decode[T any](event Event) (T, error) {
	var out T
	if err := json.Unmarshal(event.Payload, &out); err != nil {
		return out, fmt.Errorf("%w: %s: %w", ErrBadPayload, event.Type, err)
	}
	return out, nil
}
