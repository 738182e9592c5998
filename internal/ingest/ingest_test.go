package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"newshound/internal/config"
	"newshound/internal/events"
	"newshound/internal/logging"
	"newshound/internal/nntp"
)

type fakeSession struct {
	status   map[string]nntp.GroupStatus
	entries  map[string][]nntp.OverviewEntry
	requests []string
}

func (s *fakeSession) SelectGroup(name string) (nntp.GroupStatus, error) {
	status, ok := s.status[name]
	if !ok {
		return nntp.GroupStatus{}, fmt.Errorf("no such group %s", name)
	}
	return status, nil
}

func (s *fakeSession) Overview(start, end int64) ([]nntp.OverviewEntry, error) {
	s.requests = append(s.requests, fmt.Sprintf("%d-%d", start, end))
	var out []nntp.OverviewEntry
	for _, entries := range s.entries {
		for _, entry := range entries {
			if entry.Article >= start && entry.Article <= end {
				out = append(out, entry)
			}
		}
	}
	return out, nil
}

func (s *fakeSession) Quit() {}

type fakeMarks map[string]int64

func (m fakeMarks) Watermark(ctx context.Context, group string) (int64, bool, error) {
	mark, ok := m[group]
	return mark, ok, nil
}

func newTestWorker(t *testing.T, session *fakeSession, marks fakeMarks) (*Worker, *events.Log) {
	t.Helper()
	log, err := events.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("events.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	logger, err := logging.New(logging.Options{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("logging.New() error = %v", err)
	}

	cfg := config.Default()
	dial := func() (Session, error) { return session, nil }
	return New(&cfg, log, marks, logger, dial), log
}

func readAll(t *testing.T, log *events.Log) []events.Event {
	t.Helper()
	batch, err := log.ReadAfter(context.Background(), 0, 1000)
	if err != nil {
		t.Fatalf("ReadAfter() error = %v", err)
	}
	return batch
}

func countByType(batch []events.Event) map[events.Type]int {
	counts := make(map[events.Type]int)
	for _, event := range batch {
		counts[event.Type]++
	}
	return counts
}

func TestScanUsesLookbackOnFirstScan(t *testing.T) {
	group := "alt.binaries.test"
	session := &fakeSession{
		status: map[string]nntp.GroupStatus{
			group: {Count: 5, First: 1, Last: 5, Name: group},
		},
		entries: map[string][]nntp.OverviewEntry{
			group: {
				{Article: 1, Subject: "Foo (1/2)", From: "a@x", Bytes: 100, MessageID: "<1@x>"},
				{Article: 2, Subject: "Foo (2/2)", From: "a@x", Bytes: 100, MessageID: "<2@x>"},
				{Article: 3, Subject: `index "foo.nzb" (1/1)`, From: "a@x", Bytes: 50, MessageID: "<3@x>"},
				{Article: 4, Subject: "Bar (1/1)", From: "b@x", Bytes: 200, MessageID: "<4@x>"},
				{Article: 5, Subject: "Baz (1/1)", From: "b@x", Bytes: 200, MessageID: "<5@x>"},
			},
		},
	}
	w, log := newTestWorker(t, session, fakeMarks{})

	err := w.Scan(context.Background(), events.ScanRequested{
		Groups:   []string{group},
		Lookback: 2000,
	})
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	// Lookback larger than the group clamps to the first article.
	if len(session.requests) != 1 || session.requests[0] != "1-5" {
		t.Errorf("overview requests = %v, want [1-5]", session.requests)
	}

	batch := readAll(t, log)
	counts := countByType(batch)
	if counts[events.TypeHeaderBatch] == 0 {
		t.Fatal("no header batch published")
	}
	if counts[events.TypeNZBSeen] != 1 {
		t.Errorf("nzb_seen events = %d, want 1", counts[events.TypeNZBSeen])
	}
	if counts[events.TypeStateUpdate] != 1 {
		t.Errorf("state_update events = %d, want 1", counts[events.TypeStateUpdate])
	}

	var headerCount int
	for _, event := range batch {
		switch event.Type {
		case events.TypeHeaderBatch:
			payload, err := events.Decode[events.HeaderBatch](event)
			if err != nil {
				t.Fatalf("Decode(header batch) error = %v", err)
			}
			headerCount += len(payload.Items)
		case events.TypeStateUpdate:
			payload, err := events.Decode[events.StateUpdate](event)
			if err != nil {
				t.Fatalf("Decode(state update) error = %v", err)
			}
			if payload.Group != group || payload.LastArticle != 5 {
				t.Errorf("state_update = %+v, want last_article 5", payload)
			}
		}
	}
	if headerCount != 5 {
		t.Errorf("headers published = %d, want 5", headerCount)
	}
}

func TestScanResumesFromWatermark(t *testing.T) {
	group := "alt.binaries.test"
	session := &fakeSession{
		status: map[string]nntp.GroupStatus{
			group: {Count: 10, First: 1, Last: 10, Name: group},
		},
		entries: map[string][]nntp.OverviewEntry{
			group: {
				{Article: 8, Subject: "New (1/1)", From: "a@x", Bytes: 100, MessageID: "<8@x>"},
				{Article: 9, Subject: "New (1/1)", From: "a@x", Bytes: 100, MessageID: "<9@x>"},
				{Article: 10, Subject: "New (1/1)", From: "a@x", Bytes: 100, MessageID: "<10@x>"},
			},
		},
	}
	w, _ := newTestWorker(t, session, fakeMarks{group: 7})

	err := w.Scan(context.Background(), events.ScanRequested{Groups: []string{group}, Lookback: 2000})
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(session.requests) != 1 || session.requests[0] != "8-10" {
		t.Errorf("overview requests = %v, want [8-10]", session.requests)
	}
}

func TestScanNothingNewSkipsOverview(t *testing.T) {
	group := "alt.binaries.test"
	session := &fakeSession{
		status: map[string]nntp.GroupStatus{
			group: {Count: 10, First: 1, Last: 10, Name: group},
		},
	}
	w, log := newTestWorker(t, session, fakeMarks{group: 10})

	err := w.Scan(context.Background(), events.ScanRequested{Groups: []string{group}})
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(session.requests) != 0 {
		t.Errorf("overview requests = %v, want none", session.requests)
	}
	counts := countByType(readAll(t, log))
	if counts[events.TypeStateUpdate] != 0 {
		t.Error("state_update published for a group with nothing new")
	}
}

func TestScanResetPublishesStateResetAndUsesLookback(t *testing.T) {
	group := "alt.binaries.test"
	session := &fakeSession{
		status: map[string]nntp.GroupStatus{
			group: {Count: 100, First: 1, Last: 100, Name: group},
		},
		entries: map[string][]nntp.OverviewEntry{group: {}},
	}
	w, log := newTestWorker(t, session, fakeMarks{group: 95})

	err := w.Scan(context.Background(), events.ScanRequested{
		Groups:   []string{group},
		Lookback: 10,
		Reset:    true,
	})
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(session.requests) != 1 || session.requests[0] != "91-100" {
		t.Errorf("overview requests = %v, want [91-100] (watermark ignored on reset)", session.requests)
	}
	counts := countByType(readAll(t, log))
	if counts[events.TypeStateReset] != 1 {
		t.Errorf("state_reset events = %d, want 1", counts[events.TypeStateReset])
	}
}

func TestHandleWrapsScanWithLifecycleEvents(t *testing.T) {
	group := "alt.binaries.test"
	session := &fakeSession{
		status: map[string]nntp.GroupStatus{
			group: {Count: 1, First: 1, Last: 1, Name: group},
		},
		entries: map[string][]nntp.OverviewEntry{
			group: {{Article: 1, Subject: "Foo (1/1)", From: "a@x", Bytes: 10, MessageID: "<1@x>"}},
		},
	}
	w, log := newTestWorker(t, session, fakeMarks{})

	ctx := context.Background()
	id, err := log.Publish(ctx, events.TypeScanRequested, events.ScanRequested{Groups: []string{group}})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	batch, err := log.ReadAfter(ctx, id-1, 1)
	if err != nil || len(batch) != 1 {
		t.Fatalf("ReadAfter() = %v, %v", batch, err)
	}

	if err := w.handle(ctx, batch[0]); err != nil {
		t.Fatalf("handle() error = %v", err)
	}

	counts := countByType(readAll(t, log))
	if counts[events.TypeScanStarted] != 1 || counts[events.TypeScanFinished] != 1 {
		t.Errorf("lifecycle events = %+v, want one scan_started and one scan_finished", counts)
	}
}

func TestIsCandidate(t *testing.T) {
	tests := []struct {
		subject string
		want    bool
	}{
		{`post "foo.nzb" (1/1)`, true},
		{"foo.NZB yEnc", true},
		{"foo.nzbx", false},
		{"plain post (1/2)", false},
	}
	for _, tt := range tests {
		if got := IsCandidate(tt.subject); got != tt.want {
			t.Errorf("IsCandidate(%q) = %v, want %v", tt.subject, got, tt.want)
		}
	}
}
